package dispatcher

import (
	"fmt"
	"strings"

	"github.com/cachegrand/cachegrand-go/internal/cgerr"
	"github.com/cachegrand/cachegrand-go/internal/resp"
	"github.com/cachegrand/cachegrand-go/pkg/storage"
)

// serverVersion is the HELLO reply's version field; cachegrand-go does not
// track a build id the way the snapshot header does, so a fixed string
// stands in for it.
const serverVersion = "7.0.0"

func (d *Dispatcher) registerConnectionCommands() {
	d.register(Command{Name: "PING", MinArgs: 0, MaxArgs: 1, NoAuthRequired: true, Handler: cmdPing})
	d.register(Command{Name: "QUIT", MinArgs: 0, MaxArgs: 0, NoAuthRequired: true, Handler: cmdQuit})
	d.register(Command{Name: "SELECT", MinArgs: 1, MaxArgs: 1, Handler: cmdSelect})
	d.register(Command{Name: "AUTH", MinArgs: 1, MaxArgs: 2, NoAuthRequired: true, Handler: cmdAuth})
	d.register(Command{Name: "HELLO", MinArgs: 0, MaxArgs: -1, NoAuthRequired: true, Handler: cmdHello})
	d.register(Command{Name: "FLUSHDB", MinArgs: 0, MaxArgs: 1, Handler: cmdFlushDB})
	d.register(Command{Name: "BGSAVE", MinArgs: 0, MaxArgs: 1, Handler: cmdBGSave})
	d.register(Command{Name: "SHUTDOWN", MinArgs: 0, MaxArgs: 1, Handler: cmdShutdown})
	d.register(Command{Name: "DBSIZE", MinArgs: 0, MaxArgs: 0, Handler: cmdDBSize})
}

func cmdPing(_ *Dispatcher, _ *Session, _ *storage.Database, args []string, w *resp.Writer) (bool, error) {
	if len(args) == 1 {
		return false, w.BulkString(args[0])
	}
	return false, w.SimpleString("PONG")
}

func cmdQuit(_ *Dispatcher, _ *Session, _ *storage.Database, _ []string, w *resp.Writer) (bool, error) {
	return true, w.SimpleString("OK")
}

func cmdSelect(d *Dispatcher, s *Session, _ *storage.Database, args []string, w *resp.Writer) (bool, error) {
	idx, err := parseInt64(args[0])
	if err != nil {
		return false, err
	}
	if idx < 0 || idx >= int64(d.db.DatabaseCount()) {
		return false, cgerr.Wrap(cgerr.KindArgument, "invalid DB index")
	}
	s.DBIndex = uint32(idx)
	return false, w.SimpleString("OK")
}

func cmdAuth(d *Dispatcher, s *Session, _ *storage.Database, args []string, w *resp.Writer) (bool, error) {
	password := args[len(args)-1]
	if d.cfg.Password == "" {
		return false, fmt.Errorf("%w: without password protection, client software attempted to authenticate", cgerr.ErrArgument)
	}
	if password != d.cfg.Password {
		return false, cgerr.Wrap(cgerr.KindAuthFailed, "failed: WRONGPASS invalid username-password pair or user is disabled.")
	}
	s.Authenticated = true
	return false, w.SimpleString("OK")
}

// cmdHello implements the subset of HELLO the dispatcher needs: protocol
// version negotiation, inline AUTH, and SETNAME.
func cmdHello(d *Dispatcher, s *Session, _ *storage.Database, args []string, w *resp.Writer) (bool, error) {
	proto3 := s.Proto3
	i := 0
	if i < len(args) {
		switch args[i] {
		case "2":
			proto3 = false
			i++
		case "3":
			proto3 = true
			i++
		default:
			return false, fmt.Errorf("%w: unsupported HELLO protocol version", cgerr.ErrProtocol)
		}
	}
	for i < len(args) {
		switch strings.ToUpper(args[i]) {
		case "AUTH":
			if i+2 >= len(args) {
				return false, fmt.Errorf("%w: syntax error in HELLO", cgerr.ErrArgument)
			}
			if _, err := cmdAuth(d, s, nil, args[i+1:i+3], w); err != nil {
				return false, err
			}
			i += 3
		case "SETNAME":
			if i+1 >= len(args) {
				return false, fmt.Errorf("%w: syntax error in HELLO", cgerr.ErrArgument)
			}
			s.Name = args[i+1]
			i += 2
		default:
			return false, fmt.Errorf("%w: syntax error in HELLO", cgerr.ErrArgument)
		}
	}
	s.Proto3 = proto3
	w.Proto3 = proto3

	if err := w.Map(7); err != nil {
		return false, err
	}
	_ = w.BulkString("server")
	_ = w.BulkString("cachegrand-server")
	_ = w.BulkString("version")
	_ = w.BulkString(serverVersion)
	_ = w.BulkString("proto")
	if proto3 {
		_ = w.Integer(3)
	} else {
		_ = w.Integer(2)
	}
	_ = w.BulkString("id")
	_ = w.Integer(0)
	_ = w.BulkString("mode")
	_ = w.BulkString("standalone")
	_ = w.BulkString("role")
	_ = w.BulkString("master")
	_ = w.BulkString("modules")
	return false, w.Array(0)
}

func cmdFlushDB(_ *Dispatcher, _ *Session, db *storage.Database, _ []string, w *resp.Writer) (bool, error) {
	db.FlushDB()
	return false, w.SimpleString("OK")
}

func cmdBGSave(d *Dispatcher, _ *Session, _ *storage.Database, _ []string, w *resp.Writer) (bool, error) {
	path, err := d.db.BGSave()
	if err != nil {
		return false, fmt.Errorf("%w: %v", cgerr.ErrStorage, err)
	}
	return false, w.SimpleString(fmt.Sprintf("Background saving started: %s", path))
}

func cmdShutdown(d *Dispatcher, _ *Session, _ *storage.Database, _ []string, w *resp.Writer) (bool, error) {
	if err := w.SimpleString("OK"); err != nil {
		return true, err
	}
	if d.cfg.Shutdown != nil {
		d.cfg.Shutdown()
	}
	return true, nil
}

func cmdDBSize(_ *Dispatcher, _ *Session, db *storage.Database, _ []string, w *resp.Writer) (bool, error) {
	return false, w.Integer(db.DBSize())
}
