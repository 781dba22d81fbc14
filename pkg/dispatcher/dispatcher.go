// Package dispatcher translates a parsed RESP command (name plus argument
// vector) into a pkg/storage operation and a RESP reply. Command shapes and
// error strings are grounded on the fixture-per-command-family layout under
// original_source/tests/unit_tests/modules/redis/command: one descriptor per
// command, carrying its arity bounds and a handler that already receives a
// pre-validated argument vector.
//
// © 2025 cachegrand-go authors. MIT License.
package dispatcher

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/cachegrand/cachegrand-go/internal/cgerr"
	"github.com/cachegrand/cachegrand-go/internal/resp"
	"github.com/cachegrand/cachegrand-go/internal/unsafehelpers"
	"github.com/cachegrand/cachegrand-go/pkg/storage"
)

// Session is the per-connection state the dispatcher reads and mutates:
// selected database, auth/protocol negotiation, and a human-readable name
// set via "CLIENT SETNAME"-style HELLO args.
type Session struct {
	DBIndex       uint32
	Authenticated bool
	Proto3        bool
	Name          string
}

// Config tunes server-wide dispatch policy: the authentication password (if
// any) and per-command disablement. MaxKeyLength, MaxCommandLength and
// MaxCommandArguments are stored with their defaults applied, but no
// dispatch path checks them: over-long keys, commands and argument lists
// reach the handler unchanged.
type Config struct {
	Password            string // empty = require_authentication is off
	DisabledCommands     map[string]bool
	MaxKeyLength         int
	MaxCommandLength     int
	MaxCommandArguments  int
	Logger               *zap.Logger
	Shutdown             func()
}

func (c Config) withDefaults() Config {
	if c.MaxKeyLength <= 0 {
		c.MaxKeyLength = 512 * 1024 * 1024
	}
	if c.MaxCommandLength <= 0 {
		c.MaxCommandLength = 64 * 1024 * 1024
	}
	if c.MaxCommandArguments <= 0 {
		c.MaxCommandArguments = 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Handler executes one command's core operation and writes its reply.
// closeConn tells the caller to tear down the connection after the reply is
// flushed (QUIT, a fatal protocol violation, SHUTDOWN).
type Handler func(d *Dispatcher, s *Session, db *storage.Database, args []string, w *resp.Writer) (closeConn bool, err error)

// Command is one entry of the command descriptor table.
type Command struct {
	Name           string
	MinArgs        int // not counting the command name itself
	MaxArgs        int // -1 = unbounded
	NoAuthRequired bool
	Handler        Handler
}

// Dispatcher holds the command table and server-wide policy; stateless
// beyond that — all per-connection state lives in Session.
type Dispatcher struct {
	cfg      Config
	db       *storage.DB
	commands map[string]*Command
}

// New constructs a Dispatcher bound to db, wiring up the full command
// table.
func New(db *storage.DB, cfg Config) *Dispatcher {
	d := &Dispatcher{cfg: cfg.withDefaults(), db: db, commands: map[string]*Command{}}
	d.registerConnectionCommands()
	d.registerStringCommands()
	d.registerKeyCommands()
	return d
}

func (d *Dispatcher) register(c Command) {
	d.commands[c.Name] = &c
}

// Dispatch looks up args[0] in the command table, validates arity/auth/
// disablement, runs its handler, and writes the RESP reply (including any
// error) through w. closeConn mirrors Handler's contract.
func (d *Dispatcher) Dispatch(s *Session, args []string, w *resp.Writer) (closeConn bool) {
	if len(args) == 0 {
		return false
	}
	w.Proto3 = s.Proto3

	name := strings.ToUpper(args[0])
	cmd, ok := d.commands[name]
	if !ok {
		_ = w.Error("ERR", fmt.Sprintf("unknown command '%s'", args[0]))
		return false
	}

	argc := len(args) - 1
	if argc < cmd.MinArgs || (cmd.MaxArgs >= 0 && argc > cmd.MaxArgs) {
		_ = w.Error("ERR", fmt.Sprintf("wrong number of arguments for '%s' command", strings.ToLower(name)))
		return false
	}

	if d.cfg.DisabledCommands[name] {
		_ = w.Error("ERR", fmt.Sprintf("command '%s' is disabled", strings.ToLower(name)))
		return false
	}

	if d.cfg.Password != "" && !s.Authenticated && !cmd.NoAuthRequired {
		_ = w.Error("NOAUTH", "Authentication required.")
		return false
	}

	db := d.db.Database(s.DBIndex)
	if db == nil {
		_ = w.Error("ERR", "selected database index is out of range")
		return false
	}

	closeConn, err := cmd.Handler(d, s, db, args[1:], w)
	if err != nil {
		kind, _ := cgerr.KindOf(err)
		_ = w.Error(kind.RESPPrefix(), err.Error())
		return closeConn
	}
	return closeConn
}

// keyLengthOK enforces max_key_length ahead of a handler touching storage.
func (d *Dispatcher) keyLengthOK(key string) bool {
	return len(key) <= d.cfg.MaxKeyLength
}

// keyBytes views a RESP argument string as a []byte without copying. Safe
// here because resp.Reader.readBulk already allocates a fresh, never-mutated
// string per argument, and every pkg/storage write path copies key/value
// bytes before retaining them (setLocked, chunkValue) — the aliased slice
// never outlives the call that receives it.
func keyBytes(s string) []byte {
	return unsafehelpers.StringToBytes(s)
}

// bulkBytes is keyBytes' mirror image: it views a storage-returned []byte as
// a string without copying, for handlers that immediately hand the result to
// resp.Writer.BulkString, which writes it out synchronously and retains
// nothing past the call.
func bulkBytes(b []byte) string {
	return unsafehelpers.BytesToString(b)
}

func matchGlob(pattern string, key []byte) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, string(key))
	return err == nil && ok
}

func parseInt64(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, cgerr.Wrap(cgerr.KindArgument, "value is not an integer or out of range")
	}
	return n, nil
}

func parseFloat64(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, cgerr.Wrap(cgerr.KindArgument, "value is not a valid float")
	}
	return f, nil
}
