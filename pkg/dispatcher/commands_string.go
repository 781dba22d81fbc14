package dispatcher

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cachegrand/cachegrand-go/internal/cgerr"
	"github.com/cachegrand/cachegrand-go/internal/resp"
	"github.com/cachegrand/cachegrand-go/pkg/storage"
)

func (d *Dispatcher) registerStringCommands() {
	d.register(Command{Name: "SET", MinArgs: 2, MaxArgs: -1, Handler: cmdSet})
	d.register(Command{Name: "GET", MinArgs: 1, MaxArgs: 1, Handler: cmdGet})
	d.register(Command{Name: "GETSET", MinArgs: 2, MaxArgs: 2, Handler: cmdGetSet})
	d.register(Command{Name: "GETDEL", MinArgs: 1, MaxArgs: 1, Handler: cmdGetDel})
	d.register(Command{Name: "GETEX", MinArgs: 1, MaxArgs: -1, Handler: cmdGetEx})
	d.register(Command{Name: "GETRANGE", MinArgs: 3, MaxArgs: 3, Handler: cmdGetRange})
	d.register(Command{Name: "SETEX", MinArgs: 3, MaxArgs: 3, Handler: cmdSetEx})
	d.register(Command{Name: "PSETEX", MinArgs: 3, MaxArgs: 3, Handler: cmdPSetEx})
	d.register(Command{Name: "SETNX", MinArgs: 2, MaxArgs: 2, Handler: cmdSetNX})
	d.register(Command{Name: "APPEND", MinArgs: 2, MaxArgs: 2, Handler: cmdAppend})
	d.register(Command{Name: "STRLEN", MinArgs: 1, MaxArgs: 1, Handler: cmdStrlen})
	d.register(Command{Name: "MGET", MinArgs: 1, MaxArgs: -1, Handler: cmdMGet})
	d.register(Command{Name: "MSET", MinArgs: 2, MaxArgs: -1, Handler: cmdMSet})
	d.register(Command{Name: "MSETNX", MinArgs: 2, MaxArgs: -1, Handler: cmdMSetNX})
	d.register(Command{Name: "INCR", MinArgs: 1, MaxArgs: 1, Handler: cmdIncr})
	d.register(Command{Name: "DECR", MinArgs: 1, MaxArgs: 1, Handler: cmdDecr})
	d.register(Command{Name: "INCRBY", MinArgs: 2, MaxArgs: 2, Handler: cmdIncrBy})
	d.register(Command{Name: "DECRBY", MinArgs: 2, MaxArgs: 2, Handler: cmdDecrBy})
	d.register(Command{Name: "INCRBYFLOAT", MinArgs: 2, MaxArgs: 2, Handler: cmdIncrByFloat})
}

// parseSetFlags consumes SET's trailing option tokens (NX/XX/GET/KEEPTTL/
// EX/PX/EXAT/PXAT), returning storage.SetOptions plus whether GET was asked
// for.
func parseSetFlags(args []string) (storage.SetOptions, bool, error) {
	var opts storage.SetOptions
	wantGet := false
	i := 0
	for i < len(args) {
		switch strings.ToUpper(args[i]) {
		case "NX":
			opts.OnlyIfAbsent = true
			i++
		case "XX":
			opts.OnlyIfExists = true
			i++
		case "GET":
			wantGet = true
			i++
		case "KEEPTTL":
			opts.KeepTTL = true
			i++
		case "EX", "PX", "EXAT", "PXAT":
			if i+1 >= len(args) {
				return opts, false, fmt.Errorf("%w: syntax error", cgerr.ErrArgument)
			}
			n, err := parseInt64(args[i+1])
			if err != nil {
				return opts, false, err
			}
			switch strings.ToUpper(args[i]) {
			case "EX":
				opts.ExpiresAt = time.Now().Add(time.Duration(n) * time.Second)
			case "PX":
				opts.ExpiresAt = time.Now().Add(time.Duration(n) * time.Millisecond)
			case "EXAT":
				opts.ExpiresAt = time.Unix(n, 0)
			case "PXAT":
				opts.ExpiresAt = time.UnixMilli(n)
			}
			i += 2
		default:
			return opts, false, fmt.Errorf("%w: syntax error", cgerr.ErrArgument)
		}
	}
	return opts, wantGet, nil
}

func cmdSet(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	key, value := args[0], args[1]
	opts, wantGet, err := parseSetFlags(args[2:])
	if err != nil {
		return false, err
	}
	previous, _, applied, err := db.SetWithOptions(keyBytes(key), keyBytes(value), opts)
	if err != nil {
		return false, err
	}
	if wantGet {
		if previous == nil {
			return false, w.Null()
		}
		return false, w.BulkString(bulkBytes(previous))
	}
	if !applied {
		return false, w.Null()
	}
	return false, w.SimpleString("OK")
}

func cmdGet(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	v, ok, err := db.Get(keyBytes(args[0]))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, w.Null()
	}
	return false, w.BulkString(bulkBytes(v))
}

func cmdGetSet(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	previous, _, _, err := db.SetWithOptions(keyBytes(args[0]), keyBytes(args[1]), storage.SetOptions{})
	if err != nil {
		return false, err
	}
	if previous == nil {
		return false, w.Null()
	}
	return false, w.BulkString(bulkBytes(previous))
}

func cmdGetDel(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	v, ok, err := db.Get(keyBytes(args[0]))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, w.Null()
	}
	db.Delete(keyBytes(args[0]))
	return false, w.BulkString(bulkBytes(v))
}

func cmdGetEx(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	key := args[0]
	v, ok, err := db.Get(keyBytes(key))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, w.Null()
	}
	rest := args[1:]
	if len(rest) > 0 {
		switch strings.ToUpper(rest[0]) {
		case "PERSIST":
			db.Expire(keyBytes(key), time.Time{})
		case "EX", "PX", "EXAT", "PXAT":
			if len(rest) < 2 {
				return false, fmt.Errorf("%w: syntax error", cgerr.ErrArgument)
			}
			n, err := parseInt64(rest[1])
			if err != nil {
				return false, err
			}
			var at time.Time
			switch strings.ToUpper(rest[0]) {
			case "EX":
				at = time.Now().Add(time.Duration(n) * time.Second)
			case "PX":
				at = time.Now().Add(time.Duration(n) * time.Millisecond)
			case "EXAT":
				at = time.Unix(n, 0)
			case "PXAT":
				at = time.UnixMilli(n)
			}
			db.Expire(keyBytes(key), at)
		default:
			return false, fmt.Errorf("%w: syntax error", cgerr.ErrArgument)
		}
	}
	return false, w.BulkString(bulkBytes(v))
}

func cmdGetRange(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	v, ok, err := db.Get(keyBytes(args[0]))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, w.BulkString("")
	}
	start, err := parseInt64(args[1])
	if err != nil {
		return false, err
	}
	end, err := parseInt64(args[2])
	if err != nil {
		return false, err
	}
	s, e := clampRange(int64(len(v)), start, end)
	if s > e {
		return false, w.BulkString("")
	}
	return false, w.BulkString(bulkBytes(v[s : e+1]))
}

func clampRange(length, start, end int64) (int64, int64) {
	if start < 0 {
		start += length
	}
	if end < 0 {
		end += length
	}
	if start < 0 {
		start = 0
	}
	if end >= length {
		end = length - 1
	}
	return start, end
}

func cmdSetEx(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	n, err := parseInt64(args[1])
	if err != nil {
		return false, err
	}
	if n <= 0 {
		return false, fmt.Errorf("%w: invalid expire time", cgerr.ErrArgument)
	}
	if err := db.Set(keyBytes(args[0]), keyBytes(args[2]), time.Now().Add(time.Duration(n)*time.Second)); err != nil {
		return false, err
	}
	return false, w.SimpleString("OK")
}

func cmdPSetEx(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	n, err := parseInt64(args[1])
	if err != nil {
		return false, err
	}
	if n <= 0 {
		return false, fmt.Errorf("%w: invalid expire time", cgerr.ErrArgument)
	}
	if err := db.Set(keyBytes(args[0]), keyBytes(args[2]), time.Now().Add(time.Duration(n)*time.Millisecond)); err != nil {
		return false, err
	}
	return false, w.SimpleString("OK")
}

func cmdSetNX(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	_, _, applied, err := db.SetWithOptions(keyBytes(args[0]), keyBytes(args[1]), storage.SetOptions{OnlyIfAbsent: true})
	if err != nil {
		return false, err
	}
	return false, w.Boolean(applied)
}

func cmdAppend(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	n, err := db.Append(keyBytes(args[0]), keyBytes(args[1]))
	if err != nil {
		return false, err
	}
	return false, w.Integer(n)
}

func cmdStrlen(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	v, ok, err := db.Get(keyBytes(args[0]))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, w.Integer(0)
	}
	return false, w.Integer(int64(len(v)))
}

func cmdMGet(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	if err := w.Array(len(args)); err != nil {
		return false, err
	}
	for _, k := range args {
		v, ok, err := db.Get(keyBytes(k))
		if err != nil {
			return false, err
		}
		if !ok {
			if err := w.Null(); err != nil {
				return false, err
			}
			continue
		}
		if err := w.BulkString(bulkBytes(v)); err != nil {
			return false, err
		}
	}
	return false, nil
}

func cmdMSet(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	if len(args)%2 != 0 {
		return false, fmt.Errorf("%w: wrong number of arguments for MSET", cgerr.ErrArgument)
	}
	for i := 0; i < len(args); i += 2 {
		if err := db.Set(keyBytes(args[i]), keyBytes(args[i+1]), time.Time{}); err != nil {
			return false, err
		}
	}
	return false, w.SimpleString("OK")
}

func cmdMSetNX(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	if len(args)%2 != 0 {
		return false, fmt.Errorf("%w: wrong number of arguments for MSETNX", cgerr.ErrArgument)
	}
	pairs := make([][2][]byte, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		pairs = append(pairs, [2][]byte{keyBytes(args[i]), keyBytes(args[i+1])})
	}
	applied, err := db.MSetNX(pairs)
	if err != nil {
		return false, err
	}
	return false, w.Boolean(applied)
}

func cmdIncr(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	n, err := db.IncrBy(keyBytes(args[0]), 1)
	if err != nil {
		return false, err
	}
	return false, w.Integer(n)
}

func cmdDecr(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	n, err := db.IncrBy(keyBytes(args[0]), -1)
	if err != nil {
		return false, err
	}
	return false, w.Integer(n)
}

func cmdIncrBy(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	delta, err := parseInt64(args[1])
	if err != nil {
		return false, err
	}
	n, err := db.IncrBy(keyBytes(args[0]), delta)
	if err != nil {
		return false, err
	}
	return false, w.Integer(n)
}

func cmdDecrBy(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	delta, err := parseInt64(args[1])
	if err != nil {
		return false, err
	}
	if delta == math.MinInt64 {
		return false, cgerr.Wrap(cgerr.KindArgument, "increment or decrement would overflow")
	}
	n, err := db.IncrBy(keyBytes(args[0]), -delta)
	if err != nil {
		return false, err
	}
	return false, w.Integer(n)
}

func cmdIncrByFloat(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	delta, err := parseFloat64(args[1])
	if err != nil {
		return false, err
	}
	v, ok, err := db.Get(keyBytes(args[0]))
	if err != nil {
		return false, err
	}
	var cur float64
	if ok {
		cur, err = strconv.ParseFloat(bulkBytes(v), 64)
		if err != nil {
			return false, cgerr.Wrap(cgerr.KindArgument, "value is not a valid float")
		}
	}
	next := cur + delta
	if math.IsNaN(next) || math.IsInf(next, 0) {
		return false, cgerr.Wrap(cgerr.KindArgument, "increment would produce NaN or Infinity")
	}
	formatted := strconv.FormatFloat(next, 'f', -1, 64)
	if err := db.Set(keyBytes(args[0]), keyBytes(formatted), time.Time{}); err != nil {
		return false, err
	}
	return false, w.BulkString(formatted)
}
