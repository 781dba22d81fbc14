package dispatcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cachegrand/cachegrand-go/internal/cgerr"
	"github.com/cachegrand/cachegrand-go/internal/hashtable"
	"github.com/cachegrand/cachegrand-go/internal/resp"
	"github.com/cachegrand/cachegrand-go/pkg/storage"
)

func (d *Dispatcher) registerKeyCommands() {
	d.register(Command{Name: "EXISTS", MinArgs: 1, MaxArgs: -1, Handler: cmdExists})
	d.register(Command{Name: "DEL", MinArgs: 1, MaxArgs: -1, Handler: cmdDel})
	d.register(Command{Name: "UNLINK", MinArgs: 1, MaxArgs: -1, Handler: cmdDel})
	d.register(Command{Name: "TOUCH", MinArgs: 1, MaxArgs: -1, Handler: cmdTouch})
	d.register(Command{Name: "COPY", MinArgs: 2, MaxArgs: -1, Handler: cmdCopy})
	d.register(Command{Name: "RENAME", MinArgs: 2, MaxArgs: 2, Handler: cmdRename})
	d.register(Command{Name: "RENAMENX", MinArgs: 2, MaxArgs: 2, Handler: cmdRenameNX})
	d.register(Command{Name: "KEYS", MinArgs: 1, MaxArgs: 1, Handler: cmdKeys})
	d.register(Command{Name: "SCAN", MinArgs: 1, MaxArgs: -1, Handler: cmdScan})
	d.register(Command{Name: "TTL", MinArgs: 1, MaxArgs: 1, Handler: cmdTTL})
	d.register(Command{Name: "PTTL", MinArgs: 1, MaxArgs: 1, Handler: cmdPTTL})
	d.register(Command{Name: "EXPIRE", MinArgs: 2, MaxArgs: 3, Handler: cmdExpire})
	d.register(Command{Name: "PEXPIRE", MinArgs: 2, MaxArgs: 3, Handler: cmdPExpire})
	d.register(Command{Name: "EXPIREAT", MinArgs: 2, MaxArgs: 3, Handler: cmdExpireAt})
	d.register(Command{Name: "PEXPIREAT", MinArgs: 2, MaxArgs: 3, Handler: cmdPExpireAt})
	d.register(Command{Name: "EXPIRETIME", MinArgs: 1, MaxArgs: 1, Handler: cmdExpireTime})
	d.register(Command{Name: "PEXPIRETIME", MinArgs: 1, MaxArgs: 1, Handler: cmdPExpireTime})
	d.register(Command{Name: "PERSIST", MinArgs: 1, MaxArgs: 1, Handler: cmdPersist})
	d.register(Command{Name: "LCS", MinArgs: 2, MaxArgs: 3, Handler: cmdLCS})
	d.register(Command{Name: "RANDOMKEY", MinArgs: 0, MaxArgs: 0, Handler: cmdRandomKey})
}

func cmdExists(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	var count int64
	for _, k := range args {
		if db.Exists(keyBytes(k)) {
			count++
		}
	}
	return false, w.Integer(count)
}

func cmdDel(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	var count int64
	for _, k := range args {
		if db.Delete(keyBytes(k)) {
			count++
		}
	}
	return false, w.Integer(count)
}

func cmdTouch(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	var count int64
	for _, k := range args {
		if _, ok, _ := db.Get(keyBytes(k)); ok {
			count++
		}
	}
	return false, w.Integer(count)
}

// cmdCopy supports same-database COPY (atomic, via storage.Database.Copy)
// and cross-database COPY via the DB index option (composed from a Get on
// the source database plus a SetWithOptions on the destination, since the
// two databases don't share a lock domain).
func cmdCopy(d *Dispatcher, s *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	src, dst := args[0], args[1]
	replace := false
	destDBIndex := s.DBIndex
	crossDB := false
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		switch strings.ToUpper(rest[i]) {
		case "REPLACE":
			replace = true
		case "DB":
			if i+1 >= len(rest) {
				return false, fmt.Errorf("%w: syntax error", cgerr.ErrArgument)
			}
			n, err := parseInt64(rest[i+1])
			if err != nil {
				return false, err
			}
			destDBIndex = uint32(n)
			crossDB = true
			i++
		default:
			return false, fmt.Errorf("%w: syntax error", cgerr.ErrArgument)
		}
	}

	if !crossDB {
		ok, err := db.Copy(keyBytes(src), keyBytes(dst), replace)
		if err != nil {
			return false, err
		}
		return false, w.Boolean(ok)
	}

	destDB := d.db.Database(destDBIndex)
	if destDB == nil {
		return false, fmt.Errorf("%w: DB index is out of range", cgerr.ErrArgument)
	}
	value, ok, err := db.Get(keyBytes(src))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, w.Boolean(false)
	}
	remaining, hasTTL, _ := db.TTL(keyBytes(src))
	var expiresAt time.Time
	if hasTTL {
		expiresAt = time.Now().Add(remaining)
	}
	_, _, applied, err := destDB.SetWithOptions(keyBytes(dst), value, storage.SetOptions{
		ExpiresAt:    expiresAt,
		OnlyIfExists: false,
		OnlyIfAbsent: !replace,
	})
	if err != nil {
		return false, err
	}
	return false, w.Boolean(applied)
}

func cmdRename(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	ok, err := db.Rename(keyBytes(args[0]), keyBytes(args[1]), true)
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return false, err
	}
	if !ok {
		return false, cgerr.Wrap(cgerr.KindArgument, "no such key")
	}
	return false, w.SimpleString("OK")
}

func cmdRenameNX(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	ok, err := db.Rename(keyBytes(args[0]), keyBytes(args[1]), false)
	if err != nil {
		return false, err
	}
	return false, w.Boolean(ok)
}

func cmdKeys(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	pattern := args[0]
	keys := db.Keys(func(k []byte) bool { return matchGlob(pattern, k) })
	if err := w.Array(len(keys)); err != nil {
		return false, err
	}
	for _, k := range keys {
		if err := w.BulkString(bulkBytes(k)); err != nil {
			return false, err
		}
	}
	return false, nil
}

func cmdScan(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	cursor, err := parseInt64(args[0])
	if err != nil {
		return false, err
	}
	pattern := ""
	count := 10
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch strings.ToUpper(rest[i]) {
		case "MATCH":
			if i+1 >= len(rest) {
				return false, fmt.Errorf("%w: syntax error", cgerr.ErrArgument)
			}
			pattern = rest[i+1]
			i++
		case "COUNT":
			if i+1 >= len(rest) {
				return false, fmt.Errorf("%w: syntax error", cgerr.ErrArgument)
			}
			n, err := parseInt64(rest[i+1])
			if err != nil {
				return false, err
			}
			count = int(n)
			i++
		default:
			return false, fmt.Errorf("%w: syntax error", cgerr.ErrArgument)
		}
	}

	keys, next := db.Scan(hashtable.Cursor(cursor), count, func(k []byte) bool { return matchGlob(pattern, k) })
	if err := w.Array(2); err != nil {
		return false, err
	}
	if err := w.BulkString(fmt.Sprintf("%d", uint64(next))); err != nil {
		return false, err
	}
	if err := w.Array(len(keys)); err != nil {
		return false, err
	}
	for _, k := range keys {
		if err := w.BulkString(bulkBytes(k)); err != nil {
			return false, err
		}
	}
	return false, nil
}

func cmdTTL(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	remaining, hasTTL, ok := db.TTL(keyBytes(args[0]))
	if !ok {
		return false, w.Integer(-2)
	}
	if !hasTTL {
		return false, w.Integer(-1)
	}
	return false, w.Integer(int64(remaining.Round(time.Second) / time.Second))
}

func cmdPTTL(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	remaining, hasTTL, ok := db.TTL(keyBytes(args[0]))
	if !ok {
		return false, w.Integer(-2)
	}
	if !hasTTL {
		return false, w.Integer(-1)
	}
	return false, w.Integer(int64(remaining / time.Millisecond))
}

// parseExpireCondition consumes EXPIRE's trailing NX/XX/GT/LT token, if any.
func parseExpireCondition(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	switch strings.ToUpper(args[0]) {
	case "NX", "XX", "GT", "LT":
		return strings.ToUpper(args[0]), nil
	default:
		return "", fmt.Errorf("%w: unsupported option", cgerr.ErrArgument)
	}
}

func applyExpire(db *storage.Database, key string, at time.Time, cond string) (bool, error) {
	remaining, hasTTL, exists := db.TTL(keyBytes(key))
	if !exists {
		return false, nil
	}
	switch cond {
	case "NX":
		if hasTTL {
			return false, nil
		}
	case "XX":
		if !hasTTL {
			return false, nil
		}
	case "GT":
		if !hasTTL || !at.After(time.Now().Add(remaining)) {
			return false, nil
		}
	case "LT":
		if hasTTL && !at.Before(time.Now().Add(remaining)) {
			return false, nil
		}
	}
	return db.Expire(keyBytes(key), at), nil
}

func cmdExpire(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	n, err := parseInt64(args[1])
	if err != nil {
		return false, err
	}
	cond, err := parseExpireCondition(args[2:])
	if err != nil {
		return false, err
	}
	ok, err := applyExpire(db, args[0], time.Now().Add(time.Duration(n)*time.Second), cond)
	if err != nil {
		return false, err
	}
	return false, w.Boolean(ok)
}

func cmdPExpire(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	n, err := parseInt64(args[1])
	if err != nil {
		return false, err
	}
	cond, err := parseExpireCondition(args[2:])
	if err != nil {
		return false, err
	}
	ok, err := applyExpire(db, args[0], time.Now().Add(time.Duration(n)*time.Millisecond), cond)
	if err != nil {
		return false, err
	}
	return false, w.Boolean(ok)
}

func cmdExpireAt(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	n, err := parseInt64(args[1])
	if err != nil {
		return false, err
	}
	cond, err := parseExpireCondition(args[2:])
	if err != nil {
		return false, err
	}
	ok, err := applyExpire(db, args[0], time.Unix(n, 0), cond)
	if err != nil {
		return false, err
	}
	return false, w.Boolean(ok)
}

func cmdPExpireAt(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	n, err := parseInt64(args[1])
	if err != nil {
		return false, err
	}
	cond, err := parseExpireCondition(args[2:])
	if err != nil {
		return false, err
	}
	ok, err := applyExpire(db, args[0], time.UnixMilli(n), cond)
	if err != nil {
		return false, err
	}
	return false, w.Boolean(ok)
}

func cmdExpireTime(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	remaining, hasTTL, ok := db.TTL(keyBytes(args[0]))
	if !ok {
		return false, w.Integer(-2)
	}
	if !hasTTL {
		return false, w.Integer(-1)
	}
	return false, w.Integer(time.Now().Add(remaining).Unix())
}

func cmdPExpireTime(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	remaining, hasTTL, ok := db.TTL(keyBytes(args[0]))
	if !ok {
		return false, w.Integer(-2)
	}
	if !hasTTL {
		return false, w.Integer(-1)
	}
	return false, w.Integer(time.Now().Add(remaining).UnixMilli())
}

func cmdPersist(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	_, hasTTL, ok := db.TTL(keyBytes(args[0]))
	if !ok || !hasTTL {
		return false, w.Boolean(false)
	}
	return false, w.Boolean(db.Expire(keyBytes(args[0]), time.Time{}))
}

// cmdLCS computes the longest common subsequence of two keys' values with a
// classic O(len(a)*len(b)) dynamic-programming table; LEN returns just the
// length instead of the subsequence bytes.
func cmdLCS(_ *Dispatcher, _ *Session, db *storage.Database, args []string, w *resp.Writer) (bool, error) {
	wantLen := false
	if len(args) == 3 {
		if strings.ToUpper(args[2]) != "LEN" {
			return false, fmt.Errorf("%w: syntax error", cgerr.ErrArgument)
		}
		wantLen = true
	}
	a, _, err := db.Get(keyBytes(args[0]))
	if err != nil {
		return false, err
	}
	b, _, err := db.Get(keyBytes(args[1]))
	if err != nil {
		return false, err
	}
	lcs := longestCommonSubsequence(a, b)
	if wantLen {
		return false, w.Integer(int64(len(lcs)))
	}
	return false, w.BulkString(bulkBytes(lcs))
}

func longestCommonSubsequence(a, b []byte) []byte {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}
	out := make([]byte, dp[n][m])
	i, j, k := n, m, dp[n][m]
	for i > 0 && j > 0 {
		switch {
		case a[i-1] == b[j-1]:
			k--
			out[k] = a[i-1]
			i--
			j--
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	return out
}

func cmdRandomKey(_ *Dispatcher, _ *Session, db *storage.Database, _ []string, w *resp.Writer) (bool, error) {
	k, ok := db.RandomKey()
	if !ok {
		return false, w.Null()
	}
	return false, w.BulkString(bulkBytes(k))
}
