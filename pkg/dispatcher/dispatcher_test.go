package dispatcher

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachegrand/cachegrand-go/internal/resp"
	"github.com/cachegrand/cachegrand-go/pkg/storage"
)

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *storage.DB) {
	t.Helper()
	db, err := storage.New(storage.Config{
		DataDir:       t.TempDir(),
		DatabaseCount: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, cfg), db
}

// run dispatches a single command through d and returns the raw bytes the
// reply writer produced.
func run(d *Dispatcher, s *Session, args ...string) string {
	var buf bytes.Buffer
	w := resp.NewWriter(bufio.NewWriter(&buf))
	d.Dispatch(s, args, w)
	_ = w.Flush()
	return buf.String()
}

func TestDispatchSetGetRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	require.Equal(t, "+OK\r\n", run(d, s, "SET", "k", "v"))
	require.Equal(t, "$1\r\nv\r\n", run(d, s, "GET", "k"))
}

func TestDispatchSetNXRefusesExisting(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	require.Equal(t, "+OK\r\n", run(d, s, "SET", "k", "v1"))
	require.Equal(t, "$-1\r\n", run(d, s, "SET", "k", "v2", "NX"))
	require.Equal(t, "$1\r\nv1\r\n", run(d, s, "GET", "k"))
}

func TestDispatchSetXXRequiresExisting(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	require.Equal(t, "$-1\r\n", run(d, s, "SET", "k", "v1", "XX"))
	require.Equal(t, "$-1\r\n", run(d, s, "GET", "k"))
}

func TestDispatchExpireAndTTL(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	run(d, s, "SET", "k", "v")
	require.Equal(t, ":1\r\n", run(d, s, "EXPIRE", "k", "100"))
	reply := run(d, s, "TTL", "k")
	require.NotEqual(t, ":-1\r\n", reply)
	require.NotEqual(t, ":-2\r\n", reply)

	require.Equal(t, ":1\r\n", run(d, s, "PERSIST", "k"))
	require.Equal(t, ":-1\r\n", run(d, s, "TTL", "k"))
}

func TestDispatchDelAndExists(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	run(d, s, "SET", "a", "1")
	run(d, s, "SET", "b", "2")
	require.Equal(t, ":2\r\n", run(d, s, "EXISTS", "a", "b", "missing"))
	require.Equal(t, ":2\r\n", run(d, s, "DEL", "a", "b", "missing"))
	require.Equal(t, ":0\r\n", run(d, s, "EXISTS", "a", "b"))
}

func TestDispatchUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	reply := run(d, s, "NOSUCHCOMMAND", "a")
	require.Contains(t, reply, "-ERR unknown command")
}

func TestDispatchWrongArity(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	reply := run(d, s, "GET")
	require.Equal(t, "-ERR wrong number of arguments for 'get' command\r\n", reply)
}

func TestDispatchRequiresAuthWhenPasswordConfigured(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Password: "secret"})
	s := &Session{}

	reply := run(d, s, "GET", "k")
	require.Contains(t, reply, "-NOAUTH")

	require.Equal(t, "+PONG\r\n", run(d, s, "PING"))

	reply = run(d, s, "AUTH", "wrong")
	require.Equal(t, "-AUTH failed: WRONGPASS invalid username-password pair or user is disabled.\r\n", reply)
	require.False(t, s.Authenticated)

	reply = run(d, s, "AUTH", "secret")
	require.Equal(t, "+OK\r\n", reply)
	require.True(t, s.Authenticated)

	require.Equal(t, "$-1\r\n", run(d, s, "GET", "k"))
}

func TestDispatchSelectOutOfRange(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	reply := run(d, s, "SELECT", "99")
	require.Equal(t, "-ERR invalid DB index\r\n", reply)
	require.EqualValues(t, 0, s.DBIndex)

	require.Equal(t, "+OK\r\n", run(d, s, "SELECT", "1"))
	require.EqualValues(t, 1, s.DBIndex)
}

func TestDispatchIncrDecr(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	require.Equal(t, ":1\r\n", run(d, s, "INCR", "counter"))
	require.Equal(t, ":2\r\n", run(d, s, "INCR", "counter"))
	require.Equal(t, ":1\r\n", run(d, s, "DECR", "counter"))
	require.Equal(t, ":11\r\n", run(d, s, "INCRBY", "counter", "10"))
}

// TestDispatchAppendOnFreshKey pins APPEND's behavior on a key that does not
// yet exist: it must create the key and return its length, not deadlock.
func TestDispatchAppendOnFreshKey(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	require.Equal(t, ":7\r\n", run(d, s, "APPEND", "a_key", "b_value"))
	require.Equal(t, ":14\r\n", run(d, s, "APPEND", "a_key", "c_value"))
	require.Equal(t, "$14\r\nb_valuec_value\r\n", run(d, s, "GET", "a_key"))
}

func TestDispatchIncrOnNonIntegerValue(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	require.Equal(t, ":1\r\n", run(d, s, "INCR", "a_key"))
	run(d, s, "SET", "a_key", "b_value")
	require.Equal(t, "-ERR value is not an integer or out of range\r\n", run(d, s, "INCR", "a_key"))
}

func TestDispatchIncrOverflowLeavesValueUnchanged(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	run(d, s, "SET", "counter", "9223372036854775806")
	require.Equal(t, ":9223372036854775807\r\n", run(d, s, "INCR", "counter"))
	require.Equal(t, "-ERR increment or decrement would overflow\r\n", run(d, s, "INCR", "counter"))
	require.Equal(t, "$19\r\n9223372036854775807\r\n", run(d, s, "GET", "counter"))
}

func TestDispatchDecrOverflowLeavesValueUnchanged(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	run(d, s, "SET", "counter", "-9223372036854775807")
	require.Equal(t, ":-9223372036854775808\r\n", run(d, s, "DECR", "counter"))
	require.Equal(t, "-ERR increment or decrement would overflow\r\n", run(d, s, "DECR", "counter"))
	require.Equal(t, "$20\r\n-9223372036854775808\r\n", run(d, s, "GET", "counter"))
}

func TestDispatchIncrByFloatRejectsNaNAndInfinity(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	const maxFloat = "1.7976931348623157e308" // math.MaxFloat64
	run(d, s, "SET", "f", maxFloat)
	reply := run(d, s, "INCRBYFLOAT", "f", maxFloat)
	require.Equal(t, "-ERR increment would produce NaN or Infinity\r\n", reply)
	require.Equal(t, "$22\r\n"+maxFloat+"\r\n", run(d, s, "GET", "f"))
}

func TestDispatchRenameAndCopy(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	run(d, s, "SET", "src", "v")
	require.Equal(t, "+OK\r\n", run(d, s, "RENAME", "src", "dst"))
	require.Equal(t, "$1\r\nv\r\n", run(d, s, "GET", "dst"))

	require.Equal(t, ":1\r\n", run(d, s, "COPY", "dst", "dst2"))
	require.Equal(t, "$1\r\nv\r\n", run(d, s, "GET", "dst2"))
}

func TestDispatchHelloNegotiatesProtocol(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	reply := run(d, s, "HELLO", "3")
	require.True(t, s.Proto3)
	require.Contains(t, reply, "cachegrand-server")
}

// TestDispatchHelloDefaultMapShape pins HELLO's RESP2 reply to a 14-element
// (7 key/value pair) map carrying server, version, proto, id, mode, role,
// and modules.
func TestDispatchHelloDefaultMapShape(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	reply := run(d, s, "HELLO")
	require.False(t, s.Proto3)
	require.Equal(t, "*14\r\n"+
		"$6\r\nserver\r\n$17\r\ncachegrand-server\r\n"+
		"$7\r\nversion\r\n$5\r\n7.0.0\r\n"+
		"$5\r\nproto\r\n:2\r\n"+
		"$2\r\nid\r\n:0\r\n"+
		"$4\r\nmode\r\n$10\r\nstandalone\r\n"+
		"$4\r\nrole\r\n$6\r\nmaster\r\n"+
		"$7\r\nmodules\r\n*0\r\n", reply)
}

func TestDispatchMSetNXAllOrNothing(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s := &Session{}

	require.Equal(t, ":1\r\n", run(d, s, "MSETNX", "a", "1", "b", "2"))
	require.Equal(t, ":0\r\n", run(d, s, "MSETNX", "b", "x", "c", "3"))
	require.Equal(t, "$-1\r\n", run(d, s, "GET", "c"))
}
