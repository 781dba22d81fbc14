package worker

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cachegrand/cachegrand-go/pkg/storage"
)

func newTestWorker(t *testing.T) (*Worker, string) {
	t.Helper()
	db, err := storage.New(storage.Config{
		DataDir:       t.TempDir(),
		DatabaseCount: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	w := New(db, Config{ListenAddr: addr, StatsInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	return w, addr
}

func sendCommand(t *testing.T, rw *bufio.ReadWriter, parts ...string) string {
	t.Helper()
	rw.WriteString("*")
	rw.WriteString(itoa(len(parts)))
	rw.WriteString("\r\n")
	for _, p := range parts {
		rw.WriteString("$")
		rw.WriteString(itoa(len(p)))
		rw.WriteString("\r\n")
		rw.WriteString(p)
		rw.WriteString("\r\n")
	}
	require.NoError(t, rw.Flush())

	line, err := rw.ReadString('\n')
	require.NoError(t, err)
	if line[0] == '$' {
		// bulk string: read the payload line too, unless it's a nil bulk.
		if line == "$-1\r\n" {
			return line
		}
		payload, err := rw.ReadString('\n')
		require.NoError(t, err)
		return line + payload
	}
	return line
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestWorkerServesSetAndGet(t *testing.T) {
	_, addr := newTestWorker(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	require.Equal(t, "+OK\r\n", sendCommand(t, rw, "SET", "k", "v"))
	require.Equal(t, "$1\r\nv\r\n", sendCommand(t, rw, "GET", "k"))
	require.Equal(t, "$-1\r\n", sendCommand(t, rw, "GET", "missing"))
}

func TestWorkerPublishesStats(t *testing.T) {
	w, addr := newTestWorker(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	require.Equal(t, "+PONG\r\n", sendCommand(t, rw, "PING"))

	require.Eventually(t, func() bool {
		return w.Stats().CommandsProcessed > 0
	}, time.Second, 10*time.Millisecond)

	require.GreaterOrEqual(t, w.Stats().ConnectionsAccepted, int64(1))
}

func TestWorkerHandlesConcurrentConnections(t *testing.T) {
	_, addr := newTestWorker(t)

	const n = 8
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer conn.Close()
			rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
			key := itoa(i)
			require.Equal(t, "+OK\r\n", sendCommand(t, rw, "SET", key, "v"))
			require.Equal(t, "$1\r\nv\r\n", sendCommand(t, rw, "GET", key))
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}
