package worker

import (
	"bufio"
	"context"
	"net"

	"github.com/cachegrand/cachegrand-go/internal/fiber"
)

// fiberConn adapts a net.Conn's blocking Read to the fiber suspension-point
// contract: each Read runs on a helper goroutine, and the calling fiber
// suspends via WaitIO instead of blocking the scheduler goroutine outright,
// so other fibers on the same scheduler keep making progress while this
// connection is waiting on the network.
type fiberConn struct {
	f    *fiber.Fiber
	conn net.Conn
}

func newFiberConn(f *fiber.Fiber, conn net.Conn) *fiberConn {
	return &fiberConn{f: f, conn: conn}
}

func (c *fiberConn) Read(p []byte) (int, error) {
	type readResult struct {
		n   int
		err error
	}

	ready := make(chan struct{})
	result := make(chan readResult, 1)
	go func() {
		n, err := c.conn.Read(p)
		result <- readResult{n, err}
		close(ready)
	}()

	if err := c.f.WaitIO(context.Background(), ready, 0); err != nil {
		return 0, err
	}
	r := <-result
	return r.n, r.err
}

func (c *fiberConn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

func (c *fiberConn) bufioReader() *bufio.Reader {
	return bufio.NewReader(c)
}

func (c *fiberConn) bufioWriter() *bufio.Writer {
	return bufio.NewWriter(c)
}
