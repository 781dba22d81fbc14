package resp

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadCommandMultibulk(t *testing.T) {
	raw := "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"
	r := NewReader(bufio.NewReader(strings.NewReader(raw)))
	args, err := r.ReadCommand()
	require.NoError(t, err)
	require.Equal(t, []string{"GET", "foo"}, args)
}

func TestReadCommandInline(t *testing.T) {
	r := NewReader(bufio.NewReader(strings.NewReader("PING\r\n")))
	args, err := r.ReadCommand()
	require.NoError(t, err)
	require.Equal(t, []string{"PING"}, args)
}

func TestWriterRESP2Null(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(bufio.NewWriter(&buf))
	require.NoError(t, w.Null())
	require.NoError(t, w.Flush())
	require.Equal(t, "$-1\r\n", buf.String())
}

func TestWriterRESP3Null(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(bufio.NewWriter(&buf))
	w.Proto3 = true
	require.NoError(t, w.Null())
	require.NoError(t, w.Flush())
	require.Equal(t, "_\r\n", buf.String())
}

func TestWriterBulkString(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(bufio.NewWriter(&buf))
	require.NoError(t, w.BulkString("hello"))
	require.NoError(t, w.Flush())
	require.Equal(t, "$5\r\nhello\r\n", buf.String())
}

func TestWriterMapRESP2FallsBackToArray(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(bufio.NewWriter(&buf))
	require.NoError(t, w.Map(2))
	require.NoError(t, w.Flush())
	require.Equal(t, "*4\r\n", buf.String())
}
