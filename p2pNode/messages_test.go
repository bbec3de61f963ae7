package p2pnode

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineBuffer(t *testing.T) {
	b := NewLineBuffer(0)

	_, err := b.Write([]byte("hel"))
	require.NoError(t, err)
	_, ok := b.Next()
	assert.False(t, ok, "no newline yet")

	_, err = b.Write([]byte("lo\nwor"))
	require.NoError(t, err)
	line, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, "hello", string(line))
	assert.Equal(t, 3, b.Len())

	_, err = b.Write([]byte("ld\n\n"))
	require.NoError(t, err)
	line, ok = b.Next()
	require.True(t, ok)
	assert.Equal(t, "world", string(line))
	line, ok = b.Next()
	require.True(t, ok)
	assert.Empty(t, line)

	_, err = b.Write([]byte("tail"))
	require.NoError(t, err)
	assert.Equal(t, "tail", string(b.Flush()))
	assert.Nil(t, b.Flush())
	assert.Zero(t, b.Len())
}

func TestLineBufferLimit(t *testing.T) {
	b := NewLineBuffer(4)

	_, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = b.Write([]byte("de"))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, 3, b.Len(), "rejected write leaves the buffer as it was")
}

// TestPumpInbound tests that every non-empty line reaches the sink in order
func TestPumpInbound(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sink := newRecordingSink("")

	in := "first\n\nsecond\r\n\n\nlast without newline"
	err := PumpInbound(context.Background(), strings.NewReader(in), "peer", sink, m)
	assert.ErrorIs(t, err, ErrStreamClosed)

	assert.Equal(t, []string{"first", "second\r", "last without newline"}, sink.Lines())
	assert.Equal(t, []string{"peer", "peer", "peer"}, sink.from)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LinesReceived))
	assert.Equal(t, float64(len(in)), testutil.ToFloat64(m.BytesReceived))
}

func TestPumpInboundUTF8(t *testing.T) {
	sink := newRecordingSink("")

	err := PumpInbound(context.Background(), strings.NewReader("héllo ✓\n"), "peer", sink, nil)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, []string{"héllo ✓"}, sink.Lines())

	err = PumpInbound(context.Background(), strings.NewReader("ok\n\xff\xfe\nnever\n"), "peer", sink, nil)
	assert.ErrorIs(t, err, ErrDecodeFailure)
	assert.Equal(t, []string{"héllo ✓", "ok"}, sink.Lines())
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestPumpInboundReadError(t *testing.T) {
	boom := errors.New("boom")
	err := PumpInbound(context.Background(), failingReader{boom}, "peer", newRecordingSink(""), nil)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Contains(t, err.Error(), "boom")

	// A read failure after cancellation reports the cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = PumpInbound(ctx, failingReader{boom}, "peer", newRecordingSink(""), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type sinkFunc func(from, line string) error

func (f sinkFunc) PrintInbound(from, line string) error { return f(from, line) }

func TestPumpInboundSinkError(t *testing.T) {
	closed := errors.New("terminal gone")
	err := PumpInbound(context.Background(), strings.NewReader("a\nb\n"), "peer",
		sinkFunc(func(string, string) error { return closed }), nil)
	assert.ErrorIs(t, err, closed)
}

// TestPumpOutbound tests that console lines are written newline-terminated
func TestPumpOutbound(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	src := &scriptedSource{lines: []string{"hello", "", "world"}}

	var out bytes.Buffer
	err := PumpOutbound(context.Background(), src, &out, m)
	assert.ErrorIs(t, err, ErrConsoleEOF)
	assert.Equal(t, "hello\n\nworld\n", out.String())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LinesSent))
	assert.Equal(t, float64(out.Len()), testutil.ToFloat64(m.BytesSent))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestPumpOutboundErrors(t *testing.T) {
	src := &scriptedSource{lines: []string{"hello"}}
	err := PumpOutbound(context.Background(), src, failingWriter{}, nil)
	assert.ErrorIs(t, err, ErrStreamClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = PumpOutbound(ctx, &scriptedSource{sticky: true}, &bytes.Buffer{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestPumpRoundTrip feeds the outbound pump of one side into the inbound pump
// of the other.
func TestPumpRoundTrip(t *testing.T) {
	lines := []string{"one", "two", "three ✓", strings.Repeat("x", 3*readChunk)}

	var wire bytes.Buffer
	err := PumpOutbound(context.Background(), &scriptedSource{lines: append([]string(nil), lines...)}, &wire, nil)
	require.ErrorIs(t, err, ErrConsoleEOF)

	sink := newRecordingSink("")
	err = PumpInbound(context.Background(), &wire, "peer", sink, nil)
	require.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, lines, sink.Lines())
}
