package p2pnode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	pool "github.com/libp2p/go-buffer-pool"
)

// MaxFrameSize caps how many bytes may pile up without a newline. It is
// large enough to mean "whatever the peer sends".
const MaxFrameSize = math.MaxUint32

// maxPending is MaxFrameSize clamped to what an int can hold.
const maxPending = min(MaxFrameSize, math.MaxInt)

// readChunk is the size of each read from the stream.
const readChunk = 4096

// LineSource yields lines typed on the local console, without the trailing
// newline. It returns io.EOF once input is exhausted.
type LineSource interface {
	ReadLine(ctx context.Context) (string, error)
}

// LineSink shows lines received from a remote peer.
type LineSink interface {
	PrintInbound(from, line string) error
}

// LineBuffer accumulates stream bytes until a newline completes a line.
type LineBuffer struct {
	buf []byte
	max int
}

// NewLineBuffer returns a buffer that refuses to hold more than limit
// pending bytes. limit <= 0 means MaxFrameSize.
func NewLineBuffer(limit int) *LineBuffer {
	if limit <= 0 || limit > maxPending {
		limit = maxPending
	}
	return &LineBuffer{max: limit}
}

// Write appends p to the pending bytes.
func (b *LineBuffer) Write(p []byte) (int, error) {
	if len(b.buf)+len(p) > b.max {
		return 0, fmt.Errorf("%w: %d pending bytes", ErrFrameTooLarge, len(b.buf)+len(p))
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next pops the next complete line, without its newline.
func (b *LineBuffer) Next() ([]byte, bool) {
	i := bytes.IndexByte(b.buf, '\n')
	if i < 0 {
		return nil, false
	}
	line := make([]byte, i)
	copy(line, b.buf[:i])
	b.buf = append(b.buf[:0], b.buf[i+1:]...)
	return line, true
}

// Flush returns whatever is pending and empties the buffer.
func (b *LineBuffer) Flush() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	rest := make([]byte, len(b.buf))
	copy(rest, b.buf)
	b.buf = b.buf[:0]
	return rest
}

// Len is the number of pending bytes.
func (b *LineBuffer) Len() int { return len(b.buf) }

// PumpInbound reads r until it fails, printing every non-empty line to sink.
// It always returns a non-nil error: ErrStreamClosed when the peer hung up,
// ErrDecodeFailure for bytes that are not UTF-8, or ctx.Err() after
// cancellation.
func PumpInbound(ctx context.Context, r io.Reader, from string, sink LineSink, m *Metrics) error {
	buf := pool.Get(readChunk)
	defer pool.Put(buf)

	lines := NewLineBuffer(0)
	emit := func(line []byte) error {
		if len(line) == 0 {
			return nil
		}
		if !utf8.Valid(line) {
			return fmt.Errorf("%w: %d bytes from %s", ErrDecodeFailure, len(line), from)
		}
		m.lineReceived()
		return sink.PrintInbound(from, string(line))
	}

	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			m.received(n)
			if _, err := lines.Write(buf[:n]); err != nil {
				return err
			}
			for {
				line, ok := lines.Next()
				if !ok {
					break
				}
				if err := emit(line); err != nil {
					return err
				}
			}
		}
		if rerr == nil {
			continue
		}

		if err := emit(lines.Flush()); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(rerr, io.EOF) {
			return ErrStreamClosed
		}
		return fmt.Errorf("%w: %v", ErrStreamClosed, rerr)
	}
}

// PumpOutbound copies console lines to w, one newline-terminated line per
// write. It returns ErrConsoleEOF when src runs dry.
func PumpOutbound(ctx context.Context, src LineSource, w io.Writer, m *Metrics) error {
	for {
		line, err := src.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrConsoleEOF
			}
			return err
		}

		n, err := io.WriteString(w, line+"\n")
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrStreamClosed, err)
		}
		m.lineSent(n)
	}
}
