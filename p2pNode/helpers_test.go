package p2pnode

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

var errReset = errors.New("stream reset")

// pipeStream is one end of an in-memory duplex stream.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newStreamPair() (*pipeStream, *pipeStream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipeStream{r: ar, w: aw}, &pipeStream{r: br, w: bw}
}

func (p *pipeStream) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeStream) CloseWrite() error { return p.w.Close() }

func (p *pipeStream) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}

func (p *pipeStream) Reset() error {
	_ = p.w.CloseWithError(errReset)
	return p.r.CloseWithError(errReset)
}

// scriptedSource yields lines, then waits for hold (if any) and reports
// io.EOF. A sticky source never reports EOF; it blocks until ctx is done.
type scriptedSource struct {
	mu     sync.Mutex
	lines  []string
	hold   <-chan struct{}
	sticky bool
}

func (s *scriptedSource) ReadLine(ctx context.Context) (string, error) {
	s.mu.Lock()
	if len(s.lines) > 0 {
		line := s.lines[0]
		s.lines = s.lines[1:]
		s.mu.Unlock()
		return line, nil
	}
	s.mu.Unlock()

	if s.sticky {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", io.EOF
}

// recordingSink collects printed lines and can signal when a given line
// arrives.
type recordingSink struct {
	mu    sync.Mutex
	lines []string
	from  []string
	want  string
	seen  chan struct{}
	once  sync.Once
}

func newRecordingSink(want string) *recordingSink {
	return &recordingSink{want: want, seen: make(chan struct{})}
}

func (r *recordingSink) PrintInbound(from, line string) error {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.from = append(r.from, from)
	r.mu.Unlock()
	if line == r.want {
		r.once.Do(func() { close(r.seen) })
	}
	return nil
}

func (r *recordingSink) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *recordingSink) waitFor(t *testing.T) {
	t.Helper()
	select {
	case <-r.seen:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %q, got %q", r.want, r.Lines())
	}
}

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, err := GenerateIdentity(KeyTypeEd25519)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}
