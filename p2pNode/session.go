package p2pnode

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	network "github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	protocol "github.com/libp2p/go-libp2p/core/protocol"
	"golang.org/x/sync/errgroup"
)

// Stream is the part of a libp2p stream a session needs.
type Stream interface {
	io.ReadWriteCloser
	CloseWrite() error
	Reset() error
}

// State is where a session is in its life.
type State int32

const (
	StateOpen State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one chat stream between this node and a remote peer. Exactly
// one goroutine reads the stream and one writes it while the session runs.
type Session struct {
	id       string
	remote   peer.ID
	protocol protocol.ID
	role     Role
	opened   time.Time

	stream  Stream
	metrics *Metrics

	state      atomic.Int32
	done       chan struct{}
	finishOnce sync.Once
	err        error
	release    func()
}

// SessionInfo is a snapshot of a session for listing.
type SessionInfo struct {
	ID       string
	Remote   peer.ID
	Protocol protocol.ID
	Role     Role
	State    State
	Opened   time.Time
}

func newSession(remote peer.ID, proto protocol.ID, role Role, stream Stream, m *Metrics) *Session {
	return &Session{
		id:       uuid.NewString(),
		remote:   remote,
		protocol: proto,
		role:     role,
		opened:   time.Now(),
		stream:   stream,
		metrics:  m,
		done:     make(chan struct{}),
	}
}

func sessionFromStream(s network.Stream, role Role, m *Metrics) *Session {
	return newSession(s.Conn().RemotePeer(), s.Protocol(), role, s, m)
}

func (s *Session) ID() string { return s.id }
func (s *Session) Remote() peer.ID { return s.remote }
func (s *Session) Protocol() protocol.ID { return s.protocol }
func (s *Session) Role() Role { return s.role }
func (s *Session) State() State { return State(s.state.Load()) }
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended. It is nil until Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:       s.id,
		Remote:   s.remote,
		Protocol: s.protocol,
		Role:     s.role,
		State:    s.State(),
		Opened:   s.opened,
	}
}

// Run pumps lines in both directions until the session ends, then closes
// it. Running out of console input half-closes the stream; the session keeps
// printing what the peer sends until the peer hangs up. Cancelling ctx
// resets the stream.
//
// The returned error is the first one either pump hit, typically
// ErrStreamClosed when the peer went away.
func (s *Session) Run(ctx context.Context, src LineSource, sink LineSink) error {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateActive)) {
		return ErrSessionNotOpen
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return PumpInbound(gctx, s.stream, shortID(s.remote), sink, s.metrics)
	})
	g.Go(func() error {
		err := PumpOutbound(gctx, src, s.stream, s.metrics)
		if errors.Is(err, ErrConsoleEOF) {
			_ = s.stream.CloseWrite()
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			_ = s.stream.Reset()
		} else {
			_ = s.stream.Close()
		}
		return nil
	})

	err := g.Wait()
	s.finish(err)
	return err
}

// Close ends the session. A running session is reset, which makes Run
// return; a session that never ran is closed directly.
func (s *Session) Close() error {
	if s.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) {
		err := s.stream.Close()
		s.finish(ErrSessionClosed)
		return err
	}
	if s.State() == StateActive {
		return s.stream.Reset()
	}
	return nil
}

func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		s.err = err
		s.state.Store(int32(StateClosed))
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}

// shortID trims a peer id for display, like the tail of a git hash.
func shortID(id peer.ID) string {
	str := id.String()
	if len(str) <= 12 {
		return str
	}
	return str[len(str)-12:]
}
