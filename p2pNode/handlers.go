package p2pnode

import (
	"context"

	network "github.com/libp2p/go-libp2p/core/network"
	"go.uber.org/zap"
)

// StreamAcceptor receives every chat session opened to a listening node.
// OnNewStream owns the session until it returns; the node closes the session
// afterwards if the acceptor did not.
type StreamAcceptor interface {
	OnNewStream(ctx context.Context, s *Session)
}

// AcceptorFunc adapts a function to StreamAcceptor.
type AcceptorFunc func(ctx context.Context, s *Session)

// OnNewStream calls f(ctx, s).
func (f AcceptorFunc) OnNewStream(ctx context.Context, s *Session) { f(ctx, s) }

// Listen registers the chat protocol handler. Each incoming stream becomes a
// Session, is admitted to the registry and handed to acc on its own
// goroutine. Only listeners may call Listen, and only once.
func (n *Node) Listen(acc StreamAcceptor) error {
	if n.cfg.Role != RoleListener {
		return ErrRoleMismatch
	}
	if !n.listening.CompareAndSwap(false, true) {
		return ErrAlreadyListen
	}
	n.acceptor = acc
	n.host.SetStreamHandler(ProtocolID, n.handleChatStream)
	return nil
}

// handleChatStream runs on the goroutine libp2p spawns for each stream.
func (n *Node) handleChatStream(stream network.Stream) {
	s := sessionFromStream(stream, RoleListener, n.metrics)
	log := n.log.With(zap.String("session", s.ID()), zap.Stringer("peer", s.Remote()))

	if err := n.sessions.Admit(s); err != nil {
		log.Warn("rejecting chat stream", zap.Error(err))
		_ = stream.Reset()
		return
	}

	log.Info("New chat stream opened")
	n.acceptor.OnNewStream(n.ctx, s)
	_ = s.Close()
	log.Info("chat stream closed", zap.Error(s.Err()))
}
