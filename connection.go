package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"example/relaychat/console"
	p2pnode "example/relaychat/p2pNode"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// chatApp wires a node to the terminal for one process run.
type chatApp struct {
	cfg     *Config
	log     *zap.Logger
	con     *console.Console
	metrics *p2pnode.Metrics
}

// run binds to the relay and then either waits for peers or dials the
// destination, depending on whether one was given.
func (a *chatApp) run(ctx context.Context) error {
	relayAddr, err := a.cfg.relayAddress()
	if err != nil {
		return err
	}

	role := p2pnode.RoleFor(a.cfg.Destination)
	var dest p2pnode.PeerAddress
	if role == p2pnode.RoleDialer {
		dest, err = p2pnode.ParsePeerAddress(a.cfg.Destination)
		if err != nil {
			return fmt.Errorf("invalid destination: %w", err)
		}
	}

	priv, err := p2pnode.LoadOrCreateIdentity(a.cfg.KeyFile, a.cfg.KeyType)
	if err != nil {
		return err
	}
	node, err := p2pnode.New(p2pnode.Config{
		Role:        role,
		Port:        a.cfg.Port,
		Identity:    priv,
		RelayTTL:    a.cfg.RelayTTL,
		MaxSessions: a.cfg.MaxSessions,
		Logger:      a.log,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}
	defer node.Close()

	printNodeAddress(a.con, node)

	bindCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	binding, err := node.BindToRelay(bindCtx, relayAddr)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to relay node: %w", err)
	}
	a.con.Printf("Connected to relay node: %s\n", relayAddr)

	if role == p2pnode.RoleListener {
		return a.listen(ctx, node, binding)
	}
	return a.dial(ctx, node, dest, binding)
}

// listen advertises the relayed address and serves chat streams until ctx
// is cancelled.
func (a *chatApp) listen(ctx context.Context, node *p2pnode.Node, binding *p2pnode.RelayBinding) error {
	if err := node.Listen(&chatHub{con: a.con}); err != nil {
		return err
	}

	addr := node.AdvertiseListenAddress(binding)
	a.con.Printf("Run this command on another console:\n\n%s --port %d -d '%s' --relay-ip %s --relay-peerid %s\n\n",
		os.Args[0], a.cfg.Port+1, addr, a.cfg.RelayIP, a.cfg.RelayPeerID)
	a.con.Printf("Waiting for incoming connection...\n")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := node.MaintainBinding(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("relay binding: %w", err)
	}
	return nil
}

// dial opens the single chat session of a dialer and runs it to the end.
func (a *chatApp) dial(ctx context.Context, node *p2pnode.Node, dest p2pnode.PeerAddress, binding *p2pnode.RelayBinding) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	session, err := node.DialThroughRelay(dialCtx, dest, binding)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to destination: %w", err)
	}

	a.con.Printf("Connected to destination: %s\n", dest)
	a.con.Printf("Chat started. Type messages and press Enter to send.\n")
	a.con.Printf("Your Peer ID: %s\n", node.ID())

	sub := a.con.Subscribe()
	defer sub.Close()
	err = session.Run(ctx, sub, a.con)
	a.log.Info("chat session ended", zap.String("session", session.ID()), zap.Error(err))
	if ctx.Err() == nil {
		a.con.Noticef("Chat with %s ended: %v", session.Remote(), err)
	}
	return nil
}

// chatHub hands every accepted session the terminal.
type chatHub struct {
	con *console.Console
}

func (h *chatHub) OnNewStream(ctx context.Context, s *p2pnode.Session) {
	h.con.Noticef("New chat stream opened with %s", s.Remote())
	sub := h.con.Subscribe()
	defer sub.Close()

	err := s.Run(ctx, sub, h.con)
	if ctx.Err() == nil {
		h.con.Noticef("Chat with %s ended: %v", s.Remote(), err)
	}
}

// printNodeAddress prints the identity and direct addresses of the node.
func printNodeAddress(con *console.Console, node *p2pnode.Node) {
	con.Printf("Node started successfully!\n")
	con.Printf("Peer ID: %s\n", node.ID())
	addrs := node.ListenAddresses()
	if len(addrs) > 0 {
		con.Printf("Listening on:\n")
		for _, addr := range addrs {
			con.Printf("  %s\n", addr)
		}
	}
}

// describeFailure turns a startup error into the operator-facing summary
// that separates relay problems from peer problems.
func describeFailure(err error) string {
	switch {
	case p2pnode.IsRelayFailure(err):
		return "relay unreachable"
	case p2pnode.IsPeerFailure(err) && errors.Is(err, p2pnode.ErrNoSuchPeer):
		return "destination peer unknown"
	case p2pnode.IsPeerFailure(err):
		return "destination peer unreachable"
	default:
		return "startup failed"
	}
}
