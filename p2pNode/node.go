package p2pnode

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	host "github.com/libp2p/go-libp2p/core/host"
	protocol "github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ProtocolID names the chat wire contract: newline-delimited UTF-8 text.
// Peers must match it exactly to talk to each other.
const ProtocolID protocol.ID = "/chat/1.0.0"

// DefaultPort is the local TCP port a node listens on.
const DefaultPort = 8000

// drainTimeout bounds how long Close waits for sessions to wind down.
const drainTimeout = 5 * time.Second

// Role is the part a node plays in a rendezvous.
type Role int

const (
	// RoleListener waits for peers to open chat streams to it.
	RoleListener Role = iota + 1
	// RoleDialer opens a chat stream to a known destination.
	RoleDialer
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleDialer:
		return "dialer"
	default:
		return "unknown"
	}
}

// RoleFor picks the role from the destination address: none means listen.
func RoleFor(destination string) Role {
	if strings.TrimSpace(destination) == "" {
		return RoleListener
	}
	return RoleDialer
}

// Config holds everything needed to build a Node.
type Config struct {
	Role Role

	// Port is used to build ListenAddrs when those are not set.
	Port        int
	ListenAddrs []string

	// Identity is generated when nil.
	Identity crypto.PrivKey

	RelayTTL    time.Duration
	MaxSessions int

	Logger  *zap.Logger
	Metrics *Metrics

	// HostOptions are appended to the libp2p options New uses.
	HostOptions []libp2p.Option
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", c.Port)}
	}
	if c.RelayTTL <= 0 {
		c.RelayTTL = DefaultRelayTTL
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Node is one chat endpoint. It owns the libp2p host, its relay binding and
// the sessions running over it.
type Node struct {
	host    host.Host
	cfg     Config
	log     *zap.Logger
	metrics *Metrics

	binding   atomic.Pointer[RelayBinding]
	sessions  *Registry
	listening atomic.Bool
	acceptor  StreamAcceptor

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a libp2p host and wraps it in a Node.
func New(cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := checkRole(cfg.Role); err != nil {
		return nil, err
	}

	priv := cfg.Identity
	if priv == nil {
		var err error
		priv, err = GenerateIdentity(KeyTypeEd25519)
		if err != nil {
			return nil, err
		}
		cfg.Identity = priv
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.EnableRelay(),
	}
	h, err := libp2p.New(append(opts, cfg.HostOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	return newNode(h, cfg), nil
}

// NewWithHost wraps an existing host. The Node takes ownership of h and
// closes it on Close.
func NewWithHost(h host.Host, cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := checkRole(cfg.Role); err != nil {
		return nil, err
	}
	return newNode(h, cfg), nil
}

func newNode(h host.Host, cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		host:     h,
		cfg:      cfg,
		log:      cfg.Logger.With(zap.Stringer("self", h.ID()), zap.Stringer("role", cfg.Role)),
		metrics:  cfg.Metrics,
		sessions: NewRegistry(cfg.MaxSessions, cfg.Metrics),
		ctx:      ctx,
		cancel:   cancel,
	}
	return n
}

func checkRole(r Role) error {
	if r != RoleListener && r != RoleDialer {
		return fmt.Errorf("%w: role %d", ErrRoleMismatch, r)
	}
	return nil
}

// ID returns the node's peer identity.
func (n *Node) ID() PeerIdentity { return n.host.ID() }

// Role returns the role the node was built for.
func (n *Node) Role() Role { return n.cfg.Role }

// Host exposes the underlying libp2p host.
func (n *Node) Host() host.Host { return n.host }

// Sessions returns the registry of live sessions.
func (n *Node) Sessions() *Registry { return n.sessions }

// ListenAddresses returns the node's direct addresses with its identity
// appended.
func (n *Node) ListenAddresses() []PeerAddress {
	addrs := n.host.Addrs()
	out := make([]PeerAddress, 0, len(addrs))
	for _, a := range addrs {
		pa, err := PeerAddressFromMultiaddr(a)
		if err != nil {
			continue
		}
		out = append(out, pa.Encapsulate(n.ID()))
	}
	return out
}

// Close stops accepting streams, closes every session and shuts down the
// host.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		n.host.RemoveStreamHandler(ProtocolID)

		err = multierr.Append(err, n.sessions.CloseAll())

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if werr := n.sessions.Wait(ctx); werr != nil {
			n.log.Warn("sessions did not drain", zap.Error(werr), zap.Int("remaining", n.sessions.Len()))
		}

		err = multierr.Append(err, n.host.Close())
	})
	return err
}
