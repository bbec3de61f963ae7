package p2pnode

import (
	"context"
	"errors"
	"fmt"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	host "github.com/libp2p/go-libp2p/core/host"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"go.uber.org/multierr"
)

// DefaultRelayPort is where relays listen unless told otherwise.
const DefaultRelayPort = 4001

// RelayConfig describes a relay node.
type RelayConfig struct {
	Port     int
	Identity crypto.PrivKey
	// Unlimited lifts the per-circuit duration and data caps.
	Unlimited bool
}

// Relay is a running circuit relay.
type Relay struct {
	host  host.Host
	relay *relayv2.Relay
}

// NewRelay starts a host on cfg.Port (IPv4 and IPv6) and serves circuit relay
// v2 on it.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultRelayPort
	}
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port),
			fmt.Sprintf("/ip6/::/tcp/%d", cfg.Port),
		),
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay host: %w", err)
	}
	r, err := ServeRelay(h, cfg.Unlimited)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return r, nil
}

// ServeRelay enables the relay service on an existing host.
func ServeRelay(h host.Host, unlimited bool) (*Relay, error) {
	var opts []relayv2.Option
	if unlimited {
		opts = append(opts, relayv2.WithLimit(nil))
	}
	svc, err := relayv2.New(h, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enable relay service: %w", err)
	}
	return &Relay{host: h, relay: svc}, nil
}

// ID is the relay's peer identity.
func (r *Relay) ID() PeerIdentity { return r.host.ID() }

// Host exposes the relay's host.
func (r *Relay) Host() host.Host { return r.host }

// Addresses lists the relay's listen addresses with its identity appended,
// ready to hand to chat peers.
func (r *Relay) Addresses() []PeerAddress {
	addrs := r.host.Addrs()
	out := make([]PeerAddress, 0, len(addrs))
	for _, a := range addrs {
		pa, err := PeerAddressFromMultiaddr(a)
		if err != nil {
			continue
		}
		out = append(out, pa.Encapsulate(r.host.ID()))
	}
	return out
}

// Close stops the relay service and its host.
func (r *Relay) Close() error {
	return multierr.Combine(r.relay.Close(), r.host.Close())
}

// ProbeRelay connects h to the relay and measures count round trips with the
// ping protocol.
func ProbeRelay(ctx context.Context, h host.Host, relay PeerAddress, count int) ([]time.Duration, error) {
	info, err := relay.AddrInfo()
	if err != nil {
		return nil, relayError("", err)
	}
	if err := h.Connect(ctx, info); err != nil {
		return nil, relayError(info.ID, err)
	}
	if count <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rtts := make([]time.Duration, 0, count)
	for res := range ping.Ping(ctx, h, info.ID) {
		if res.Error != nil {
			return rtts, relayError(info.ID, fmt.Errorf("ping: %w", res.Error))
		}
		rtts = append(rtts, res.RTT)
		if len(rtts) == count {
			break
		}
	}
	if len(rtts) < count {
		err := ctx.Err()
		if err == nil {
			err = errors.New("ping stream ended early")
		}
		return rtts, relayError(info.ID, fmt.Errorf("ping: %w", err))
	}
	return rtts, nil
}
