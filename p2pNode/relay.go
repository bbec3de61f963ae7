package p2pnode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	network "github.com/libp2p/go-libp2p/core/network"
	relayclient "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	multiaddr "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// DefaultRelayTTL is how long a relay binding stays valid before it has to be
// renewed.
const DefaultRelayTTL = 10000 * time.Second

// RelayBinding associates this node with the relay it is reachable through.
// A binding is never mutated; renewal replaces it with a new one.
type RelayBinding struct {
	Relay      PeerAddress
	TTL        time.Duration
	BoundAt    time.Time
	Expiration time.Time
	// Reserved is set when the relay granted a circuit slot, which is what
	// lets other peers reach us through it.
	Reserved bool
}

// CircuitBase is the relay's circuit address without a destination, e.g.
// /ip4/1.2.3.4/tcp/4001/p2p/<relay>/p2p-circuit.
func (b *RelayBinding) CircuitBase() PeerAddress {
	return PeerAddress{Transport: b.Relay.Transport, Relay: b.Relay.ID}
}

// Stale reports whether the binding has outlived its TTL.
func (b *RelayBinding) Stale(now time.Time) bool {
	return !now.Before(b.Expiration)
}

// RenewAt is when the binding should be refreshed: a quarter of its lifetime
// before it expires, but no earlier than a minute ahead.
func (b *RelayBinding) RenewAt() time.Time {
	lead := b.Expiration.Sub(b.BoundAt) / 4
	if lead > time.Minute {
		lead = time.Minute
	}
	return b.Expiration.Add(-lead)
}

// BindToRelay connects to the relay and makes this node reachable through
// it. Listeners additionally reserve a circuit slot on the relay.
func (n *Node) BindToRelay(ctx context.Context, relay PeerAddress) (*RelayBinding, error) {
	info, err := relay.AddrInfo()
	if err != nil {
		return nil, relayError("", err)
	}
	if len(info.Addrs) == 0 {
		return nil, relayError(info.ID, fmt.Errorf("%w: relay %s has no transport address", ErrInvalidAddress, info.ID))
	}
	if info.ID == n.ID() {
		return nil, relayError(info.ID, errors.New("relay identity matches the local peer"))
	}

	if err := n.host.Connect(ctx, info); err != nil {
		n.metrics.relayBind(false)
		return nil, relayError(info.ID, err)
	}

	now := time.Now()
	b := &RelayBinding{
		Relay:      relay,
		TTL:        n.cfg.RelayTTL,
		BoundAt:    now,
		Expiration: now.Add(n.cfg.RelayTTL),
	}

	if n.cfg.Role == RoleListener {
		rsvp, err := relayclient.Reserve(ctx, n.host, info)
		if err != nil {
			n.metrics.relayBind(false)
			return nil, relayError(info.ID, fmt.Errorf("reserve relay slot: %w", err))
		}
		b.Reserved = true
		if !rsvp.Expiration.IsZero() && rsvp.Expiration.Before(b.Expiration) {
			b.Expiration = rsvp.Expiration
		}
	}

	n.host.Peerstore().AddAddrs(n.ID(), []multiaddr.Multiaddr{b.CircuitBase().Dialable()}, n.cfg.RelayTTL)
	n.binding.Store(b)
	n.metrics.relayBind(true)
	n.metrics.bindingExpiry(b.Expiration)

	n.log.Info("bound to relay",
		zap.Stringer("relay", relay),
		zap.Bool("reserved", b.Reserved),
		zap.Time("expires", b.Expiration),
	)
	return b, nil
}

// Binding returns the current relay binding, or nil before BindToRelay.
func (n *Node) Binding() *RelayBinding {
	return n.binding.Load()
}

// AdvertiseListenAddress composes the address other peers use to reach this
// node through the relay. The result depends only on the binding and the
// node identity.
func (n *Node) AdvertiseListenAddress(b *RelayBinding) PeerAddress {
	return b.CircuitBase().Encapsulate(n.ID())
}

// MaintainBinding keeps the relay binding fresh until ctx is done. It renews
// the binding before it goes stale and rebinds, with exponential backoff,
// whenever the connection to the relay drops.
func (n *Node) MaintainBinding(ctx context.Context) error {
	if n.Binding() == nil {
		return ErrNotBound
	}

	lost := make(chan struct{}, 1)
	notifee := &network.NotifyBundle{
		DisconnectedF: func(_ network.Network, c network.Conn) {
			if b := n.Binding(); b != nil && c.RemotePeer() == b.Relay.ID {
				select {
				case lost <- struct{}{}:
				default:
				}
			}
		},
	}
	n.host.Network().Notify(notifee)
	defer n.host.Network().StopNotify(notifee)

	for {
		b := n.Binding()
		timer := time.NewTimer(time.Until(b.RenewAt()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-lost:
			timer.Stop()
			if n.host.Network().Connectedness(b.Relay.ID) == network.Connected {
				continue
			}
			n.log.Warn("lost connection to relay", zap.Stringer("relay", b.Relay))
		case <-timer.C:
			n.log.Debug("renewing relay binding", zap.Stringer("relay", b.Relay))
		}

		if err := n.rebind(ctx, b.Relay); err != nil {
			return err
		}
	}
}

func (n *Node) rebind(ctx context.Context, relay PeerAddress) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	op := func() error {
		_, err := n.BindToRelay(ctx, relay)
		return err
	}
	notify := func(err error, wait time.Duration) {
		n.log.Warn("relay rebind failed", zap.Error(err), zap.Duration("retry_in", wait))
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}
