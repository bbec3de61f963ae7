package p2pnode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	network "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/pb"
	"go.uber.org/zap"
)

// DialThroughRelay connects to dest and opens a chat stream to it. A
// destination given only as /p2p/<id> is reached through the bound relay.
//
// Failures are *ConnectError values with Target TargetPeer, so they can be
// told apart from relay failures.
func (n *Node) DialThroughRelay(ctx context.Context, dest PeerAddress, b *RelayBinding) (*Session, error) {
	if n.cfg.Role != RoleDialer {
		return nil, ErrRoleMismatch
	}

	target, err := dest.resolve(b)
	if err != nil {
		kind := ErrConnectFailure
		if errors.Is(err, ErrNoSuchPeer) {
			kind = ErrNoSuchPeer
		}
		return nil, peerError(kind, dest.ID, err)
	}
	info, err := target.AddrInfo()
	if err != nil {
		return nil, peerError(ErrNoSuchPeer, dest.ID, err)
	}
	if info.ID == n.ID() {
		return nil, peerError(ErrNoSuchPeer, info.ID, errors.New("destination is this node"))
	}

	// Relayed connections are limited; chat runs over them anyway.
	ctx = network.WithAllowLimitedConn(ctx, string(ProtocolID))

	n.log.Info("connecting to peer", zap.Stringer("addr", target))
	if err := n.host.Connect(ctx, info); err != nil {
		kind := ErrConnectFailure
		if isNoReservation(err) {
			kind = ErrNoSuchPeer
		}
		return nil, peerError(kind, info.ID, fmt.Errorf("failed to connect to peer: %w", err))
	}

	stream, err := n.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, peerError(ErrConnectFailure, info.ID, fmt.Errorf("failed to open stream: %w", err))
	}

	s := sessionFromStream(stream, RoleDialer, n.metrics)
	if err := n.sessions.Admit(s); err != nil {
		_ = stream.Reset()
		return nil, err
	}
	n.log.Info("chat stream opened", zap.String("session", s.ID()), zap.Stringer("peer", info.ID))
	return s, nil
}

// isNoReservation reports whether the relay refused the circuit because the
// destination holds no reservation there, i.e. the relay does not know it.
func isNoReservation(err error) bool {
	return err != nil && strings.Contains(err.Error(), pb.Status_NO_RESERVATION.String())
}
