package p2pnode

import (
	"errors"
	"fmt"

	peer "github.com/libp2p/go-libp2p/core/peer"
)

// Error kinds surfaced by the node. Callers match them with errors.Is.
var (
	ErrConnectFailure = errors.New("connect failure")
	ErrNoSuchPeer     = errors.New("no such peer")
	ErrStreamClosed   = errors.New("stream closed")
	ErrDecodeFailure  = errors.New("decode failure")
	ErrConsoleEOF     = errors.New("console eof")

	ErrInvalidAddress = errors.New("invalid peer address")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrRoleMismatch   = errors.New("operation not allowed for this role")
	ErrAlreadyListen  = errors.New("already listening")
	ErrNotBound       = errors.New("not bound to a relay")
	ErrSessionLimit   = errors.New("session limit reached")
	ErrRegistryClosed = errors.New("session registry closed")
	ErrSessionNotOpen = errors.New("session is not open")
	ErrSessionClosed  = errors.New("session closed locally")
)

// Target says which hop of a rendezvous failed.
type Target int

const (
	TargetRelay Target = iota + 1
	TargetPeer
)

func (t Target) String() string {
	switch t {
	case TargetRelay:
		return "relay"
	case TargetPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// ConnectError reports a failed connection to either the relay or the
// destination peer. Kind is ErrConnectFailure or ErrNoSuchPeer.
type ConnectError struct {
	Target Target
	Kind   error
	Peer   peer.ID
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("%s %s: %v", e.Target, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Target, e.Kind, e.Peer, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsRelayFailure reports whether err came from reaching the relay rather than
// the destination peer.
func IsRelayFailure(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Target == TargetRelay
}

// IsPeerFailure reports whether err came from reaching the destination peer.
func IsPeerFailure(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Target == TargetPeer
}

func relayError(id peer.ID, err error) error {
	return &ConnectError{Target: TargetRelay, Kind: ErrConnectFailure, Peer: id, Err: err}
}

func peerError(kind error, id peer.ID, err error) error {
	return &ConnectError{Target: TargetPeer, Kind: kind, Peer: id, Err: err}
}
