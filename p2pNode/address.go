package p2pnode

import (
	"fmt"
	"net"
	"strings"

	peer "github.com/libp2p/go-libp2p/core/peer"
	multiaddr "github.com/multiformats/go-multiaddr"
)

// PeerIdentity is the stable identifier of a peer, independent of where it
// can currently be reached.
type PeerIdentity = peer.ID

// PeerAddress locates a peer: a transport endpoint, optionally a relay that
// forwards to it, and optionally its identity.
//
// A PeerAddress is a value; once built it is never modified in place.
type PeerAddress struct {
	Transport multiaddr.Multiaddr
	Relay     PeerIdentity
	ID        PeerIdentity
}

// ParsePeerAddress parses a multiaddress string such as
//
//	/ip4/1.2.3.4/tcp/4001/p2p/<id>
//	/ip4/1.2.3.4/tcp/4001/p2p/<relay>/p2p-circuit/p2p/<id>
//
// The form /ip4/.../p2p/<relay>/p2p/<id> (no /p2p-circuit) is accepted as a
// relayed address as well.
func ParsePeerAddress(s string) (PeerAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PeerAddress{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	maddr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	return PeerAddressFromMultiaddr(maddr)
}

// PeerAddressFromMultiaddr splits maddr into its transport, relay and
// identity parts.
func PeerAddressFromMultiaddr(maddr multiaddr.Multiaddr) (PeerAddress, error) {
	var (
		transport multiaddr.Multiaddr
		ids       []peer.ID
		circuit   bool
	)

	parts := multiaddr.Split(maddr)
	for i := range parts {
		part := &parts[i]
		switch part.Protocol().Code {
		case multiaddr.P_P2P:
			id, err := peer.Decode(part.Value())
			if err != nil {
				return PeerAddress{}, fmt.Errorf("%w: bad peer id %q: %v", ErrInvalidAddress, part.Value(), err)
			}
			ids = append(ids, id)
		case multiaddr.P_CIRCUIT:
			if circuit || len(ids) != 1 {
				return PeerAddress{}, fmt.Errorf("%w: %s: p2p-circuit must follow exactly one relay identity", ErrInvalidAddress, maddr)
			}
			circuit = true
		default:
			if len(ids) > 0 {
				return PeerAddress{}, fmt.Errorf("%w: %s: transport after peer identity", ErrInvalidAddress, maddr)
			}
			transport = append(transport, *part)
		}
	}

	var a PeerAddress
	switch {
	case len(ids) > 2:
		return PeerAddress{}, fmt.Errorf("%w: %s: more than one relay hop", ErrInvalidAddress, maddr)
	case len(ids) == 2:
		a.Relay, a.ID = ids[0], ids[1]
	case len(ids) == 1 && circuit:
		a.Relay = ids[0]
	case len(ids) == 1:
		a.ID = ids[0]
	}
	a.Transport = transport
	return a, nil
}

// RelayAddress builds the address of a relay node from the values an
// operator passes on the command line.
func RelayAddress(host string, port int, relayID string) (PeerAddress, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return PeerAddress{}, fmt.Errorf("%w: relay host is required", ErrInvalidAddress)
	}
	if port <= 0 || port > 65535 {
		return PeerAddress{}, fmt.Errorf("%w: relay port %d out of range", ErrInvalidAddress, port)
	}
	id, err := peer.Decode(strings.TrimSpace(relayID))
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: relay peer id %q: %v", ErrInvalidAddress, relayID, err)
	}

	proto := "dns"
	if ip := net.ParseIP(host); ip != nil {
		proto = "ip6"
		if ip.To4() != nil {
			proto = "ip4"
		}
	}
	transport, err := multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, host, port))
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: relay transport: %v", ErrInvalidAddress, err)
	}
	return PeerAddress{Transport: transport, ID: id}, nil
}

// IsRelayed reports whether the address routes through a relay.
func (a PeerAddress) IsRelayed() bool { return a.Relay != "" }

// HasTransport reports whether the address names a concrete endpoint.
func (a PeerAddress) HasTransport() bool { return len(a.Transport) > 0 }

// IsZero reports whether a is the empty address.
func (a PeerAddress) IsZero() bool {
	return !a.HasTransport() && a.Relay == "" && a.ID == ""
}

// Encapsulate returns a copy of a whose identity is id.
func (a PeerAddress) Encapsulate(id PeerIdentity) PeerAddress {
	a.ID = id
	return a
}

// Dialable returns the multiaddress to dial, without the trailing identity.
func (a PeerAddress) Dialable() multiaddr.Multiaddr {
	if a.Relay == "" {
		return joinAddrs(a.Transport)
	}
	return joinAddrs(a.Transport, multiaddr.StringCast("/p2p/"+a.Relay.String()+"/p2p-circuit"))
}

// Multiaddr returns the full multiaddress including the identity.
func (a PeerAddress) Multiaddr() multiaddr.Multiaddr {
	if a.ID == "" {
		return a.Dialable()
	}
	return joinAddrs(a.Dialable(), multiaddr.StringCast("/p2p/"+a.ID.String()))
}

// joinAddrs concatenates addresses into a fresh slice so callers never share
// backing arrays.
func joinAddrs(ms ...multiaddr.Multiaddr) multiaddr.Multiaddr {
	var out multiaddr.Multiaddr
	for _, m := range ms {
		out = append(out, m...)
	}
	return out
}

func (a PeerAddress) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Multiaddr().String()
}

// Equal reports whether both addresses have the same canonical form.
func (a PeerAddress) Equal(b PeerAddress) bool {
	return a.String() == b.String()
}

// AddrInfo converts the address into what the host dials. It fails with
// ErrNoSuchPeer when the address carries no identity.
func (a PeerAddress) AddrInfo() (peer.AddrInfo, error) {
	if a.ID == "" {
		return peer.AddrInfo{}, fmt.Errorf("%w: %q carries no peer identity", ErrNoSuchPeer, a.String())
	}
	info := peer.AddrInfo{ID: a.ID}
	if a.HasTransport() {
		info.Addrs = []multiaddr.Multiaddr{a.Dialable()}
	}
	return info, nil
}

// resolve fills in the parts of a that can be taken from the relay binding.
// A bare /p2p/<id> is routed through the bound relay.
func (a PeerAddress) resolve(b *RelayBinding) (PeerAddress, error) {
	if a.ID == "" {
		return PeerAddress{}, fmt.Errorf("%w: %q carries no peer identity", ErrNoSuchPeer, a.String())
	}
	if a.HasTransport() {
		return a, nil
	}
	if b == nil {
		return PeerAddress{}, fmt.Errorf("%w: %s has no transport and no relay is bound", ErrInvalidAddress, a)
	}
	if a.Relay != "" && a.Relay != b.Relay.ID {
		return PeerAddress{}, fmt.Errorf("%w: relay %s is not the bound relay %s", ErrInvalidAddress, a.Relay, b.Relay.ID)
	}
	return b.CircuitBase().Encapsulate(a.ID), nil
}
