package p2pnode

import (
	"context"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPair builds a listener and a dialer node on a linked mock network.
func newMockPair(t *testing.T, cfg Config) (listener, dialer *Node) {
	t.Helper()
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })

	lh, err := mn.GenPeer()
	require.NoError(t, err)
	dh, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())

	lcfg := cfg
	lcfg.Role = RoleListener
	listener, err = NewWithHost(lh, lcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	dcfg := cfg
	dcfg.Role = RoleDialer
	dialer, err = NewWithHost(dh, dcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dialer.Close() })
	return listener, dialer
}

func directAddress(t *testing.T, n *Node) PeerAddress {
	t.Helper()
	if addrs := n.ListenAddresses(); len(addrs) > 0 {
		return addrs[0]
	}
	// Mock hosts may only know their address through the peerstore.
	known := n.Host().Peerstore().Addrs(n.ID())
	require.NotEmpty(t, known)
	a, err := PeerAddressFromMultiaddr(known[0])
	require.NoError(t, err)
	return a.Encapsulate(n.ID())
}

// chatOnce has the dialer say "hello" and the listener say "world", then
// hangs up from the dialer side.
func chatOnce(t *testing.T, listener, dialer *Node, dest PeerAddress, b *RelayBinding) {
	t.Helper()

	listenerSink := newRecordingSink("hello")
	accepted := make(chan error, 1)
	require.NoError(t, listener.Listen(AcceptorFunc(func(ctx context.Context, s *Session) {
		assert.Equal(t, dialer.ID(), s.Remote())
		assert.Equal(t, RoleListener, s.Role())
		accepted <- s.Run(ctx, &scriptedSource{lines: []string{"world"}, sticky: true}, listenerSink)
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := dialer.DialThroughRelay(ctx, dest, b)
	require.NoError(t, err)
	assert.Equal(t, listener.ID(), s.Remote())
	assert.Equal(t, ProtocolID, s.Protocol())

	dialerSink := newRecordingSink("world")
	err = s.Run(ctx, &scriptedSource{lines: []string{"hello"}, hold: dialerSink.seen}, dialerSink)
	assert.ErrorIs(t, err, ErrStreamClosed)

	listenerSink.waitFor(t)
	assert.Equal(t, []string{"hello"}, listenerSink.Lines())
	assert.Equal(t, []string{"world"}, dialerSink.Lines())

	select {
	case err := <-accepted:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(10 * time.Second):
		t.Fatal("listener session did not end")
	}
}

// TestNodeDirectChat tests a full exchange over a direct connection.
func TestNodeDirectChat(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	listener, dialer := newMockPair(t, Config{Metrics: m})

	chatOnce(t, listener, dialer, directAddress(t, listener), nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsOpened.WithLabelValues("listener")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsOpened.WithLabelValues("dialer")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LinesSent))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LinesReceived))
	require.Eventually(t, func() bool {
		return listener.Sessions().Len() == 0 && dialer.Sessions().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNodeRoles(t *testing.T) {
	listener, dialer := newMockPair(t, Config{})

	assert.Equal(t, RoleListener, listener.Role())
	assert.Equal(t, RoleDialer, dialer.Role())

	nop := AcceptorFunc(func(context.Context, *Session) {})
	assert.ErrorIs(t, dialer.Listen(nop), ErrRoleMismatch)
	require.NoError(t, listener.Listen(nop))
	assert.ErrorIs(t, listener.Listen(nop), ErrAlreadyListen)

	_, err := listener.DialThroughRelay(context.Background(), directAddress(t, dialer), nil)
	assert.ErrorIs(t, err, ErrRoleMismatch)

	_, err = NewWithHost(listener.Host(), Config{})
	assert.ErrorIs(t, err, ErrRoleMismatch)

	assert.Equal(t, RoleListener, RoleFor(""))
	assert.Equal(t, RoleListener, RoleFor("   "))
	assert.Equal(t, RoleDialer, RoleFor("/p2p/x"))
}

// TestNodeDialFailures tests that failures reaching the destination are
// reported as peer failures.
func TestNodeDialFailures(t *testing.T) {
	_, dialer := newMockPair(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Known transport, but nobody with that identity is linked.
	stranger := directAddress(t, dialer).Encapsulate(testPeerID(t))
	_, err := dialer.DialThroughRelay(ctx, stranger, nil)
	require.Error(t, err)
	assert.True(t, IsPeerFailure(err))
	assert.False(t, IsRelayFailure(err))

	// A bare identity cannot be routed without a relay binding.
	bare := PeerAddress{ID: testPeerID(t)}
	_, err = dialer.DialThroughRelay(ctx, bare, nil)
	assert.True(t, IsPeerFailure(err))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = dialer.DialThroughRelay(ctx, directAddress(t, dialer), nil)
	assert.True(t, IsPeerFailure(err))
	assert.ErrorIs(t, err, ErrNoSuchPeer)

	_, err = dialer.DialThroughRelay(ctx, PeerAddress{}, nil)
	assert.ErrorIs(t, err, ErrNoSuchPeer)
}

// TestNodeRelayFailures tests that relay problems are reported as relay
// failures and leave the node unbound.
func TestNodeRelayFailures(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	_, dialer := newMockPair(t, Config{Metrics: m})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unreachable := directAddress(t, dialer).Encapsulate(testPeerID(t))
	_, err := dialer.BindToRelay(ctx, unreachable)
	require.Error(t, err)
	assert.True(t, IsRelayFailure(err))
	assert.False(t, IsPeerFailure(err))
	assert.ErrorIs(t, err, ErrConnectFailure)
	assert.Nil(t, dialer.Binding())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RelayBinds.WithLabelValues("failure")))

	_, err = dialer.BindToRelay(ctx, PeerAddress{ID: testPeerID(t)})
	assert.True(t, IsRelayFailure(err))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = dialer.BindToRelay(ctx, directAddress(t, dialer))
	assert.True(t, IsRelayFailure(err))

	assert.ErrorIs(t, dialer.MaintainBinding(ctx), ErrNotBound)
}

// TestNodeBindDialer tests that a dialer binds to a reachable relay without
// asking it for a reservation.
func TestNodeBindDialer(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	relay, dialer := newMockPair(t, Config{Metrics: m, RelayTTL: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := dialer.BindToRelay(ctx, directAddress(t, relay))
	require.NoError(t, err)
	assert.False(t, b.Reserved)
	assert.Equal(t, time.Hour, b.TTL)
	assert.Same(t, b, dialer.Binding())
	assert.False(t, b.Stale(time.Now()))
	assert.True(t, b.Stale(b.Expiration))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RelayBinds.WithLabelValues("success")))
	assert.Equal(t, float64(b.Expiration.Unix()), testutil.ToFloat64(m.RelayBindingExpiry))
}

// TestAdvertiseListenAddress tests that the advertised address depends only
// on the binding and the node identity.
func TestAdvertiseListenAddress(t *testing.T) {
	listener, _ := newMockPair(t, Config{})
	relayID := testPeerID(t)

	relayAddr, err := RelayAddress("1.2.3.4", 4001, relayID.String())
	require.NoError(t, err)
	b := &RelayBinding{Relay: relayAddr}

	first := listener.AdvertiseListenAddress(b)
	second := listener.AdvertiseListenAddress(b)
	assert.True(t, first.Equal(second))
	assert.Equal(t,
		"/ip4/1.2.3.4/tcp/4001/p2p/"+relayID.String()+"/p2p-circuit/p2p/"+listener.ID().String(),
		first.String())

	// What the listener advertises is what a dialer parses.
	parsed, err := ParsePeerAddress(first.String())
	require.NoError(t, err)
	assert.Equal(t, relayID, parsed.Relay)
	assert.Equal(t, listener.ID(), parsed.ID)
}

func TestRelayBindingRenewAt(t *testing.T) {
	now := time.Now()

	long := &RelayBinding{BoundAt: now, Expiration: now.Add(time.Hour)}
	assert.True(t, now.Add(59*time.Minute).Equal(long.RenewAt()))

	short := &RelayBinding{BoundAt: now, Expiration: now.Add(40 * time.Second)}
	assert.True(t, now.Add(30*time.Second).Equal(short.RenewAt()))
}

func TestNodeCloseEndsSessions(t *testing.T) {
	listener, dialer := newMockPair(t, Config{})

	started := make(chan struct{})
	require.NoError(t, listener.Listen(AcceptorFunc(func(ctx context.Context, s *Session) {
		close(started)
		_ = s.Run(ctx, &scriptedSource{sticky: true}, newRecordingSink(""))
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := dialer.DialThroughRelay(ctx, directAddress(t, listener), nil)
	require.NoError(t, err)
	errc := runSession(ctx, s, &scriptedSource{sticky: true}, newRecordingSink(""))

	// The listener only sees the stream once something is written, so poke it.
	_, err = s.stream.Write([]byte("\n"))
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("listener never accepted the stream")
	}

	require.NoError(t, listener.Close())
	assert.Zero(t, listener.Sessions().Len())
	assert.Error(t, waitErr(t, errc))
}
