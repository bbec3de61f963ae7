package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"example/relaychat/console"
	p2pnode "example/relaychat/p2pNode"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultDialTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relaychat",
		Short: "Chat with a peer through a circuit relay",
		Long: `relaychat connects two peers that cannot reach each other directly.

Without --destination the node binds to the relay and waits for a peer. It
prints the address to give the other side. With --destination it dials that
address through the relay and starts chatting.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runChat,
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (yaml, toml or json)")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("log-format", "console", "log format: console or json")
	pf.String("log-file", "", "write logs to this file instead of stderr")
	pf.String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9100")
	pf.String("key-file", "", "load the node identity from this file, creating it if missing")
	pf.String("key-type", p2pnode.KeyTypeEd25519, "key type for new identities: ed25519 or rsa")

	f := cmd.Flags()
	f.IntP("port", "p", p2pnode.DefaultPort, "local TCP port to listen on")
	f.StringP("destination", "d", "", "address of the peer to chat with")
	addRelayFlags(cmd)
	f.Duration("relay-ttl", p2pnode.DefaultRelayTTL, "how long the relayed address stays advertised")
	f.Int("max-sessions", 16, "concurrent chat sessions a listener accepts, 0 for no limit")
	f.Bool("no-color", false, "disable coloured output")

	cmd.AddCommand(newRelayCmd(), newProbeCmd())
	return cmd
}

func addRelayFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("relay-ip", "", "IP address or DNS name of the relay")
	f.String("relay-peerid", "", "peer ID of the relay")
	f.Int("relay-port", p2pnode.DefaultRelayPort, "TCP port of the relay")
	f.Duration("dial-timeout", defaultDialTimeout, "timeout for reaching the relay or the peer")
}

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a circuit relay for chat peers",
		Args:  cobra.NoArgs,
		RunE:  runRelay,
	}
	f := cmd.Flags()
	f.IntP("port", "p", p2pnode.DefaultRelayPort, "TCP port to listen on")
	f.Bool("unlimited", true, "lift the relay's per-circuit time and data limits")
	return cmd
}

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that a relay is reachable",
		Args:  cobra.NoArgs,
		RunE:  runProbe,
	}
	addRelayFlags(cmd)
	cmd.Flags().Int("count", 3, "number of pings to send")
	return cmd
}

// env is what every command sets up before doing its work.
type env struct {
	cfg     *Config
	log     *zap.Logger
	metrics *p2pnode.Metrics
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, log: logger}
	if cfg.MetricsAddr != "" {
		reg := newMetricsRegistry()
		e.metrics = p2pnode.NewMetrics(reg)
		serveMetrics(cmd.Context(), cfg.MetricsAddr, reg, logger)
	}
	return e, nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	if err := e.cfg.validateChat(); err != nil {
		return err
	}

	app := &chatApp{
		cfg: e.cfg,
		log: e.log,
		con: console.New(os.Stdin, os.Stdout,
			console.WithColor(!e.cfg.NoColor),
			console.WithSenderTags(p2pnode.RoleFor(e.cfg.Destination) == p2pnode.RoleListener),
			console.WithLogger(e.log),
		),
		metrics: e.metrics,
	}
	if err := app.run(cmd.Context()); err != nil {
		if cmd.Context().Err() != nil {
			// Interrupted while still connecting.
			return nil
		}
		e.log.Error(describeFailure(err), zap.Error(err))
		return err
	}
	return nil
}

func runRelay(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	if err := checkPort("port", e.cfg.Port); err != nil {
		return err
	}
	priv, err := p2pnode.LoadOrCreateIdentity(e.cfg.KeyFile, e.cfg.KeyType)
	if err != nil {
		return err
	}
	relay, err := p2pnode.NewRelay(p2pnode.RelayConfig{
		Port:      e.cfg.Port,
		Identity:  priv,
		Unlimited: e.cfg.Unlimited,
	})
	if err != nil {
		return err
	}
	defer relay.Close()

	fmt.Printf("Relay started. Peer ID: %s\n", relay.ID())
	for _, addr := range relay.Addresses() {
		fmt.Printf("  %s\n", addr)
	}
	e.log.Info("relay running", zap.Stringer("peer", relay.ID()), zap.Bool("unlimited", e.cfg.Unlimited))

	<-cmd.Context().Done()
	e.log.Info("relay shutting down")
	return nil
}

func runProbe(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	if err := e.cfg.validateRelay(); err != nil {
		return err
	}
	relayAddr, err := e.cfg.relayAddress()
	if err != nil {
		return err
	}
	h, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		return fmt.Errorf("failed to create probe host: %w", err)
	}
	defer h.Close()

	ctx := cmd.Context()
	if e.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DialTimeout*time.Duration(max(e.cfg.Count, 1)))
		defer cancel()
	}
	rtts, err := p2pnode.ProbeRelay(ctx, h, relayAddr, e.cfg.Count)
	for i, rtt := range rtts {
		fmt.Printf("ping %d: %s\n", i+1, rtt)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to relay node: %w", err)
	}
	fmt.Printf("Relay %s is reachable\n", relayAddr)
	return nil
}
