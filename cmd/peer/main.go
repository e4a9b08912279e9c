// Command peer runs one node of an ordercluster: a LAN-scoped,
// totally-ordered broadcast cluster using Bully leader election over
// UDP and a reliable TCP stream for ordered delivery. Grounded on
// pulsardb/cmd/main.go's config-load/build-services/start/wait-for-
// signal/graceful-stop shape.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ordercluster/internal/config"
	"ordercluster/internal/logging"
	"ordercluster/internal/metrics"
	"ordercluster/internal/peer"
	"ordercluster/internal/sink"
)

func main() {
	var (
		id      = flag.Uint64("id", 0, "this node's id (must be unique on the network)")
		role    = flag.String("role", "follower", "starting role: leader or follower")
		tcpPort = flag.Int("tcp-port", 0, "TCP port this peer listens on when it becomes Leader")
		profile = flag.String("profile", "", "config profile override (defaults to the value in application.yml)")
		stdinUI = flag.Bool("stdin", false, "read lines from stdin and submit each as a payload")
	)
	flag.Parse()

	if *id == 0 {
		fmt.Fprintln(os.Stderr, "peer: -id is required and must be nonzero")
		os.Exit(2)
	}
	if *tcpPort == 0 {
		*tcpPort = 38000 + int(*id)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "peer: failed to load config:", err)
		os.Exit(1)
	}
	if *profile != "" {
		cfg.App.Profile = *profile
	}

	logging.Init(cfg.App.LogLevel)
	slog.Info("starting peer", "id", *id, "role", *role, "tcp_port", *tcpPort, "profile", cfg.App.Profile)

	startRole := peer.RoleFollower
	if *role == "leader" {
		startRole = peer.RoleLeader
	}

	p, err := peer.New(cfg, peer.Options{
		ID:      *id,
		Role:    startRole,
		TCPPort: *tcpPort,
		WALDir:  cfg.WAL.Dir,
		Sink:    sink.LogSink{},
	})
	if err != nil {
		slog.Error("failed to build peer", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Address, peerStatus{p})
		if err := metricsServer.Start(); err != nil {
			slog.Error("failed to start metrics server", "error", err)
		}
	}

	if *stdinUI {
		go submitFromStdin(ctx, p)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping peer")
	if err := <-runErr; err != nil {
		slog.Error("peer shutdown error", "error", err)
	}

	if metricsServer != nil {
		metricsServer.Stop()
	}
	slog.Info("peer process exiting")
}

// peerStatus adapts a *peer.Peer to metrics.StatusProvider without
// metrics importing peer, which already imports metrics the other way.
type peerStatus struct{ p *peer.Peer }

func (s peerStatus) ID() uint64    { return s.p.ID() }
func (s peerStatus) Role() string  { return s.p.Role().String() }
func (s peerStatus) Epoch() uint64 { return s.p.Epoch() }

// submitFromStdin is a minimal interactive UI for demos: every line
// typed is submitted as one payload. This exists only so the binary
// is runnable end to end without a separate client.
func submitFromStdin(ctx context.Context, p *peer.Peer) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := p.Submit([]byte(line)); err != nil {
			slog.Warn("submit failed", "error", err)
		}
	}
}
