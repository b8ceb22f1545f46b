package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/taskmux/taskmux/broker"
	"github.com/taskmux/taskmux/internal/broker/config"
	"github.com/taskmux/taskmux/internal/logging"
	"github.com/taskmux/taskmux/runner"
)

// runStandalone runs a broker and a local runner in one process. The
// runner attaches over the broker's Unix socket, so the TCP listener
// is only needed for external agents and operators.
func runStandalone(args []string) error {
	fs := flag.NewFlagSet("taskmux", flag.ExitOnError)
	addr := fs.String("addr", "", "TCP listen address (default :4590)")
	dataDir := fs.String("data-dir", "", "data directory")
	configPath := fs.String("config", "", "path to YAML config file")
	workspaceID := fs.String("workspace", "default", "workspace queue the local runner serves")
	surface := fs.String("surface", "", "surface type of the local runner")
	showQR := fs.Bool("qr", false, "print the broker URL as a QR code for attaching runners")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	}

	logging.PrintBanner("standalone", version, cfg.Addr)
	logging.PrintAccessURL(cfg.Addr)
	if *showQR {
		printBrokerQR(cfg)
	}

	server, err := broker.NewServer(cfg, version)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the broker in the background.
	var wg sync.WaitGroup
	brokerErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		brokerErrCh <- server.Serve(ctx)
	}()

	// Wait briefly for the broker to start listening on the Unix socket.
	socketPath := server.SocketPath()
	if err := waitForSocket(ctx, socketPath); err != nil {
		stop()
		wg.Wait()
		return fmt.Errorf("wait for broker socket: %w", err)
	}

	slog.Info("standalone runner attaching",
		"workspace_id", *workspaceID,
		"socket", socketPath,
	)

	// Run the local runner in the background. The host in the URL is a
	// placeholder; the Unix socket transport ignores it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx, runner.RunConfig{
			BrokerURL:   "http://localhost",
			WorkspaceID: *workspaceID,
			Surface:     *surface,
			Token:       cfg.AuthToken,
			Secret:      cfg.HMACSecret,
			HTTPClient:  unixSocketClient(socketPath),
		}); err != nil {
			slog.Error("runner error", "error", err)
		}
	}()

	slog.Info("taskmux standalone listening", "addr", cfg.Addr)

	// Wait for broker error or context cancellation.
	select {
	case err := <-brokerErrCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return nil
	}
}

// waitForSocket polls until the Unix socket exists (max ~5 seconds).
func waitForSocket(ctx context.Context, path string) error {
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("socket %s not created in time", path)
}
