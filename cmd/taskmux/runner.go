package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/taskmux/taskmux/internal/logging"
	"github.com/taskmux/taskmux/runner"
)

func runRunner(args []string) error {
	fs := flag.NewFlagSet("runner", flag.ExitOnError)
	brokerURL := fs.String("broker", "http://localhost:4590", "broker URL or unix:<socket-path>")
	workspaceID := fs.String("workspace", "", "workspace queue to serve (required)")
	clientID := fs.String("client-id", "", "stable client identity (generated when empty)")
	surface := fs.String("surface", "", "surface type for targeted payloads")
	token := fs.String("token", os.Getenv("TASKMUX_AUTH_TOKEN"), "pre-shared auth token")
	secret := fs.String("secret", os.Getenv("TASKMUX_HMAC_SECRET"), "HMAC challenge secret")
	mode := fs.String("mode", runner.ModeSession, "connection mode: session or poll")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}
	if *workspaceID == "" {
		return fmt.Errorf("-workspace is required")
	}

	logging.PrintBanner("runner", version, *brokerURL)

	cfg := runner.RunConfig{
		BrokerURL:   *brokerURL,
		WorkspaceID: *workspaceID,
		ClientID:    *clientID,
		Surface:     *surface,
		Token:       *token,
		Secret:      *secret,
		Mode:        *mode,
	}
	if path, ok := strings.CutPrefix(*brokerURL, "unix:"); ok {
		cfg.BrokerURL = "http://localhost"
		cfg.HTTPClient = unixSocketClient(path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runner.Run(ctx, cfg)
}

// unixSocketClient returns an HTTP client that dials the given Unix
// socket regardless of the request host. Plain HTTP/1.1 so websocket
// upgrades work over it.
func unixSocketClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}
