package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskmux/taskmux/broker"
	"github.com/taskmux/taskmux/internal/broker/config"
	"github.com/taskmux/taskmux/internal/logging"
)

func runBroker(args []string) error {
	fs := flag.NewFlagSet("broker", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (default :4590)")
	dataDir := fs.String("data-dir", "", "data directory")
	configPath := fs.String("config", "", "path to YAML config file")
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
	// Flags override file and environment values.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	}

	logging.PrintBanner("broker", version, cfg.Addr)
	logging.PrintAccessURL(cfg.Addr)
	if *showQR {
		printBrokerQR(cfg)
	}

	server, err := broker.NewServer(cfg, version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}

// printBrokerQR renders the broker URL as a terminal QR code so a
// runner on another device can attach without typing it. Wildcard
// listen hosts are resolved to a LAN address, which is what a second
// device actually needs to dial.
func printBrokerQR(cfg *config.Config) {
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = lanIP()
	}
	logging.PrintQRCode(fmt.Sprintf("http://%s", net.JoinHostPort(host, port)))
	if !cfg.DevMode() {
		fmt.Fprintf(os.Stderr, "  runners must pass -token and -secret\n\n")
	}
}

// lanIP returns the first non-loopback IPv4 address of this machine,
// falling back to localhost.
func lanIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "localhost"
}
