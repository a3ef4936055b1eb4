// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command betcode-relay is the optional router that lets a remote
// client reach a daemon it cannot dial directly, terminating daemon
// tunnels over mutual TLS and buffering traffic for daemons that are
// temporarily offline.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sakost/betcode/internal/config"
	"github.com/sakost/betcode/internal/logging"
	"github.com/sakost/betcode/internal/relay"
	"github.com/sakost/betcode/internal/storage"
)

var version = "0.1.0"

func main() {
	var (
		configPath  string
		listenAddr  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&listenAddr, "listen", "", "mTLS listen address (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "show version")
	flag.Parse()

	if showVersion {
		fmt.Printf("betcode-relay %s\n", version)
		return
	}

	if configPath == "" {
		found, err := config.NewLoader().FindConfig()
		if err != nil {
			log.Fatalf("betcode-relay: %v", err)
		}
		configPath = found
	}

	cfg, err := config.NewLoader().LoadWithDefaults(context.Background(), configPath)
	if err != nil {
		log.Fatalf("betcode-relay: load config: %v", err)
	}
	if listenAddr != "" {
		cfg.Relay.ListenAddr = listenAddr
	}

	if err := logging.Configure(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File}); err != nil {
		log.Fatalf("betcode-relay: configure logging: %v", err)
	}

	if err := run(cfg); err != nil {
		logging.Error().Err(err).Msg("betcode-relay: fatal error")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Relay.ListenAddr == "" {
		return fmt.Errorf("relay.listen_addr is required")
	}

	store, err := storage.Open(ctx, storage.Options{Path: cfg.Storage.Path, BusyTimeout: parseDurDefault(cfg.Storage.BusyTimeout, 5*time.Second)})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	tlsConfig, err := serverTLSConfig(cfg.Relay.CertFile, cfg.Relay.KeyFile, cfg.Relay.ClientCAFile)
	if err != nil {
		return fmt.Errorf("build relay tls config: %w", err)
	}

	registry := relay.NewRegistry()
	router := relay.NewRouter(store, registry)
	srv := relay.NewServer(tlsConfig, router)

	ln, err := net.Listen("tcp", cfg.Relay.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Relay.ListenAddr, err)
	}
	logging.Info().Str("addr", cfg.Relay.ListenAddr).Msg("betcode-relay: mTLS listener up")

	purgeInterval := parseDurDefault(cfg.Storage.PurgeInterval, time.Hour)
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go storage.RunPurgeLoop(bgCtx, store, purgeInterval, 0)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(bgCtx, ln) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && bgCtx.Err() == nil {
			return fmt.Errorf("relay serve: %w", err)
		}
	}

	logging.Info().Msg("betcode-relay: shutting down")
	bgCancel()
	_ = ln.Close()
	return nil
}

// serverTLSConfig builds the relay's listening-side mTLS config: its own
// server identity plus a client CA pool so only daemons holding a cert
// issued by the expected CA can complete the handshake (spec §4.9's
// "mutual TLS" requirement).
func serverTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load relay server keypair: %w", err)
	}

	pool := x509.NewCertPool()
	pem, err := os.ReadFile(clientCAFile)
	if err != nil {
		return nil, fmt.Errorf("read client ca bundle: %w", err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client ca bundle at %s has no usable certificates", clientCAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func parseDurDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
