// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command betcoded is the BetCode daemon: it supervises one claude CLI
// subprocess per session, multiplexes its NDJSON output to observing
// clients, enforces tool-use permissions, and optionally tunnels to a
// relay router.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sakost/betcode/internal/config"
	"github.com/sakost/betcode/internal/daemon"
	"github.com/sakost/betcode/internal/ipc"
	"github.com/sakost/betcode/internal/logging"
	"github.com/sakost/betcode/internal/multiplex"
	"github.com/sakost/betcode/internal/permission"
	"github.com/sakost/betcode/internal/rpc"
	"github.com/sakost/betcode/internal/rules"
	"github.com/sakost/betcode/internal/session"
	"github.com/sakost/betcode/internal/storage"
	"github.com/sakost/betcode/internal/tunnel"
)

var version = "0.1.0"

func main() {
	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "loopback HTTP host (overrides config)")
	flag.IntVar(&port, "port", 0, "loopback HTTP port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "show version")
	flag.Parse()

	if showVersion {
		fmt.Printf("betcoded %s\n", version)
		return
	}

	if configPath == "" {
		found, err := config.NewLoader().FindConfig()
		if err != nil {
			log.Fatalf("betcoded: %v", err)
		}
		configPath = found
	}

	cfg, err := config.NewLoader().LoadWithDefaults(context.Background(), configPath)
	if err != nil {
		log.Fatalf("betcoded: load config: %v", err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	if err := logging.Configure(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File}); err != nil {
		log.Fatalf("betcoded: configure logging: %v", err)
	}

	if err := run(cfg); err != nil {
		logging.Error().Err(err).Msg("betcoded: fatal error")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, storage.Options{Path: cfg.Storage.Path, BusyTimeout: parseDurDefault(cfg.Storage.BusyTimeout, 5*time.Second)})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if err := store.ReconcileAtStartup(ctx, nil); err != nil {
		return fmt.Errorf("reconcile storage at startup: %w", err)
	}

	// session.Manager needs the Multiplexer for compaction notifications,
	// and the Multiplexer needs the Manager's snapshot/detach hooks: tie
	// the knot with a forward reference resolved right after both exist.
	var sessions *session.Manager
	mux := multiplex.New(store,
		func(ctx context.Context, id string) (json.RawMessage, error) { return sessions.SnapshotSessionInfo(ctx, id) },
		func(ctx context.Context, id string, sub multiplex.SubscriberID) { sessions.OnDetach(ctx, id, sub) },
	)
	sessions = session.New(store, mux, nil)

	d := daemon.New(store, mux, sessions, cfg.Agent)

	var watcher *rules.Watcher
	ruleProvider := rules.RuleProvider(func(string) rules.Set { return rules.Set{} })
	if cfg.Rules.Path != "" {
		watcher, err = rules.NewWatcher(cfg.Rules.Path, nil)
		if err != nil {
			return fmt.Errorf("start rule watcher: %w", err)
		}
		defer watcher.Close()
		ruleProvider = watcher.Provider()
	}

	perm := permission.New(store, mux, permission.RuleProvider(ruleProvider), d.ResponseWriterFor, permission.Policy{
		ConnectedTTL:    parseDurDefault(cfg.Rules.ConnectedTTL, 60*time.Second),
		DisconnectedTTL: parseDurDefault(cfg.Rules.DisconnectedTTL, 7*24*time.Hour),
	})
	d.SetPermissions(perm)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go perm.RunExpiryLoop(bgCtx, 30*time.Second)
	go perm.RunReminderLoop(bgCtx, parseDurDefault(cfg.Rules.ReminderEvery, 5*time.Minute), nil)
	go sessions.RunIdleLockSweep(bgCtx, time.Minute)
	go storage.RunPurgeLoop(bgCtx, store, parseDurDefault(cfg.Storage.PurgeInterval, time.Hour), 0)

	deps := rpc.Dependencies{
		Store:            store,
		Mux:              mux,
		Sessions:         sessions,
		Permissions:      perm,
		UserPromptWriter: d.UserPromptWriterFor,
		Interrupt:        d.Interrupt,
		EnsureSession:    d.EnsureSession,
		StopSession:      d.StopSession,
	}
	router := rpc.NewRouter(deps)

	sockPath := cfg.Server.SocketPath
	if sockPath == "" {
		sockPath, err = ipc.ResolvePath()
		if err != nil {
			return fmt.Errorf("resolve ipc socket path: %w", err)
		}
	}
	ipcLn, err := ipc.Listen(sockPath)
	if err != nil {
		return fmt.Errorf("listen on ipc socket %s: %w", sockPath, err)
	}
	logging.Info().Str("socket", sockPath).Msg("betcoded: local control socket listening")

	ipcSrv := &http.Server{Handler: router}
	go func() {
		if err := ipcSrv.Serve(ipcLn); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("betcoded: ipc server exited")
		}
	}()

	var tcpSrv *http.Server
	if cfg.Server.Host != "" && cfg.Server.Port != 0 {
		tcpLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("listen on %s:%d: %w", cfg.Server.Host, cfg.Server.Port, err)
		}
		tcpSrv = &http.Server{Handler: router}
		go func() {
			logging.Info().Str("addr", tcpLn.Addr().String()).Msg("betcoded: loopback HTTP listening")
			if err := tcpSrv.Serve(tcpLn); err != nil && err != http.ErrServerClosed {
				logging.Error().Err(err).Msg("betcoded: tcp server exited")
			}
		}()
	}

	var tclient *tunnel.Client
	if cfg.Tunnel.Enabled {
		tclient, err = tunnel.NewClient(cfg.Tunnel.DaemonID, cfg.Tunnel.RelayAddr, cfg.Tunnel.DaemonID, tunnel.CertConfig{
			CertFile: cfg.Tunnel.CertFile, KeyFile: cfg.Tunnel.KeyFile, CAFile: cfg.Tunnel.CAFile,
		}, d.TunnelHandler(sessions, perm))
		if err != nil {
			return fmt.Errorf("build tunnel client: %w", err)
		}
		go func() {
			if err := tclient.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				logging.Error().Err(err).Msg("betcoded: tunnel client exited")
			}
		}()
	}

	<-ctx.Done()
	logging.Info().Msg("betcoded: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = ipcSrv.Shutdown(shutdownCtx)
	if tcpSrv != nil {
		_ = tcpSrv.Shutdown(shutdownCtx)
	}
	bgCancel()
	return nil
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
