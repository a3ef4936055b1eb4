// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/sakost/betcode/internal/logging"
	"github.com/sakost/betcode/internal/tunnel"
)

// defaultMaxDaemonConns bounds how many simultaneous daemon tunnels a relay
// process accepts, so one misbehaving daemon fleet can't exhaust file
// descriptors for the rest.
const defaultMaxDaemonConns = 4096

// Server terminates daemon tunnel connections over mutual TLS and hands
// each one to the Router. One goroutine per connection reads frames and
// forwards them; writes go straight out over the connection (jsonConn
// satisfies Sender).
type Server struct {
	TLSConfig *tls.Config
	Router    *Router

	// OnFrame, if set, is invoked for every non-heartbeat frame a daemon
	// sends upstream (e.g. a session Event bound for a remote client).
	OnFrame func(daemonID string, f tunnel.Frame)

	// MaxConnections caps concurrent accepted daemon tunnels; <=0 uses
	// defaultMaxDaemonConns.
	MaxConnections int
}

// NewServer builds a relay listener front-end.
func NewServer(tlsConfig *tls.Config, router *Router) *Server {
	return &Server{TLSConfig: tlsConfig, Router: router}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	max := s.MaxConnections
	if max <= 0 {
		max = defaultMaxDaemonConns
	}
	ln = netutil.LimitListener(ln, max)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// jsonConn adapts a net.Conn into the tunnel.Frame Sender the registry and
// router expect, serializing concurrent writers the same way
// tunnel.Client.writeFrame does on the daemon side.
type jsonConn struct {
	conn net.Conn
	mu   sync.Mutex
	enc  *json.Encoder
}

func (j *jsonConn) Send(f tunnel.Frame) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(f)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		tlsConn = tls.Server(conn, s.TLSConfig)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		logging.Warn().Err(err).Msg("relay: mTLS handshake failed")
		return
	}

	dec := json.NewDecoder(tlsConn)
	jc := &jsonConn{conn: tlsConn, enc: json.NewEncoder(tlsConn)}

	var daemonID string
	var announce tunnel.Frame
	if err := dec.Decode(&announce); err != nil {
		logging.Warn().Err(err).Msg("relay: connection closed before announce frame")
		return
	}
	var body struct {
		DaemonID string `json:"daemon_id"`
	}
	_ = json.Unmarshal(announce.Payload, &body)
	if body.DaemonID == "" {
		logging.Warn().Msg("relay: announce frame missing daemon_id, dropping connection")
		return
	}
	daemonID = body.DaemonID

	s.Router.registry.Register(daemonID, jc)
	logging.Info().Str("daemon_id", daemonID).Msg("relay: daemon tunnel connected")
	defer s.Router.registry.Unregister(daemonID, jc)

	if err := s.Router.Flush(ctx, daemonID); err != nil {
		logging.Warn().Str("daemon_id", daemonID).Err(err).Msg("relay: initial buffer flush failed")
	}

	for {
		var f tunnel.Frame
		if err := dec.Decode(&f); err != nil {
			logging.Info().Str("daemon_id", daemonID).Err(err).Msg("relay: daemon tunnel disconnected")
			return
		}
		if f.Kind == tunnel.FrameData && f.RequestID == "" {
			// heartbeat ping
			_ = jc.Send(tunnel.Frame{Kind: tunnel.FrameData})
			continue
		}
		if s.OnFrame != nil {
			s.OnFrame(daemonID, f)
		}
	}
}
