// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/sakost/betcode/internal/logging"
)

const (
	heartbeatInterval = 20 * time.Second
	heartbeatTimeout  = 15 * time.Second
	maxBackoff        = 60 * time.Second
)

// RequestHandler processes an inbound BEGIN frame from the relay — a
// remote client's RPC call routed over the tunnel to a local session — and
// streams DATA/END/ERROR frames back via reply.
type RequestHandler func(ctx context.Context, f Frame, reply func(Frame) error)

// Client maintains the daemon's outbound tunnel to the relay (spec §4.9):
// one persistent mTLS stream, reconnected with backoff, carrying
// BEGIN/DATA/END/ERROR frames multiplexed by request_id.
type Client struct {
	DaemonID   string
	RelayAddr  string
	ServerName string

	certs   *certStore
	handler RequestHandler

	mu    sync.RWMutex
	state State
	conn  net.Conn
	enc   *json.Encoder
	connWriteMu sync.Mutex

	lastPong time.Time
}

// NewClient builds a tunnel client. handler is invoked for every inbound
// BEGIN frame; it must not block the read loop for long.
func NewClient(daemonID, relayAddr, serverName string, certCfg CertConfig, handler RequestHandler) (*Client, error) {
	cs, err := newCertStore(certCfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		DaemonID:   daemonID,
		RelayAddr:  relayAddr,
		ServerName: serverName,
		certs:      cs,
		handler:    handler,
		state:      StateDisconnected,
	}, nil
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		logging.Info().Str("from", string(prev)).Str("to", string(s)).Msg("tunnel: state transition")
	}
}

// Run dials and maintains the tunnel until ctx is cancelled, reconnecting
// with exponential backoff (1s doubling to a 60s cap, ±20% jitter) on every
// drop (spec §4.9).
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = maxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // retry forever until ctx is cancelled

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		c.setState(StateReconnecting)
		wait := bo.NextBackOff()
		logging.Warn().Err(err).Dur("retry_in", wait).Msg("tunnel: connection lost, reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		}
	}
}

// runOnce dials, handshakes, and serves one connection lifetime.
func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	raw, err := dialer.DialContext(ctx, "tcp", c.RelayAddr)
	if err != nil {
		return fmt.Errorf("tunnel: dial relay: %w", err)
	}

	c.setState(StateAuthenticating)
	tlsConn := tls.Client(raw, c.certs.clientTLSConfig(c.ServerName))
	hctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = tlsConn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		raw.Close()
		return fmt.Errorf("tunnel: mTLS handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.enc = json.NewEncoder(tlsConn)
	c.lastPong = time.Now()
	c.mu.Unlock()
	defer func() {
		tlsConn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.announce(); err != nil {
		return err
	}
	c.setState(StateConnected)
	logging.Info().Str("relay", c.RelayAddr).Msg("tunnel: connected")

	// The reader, heartbeat, and cert-renewal tasks share this connection's
	// lifetime: the first one to fail tears down the group's context, which
	// unblocks the other two (spec §4.9 treats a dead heartbeat and a dead
	// read loop identically — both mean "reconnect").
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return c.readLoop(egCtx, tlsConn) })
	eg.Go(func() error { return c.heartbeatLoop(egCtx) })
	eg.Go(func() error { return c.renewalLoop(egCtx) })
	// readLoop's Decode blocks on the socket with no regard for egCtx, so a
	// heartbeat timeout or renewal failure needs to close the conn itself
	// to unblock it once the group starts tearing down.
	eg.Go(func() error {
		<-egCtx.Done()
		tlsConn.Close()
		return nil
	})

	return eg.Wait()
}

// announce sends the daemon's identity as the tunnel's first frame so the
// relay can register it in the daemon_id -> tunnel table.
func (c *Client) announce() error {
	return c.writeFrame(Frame{RequestID: "", Kind: FrameBegin, Payload: mustJSON(map[string]string{
		"daemon_id": c.DaemonID,
	})})
}

func (c *Client) writeFrame(f Frame) error {
	c.connWriteMu.Lock()
	defer c.connWriteMu.Unlock()
	c.mu.RLock()
	enc := c.enc
	c.mu.RUnlock()
	if enc == nil {
		return fmt.Errorf("tunnel: not connected")
	}
	return enc.Encode(f)
}

// Send writes a frame originating locally (e.g. relaying a session Event
// out to a remote client). Safe to call from any goroutine; returns an
// error if the tunnel is currently down so the caller can buffer/retry.
func (c *Client) Send(f Frame) error {
	return c.writeFrame(f)
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var f Frame
		if err := dec.Decode(&f); err != nil {
			return fmt.Errorf("tunnel: read frame: %w", err)
		}

		if f.Kind == FrameData && f.RequestID == "" {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			continue
		}

		if c.handler == nil {
			continue
		}
		handler := c.handler
		go handler(ctx, f, c.Send)
	}
}

// heartbeatLoop sends an application-level ping every 20s and tears down
// the connection if no pong arrives within 15s (spec §4.9).
func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.writeFrame(Frame{Kind: FrameData, Payload: mustJSON(map[string]string{"ping": "1"})}); err != nil {
				return err
			}
			c.mu.RLock()
			last := c.lastPong
			c.mu.RUnlock()
			if time.Since(last) > heartbeatInterval+heartbeatTimeout {
				return fmt.Errorf("tunnel: heartbeat timeout, no pong in %s", heartbeatTimeout)
			}
		}
	}
}

// renewalLoop checks the client certificate's expiry every few minutes and
// triggers an in-band renewal well ahead of it, without tearing down the
// connection (spec §4.9).
func (c *Client) renewalLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.certs.nearExpiry() {
				continue
			}
			if err := c.certs.renew(ctx); err != nil {
				logging.Warn().Err(err).Msg("tunnel: certificate renewal failed, will retry")
				continue
			}
			logging.Info().Msg("tunnel: certificate renewed in-band")
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
