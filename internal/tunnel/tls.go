// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tailscale/tscert"
)

// renewThreshold is how far ahead of a client certificate's expiry the
// tunnel requests a fresh one over the tailnet (spec §4.9: "certificates
// approaching expiry, 30-day threshold, trigger an in-band renewal
// request").
const renewThreshold = 30 * 24 * time.Hour

// CertConfig names where the daemon's mTLS identity lives on disk and the
// tailnet hostname tscert should fetch a replacement for, mirroring the
// shape of the teacher's TLS settings (internal/api/tls.go).
type CertConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	TailnetDNS string // domain passed to tscert.CertPair when renewing
}

// certStore holds the daemon's current mTLS identity and refreshes it in
// place so an in-flight tunnel never needs to be torn down for rotation.
type certStore struct {
	cfg CertConfig

	mu   sync.RWMutex
	cert tls.Certificate
	pool *x509.CertPool
}

func newCertStore(cfg CertConfig) (*certStore, error) {
	cs := &certStore{cfg: cfg}
	if err := cs.loadFromDisk(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *certStore) loadFromDisk() error {
	certPath := expandPath(cs.cfg.CertFile)
	keyPath := expandPath(cs.cfg.KeyFile)
	if !fileExists(certPath) || !fileExists(keyPath) {
		return fmt.Errorf("tunnel: mTLS cert/key not found at %s / %s", certPath, keyPath)
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("tunnel: load client keypair: %w", err)
	}

	pool := x509.NewCertPool()
	if caPath := expandPath(cs.cfg.CAFile); caPath != "" && fileExists(caPath) {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return fmt.Errorf("tunnel: read relay CA bundle: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("tunnel: relay CA bundle at %s has no usable certificates", caPath)
		}
	} else {
		pool = nil // fall back to the system pool
	}

	cs.mu.Lock()
	cs.cert = cert
	cs.pool = pool
	cs.mu.Unlock()
	return nil
}

// getClientCertificate backs tls.Config.GetClientCertificate so a rotation
// takes effect on the handshake's next call without restarting the conn.
func (cs *certStore) getClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c := cs.cert
	return &c, nil
}

func (cs *certStore) rootCAs() *x509.CertPool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.pool
}

// nearExpiry reports whether the current leaf certificate is within the
// renewal threshold of its NotAfter.
func (cs *certStore) nearExpiry() bool {
	cs.mu.RLock()
	cert := cs.cert
	cs.mu.RUnlock()
	if len(cert.Certificate) == 0 || cert.Leaf == nil {
		return false
	}
	return time.Until(cert.Leaf.NotAfter) < renewThreshold
}

// renew fetches a fresh keypair for the daemon's tailnet hostname and
// writes it over the on-disk files, then reloads it into the live store so
// the next handshake (or the current conn's renegotiation) picks it up.
func (cs *certStore) renew(ctx context.Context) error {
	if cs.cfg.TailnetDNS == "" {
		return fmt.Errorf("tunnel: no tailnet hostname configured for certificate renewal")
	}
	certPEM, keyPEM, err := tscert.CertPair(ctx, cs.cfg.TailnetDNS)
	if err != nil {
		return fmt.Errorf("tunnel: tscert renewal: %w", err)
	}
	if err := os.WriteFile(expandPath(cs.cfg.CertFile), certPEM, 0o600); err != nil {
		return fmt.Errorf("tunnel: write renewed cert: %w", err)
	}
	if err := os.WriteFile(expandPath(cs.cfg.KeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("tunnel: write renewed key: %w", err)
	}
	return cs.loadFromDisk()
}

// clientTLSConfig builds the tls.Config used to dial the relay, using a
// live GetClientCertificate callback rather than a static Certificates
// slice so renewal hot-swaps without a new tls.Dial.
func (cs *certStore) clientTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:           serverName,
		RootCAs:              cs.rootCAs(),
		GetClientCertificate: cs.getClientCertificate,
		MinVersion:           tls.VersionTLS13,
	}
}

func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
