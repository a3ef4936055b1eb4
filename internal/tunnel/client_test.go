// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// genSelfSigned writes a self-signed cert/key pair to dir and returns their
// paths, good enough to drive a real tls.Listener/tls.Client handshake in
// tests without reaching out to an ACME authority.
func genSelfSigned(t *testing.T, dir, name string, notAfter time.Time) (certPath, keyPath string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{name},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, name+"-cert.pem")
	keyPath = filepath.Join(dir, name+"-key.pem")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())
	return certPath, keyPath
}

func TestClientConnectsAndExchangesFrames(t *testing.T) {
	dir := t.TempDir()
	serverCert, serverKey := genSelfSigned(t, dir, "relay.test", time.Now().Add(24*time.Hour))
	clientCert, clientKey := genSelfSigned(t, dir, "daemon.test", time.Now().Add(24*time.Hour))

	serverPair, err := tls.LoadX509KeyPair(serverCert, serverKey)
	require.NoError(t, err)
	serverCAPEM, err := os.ReadFile(clientCert)
	require.NoError(t, err)
	clientPool := x509.NewCertPool()
	require.True(t, clientPool.AppendCertsFromPEM(serverCAPEM))

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{serverPair},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientPool,
	})
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan Frame, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := json.NewDecoder(conn)
		enc := json.NewEncoder(conn)
		for {
			var f Frame
			if err := dec.Decode(&f); err != nil {
				return
			}
			received <- f
			_ = enc.Encode(Frame{Kind: FrameData})
		}
	}()

	// The relay's own cert must be trusted by the client, so write it as
	// the client's CA bundle too (self-signed round trip for the test).
	relayCAPEM, err := os.ReadFile(serverCert)
	require.NoError(t, err)
	caPath := filepath.Join(dir, "relay-ca.pem")
	require.NoError(t, os.WriteFile(caPath, relayCAPEM, 0o600))

	cl, err := NewClient("daemon-1", ln.Addr().String(), "relay.test", CertConfig{
		CertFile: clientCert,
		KeyFile:  clientKey,
		CAFile:   caPath,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go cl.Run(ctx)

	select {
	case f := <-received:
		assert.Equal(t, FrameBegin, f.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("relay never received the daemon's announce frame")
	}
}

func TestCertStoreNearExpiry(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := genSelfSigned(t, dir, "soon.test", time.Now().Add(time.Hour))

	cs, err := newCertStore(CertConfig{CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	cert.Leaf = leaf

	cs.mu.Lock()
	cs.cert = cert
	cs.mu.Unlock()

	assert.True(t, cs.nearExpiry())
}

func TestExpandPathHandlesHomeDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got := expandPath("~/certs/daemon.pem")
	assert.Equal(t, filepath.Join(home, "certs/daemon.pem"), got)
}
