// Package transport owns one TCP connection upgraded in place to TLS and
// exposes byte-level send/receive over the encrypted stream. Certificate
// validation is strict: self-signed chains and hostname mismatches are
// rejected, never downgraded.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// OpError is a socket-level transport failure. It is fatal to the owning
// connection.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *OpError) Unwrap() error { return e.Err }

// CertError is a TLS handshake failure caused by certificate validation.
// It is kept distinct from OpError so callers can refuse to retry against a
// peer whose identity could not be established.
type CertError struct {
	Err error
}

func (e *CertError) Error() string { return fmt.Sprintf("transport certificate rejected: %v", e.Err) }
func (e *CertError) Unwrap() error { return e.Err }

// Config carries the dial target and deadlines for a Conn.
type Config struct {
	Host string
	Port string

	// DialTimeout bounds the TCP connect, HandshakeTimeout the TLS upgrade.
	// Zero values fall back to 10s each.
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// TLSConfig overrides the default (ServerName pinned to Host). Tests use
	// this to trust a local listener; production code leaves it nil.
	TLSConfig *tls.Config
}

// Conn is a TCP connection upgraded to TLS. Reads and writes may proceed
// concurrently with each other, but concurrent writers are serialized so a
// frame in flight never interleaves bytes with another.
type Conn struct {
	cfg Config

	writeMu sync.Mutex
	mu      sync.Mutex
	tcp     net.Conn
	tlsConn *tls.Conn

	connected atomic.Bool
	closed    atomic.Bool
}

// New returns an unconnected Conn for the given target.
func New(cfg Config) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Conn{cfg: cfg}
}

// Connect opens the TCP socket and performs the TLS handshake pinned to the
// configured host. Until the handshake completes the Conn reports not
// connected.
func (c *Conn) Connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	addr := net.JoinHostPort(c.cfg.Host, c.cfg.Port)
	tcp, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &OpError{Op: "dial", Err: err}
	}

	tlsCfg := c.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}
	}
	tlsConn := tls.Client(tcp, tlsCfg)

	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = tcp.Close()
		if isCertificateError(err) {
			return &CertError{Err: err}
		}
		return &OpError{Op: "handshake", Err: err}
	}

	c.mu.Lock()
	c.tcp = tcp
	c.tlsConn = tlsConn
	c.mu.Unlock()
	c.closed.Store(false)
	c.connected.Store(true)
	return nil
}

func isCertificateError(err error) bool {
	var (
		verifyErr *tls.CertificateVerificationError
		authErr   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		invErr    x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) || errors.As(err, &authErr) ||
		errors.As(err, &hostErr) || errors.As(err, &invErr)
}

// Read reads from the encrypted stream. Close unblocks an in-flight read.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	conn := c.tlsConn
	c.mu.Unlock()
	if conn == nil {
		return 0, &OpError{Op: "read", Err: net.ErrClosed}
	}
	n, err := conn.Read(p)
	if err != nil && !c.closed.Load() {
		return n, &OpError{Op: "read", Err: err}
	}
	return n, err
}

// Write writes to the encrypted stream, serializing concurrent writers.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.tlsConn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return 0, &OpError{Op: "write", Err: net.ErrClosed}
	}
	n, err := conn.Write(p)
	if err != nil {
		return n, &OpError{Op: "write", Err: err}
	}
	return n, nil
}

// Close tears down TLS then TCP. It is idempotent on an already closed Conn.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.connected.Store(false)
	c.mu.Lock()
	tlsConn, tcp := c.tlsConn, c.tcp
	c.tlsConn, c.tcp = nil, nil
	c.mu.Unlock()
	var err error
	if tlsConn != nil {
		err = tlsConn.Close()
	} else if tcp != nil {
		err = tcp.Close()
	}
	if err != nil {
		return &OpError{Op: "close", Err: err}
	}
	return nil
}

// Connected reflects both socket and TLS-authenticated state: a socket that
// is connected but not yet through the handshake reports false.
func (c *Conn) Connected() bool {
	return c.connected.Load() && !c.closed.Load()
}
