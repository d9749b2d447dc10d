// Package transport abstracts bidirectional framed communication
// between mesh nodes over a pluggable protocol. Two interchangeable
// backends are provided: a multiplexed gRPC stream and a persistent
// WebSocket. Callers are agnostic to which is active.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/agentmesh-dev/agentmesh/internal/retry"
)

// Protocol selects a transport backend. Selection is static
// configuration; there is no runtime failover between protocols.
type Protocol string

const (
	ProtocolGRPC      Protocol = "grpc"
	ProtocolWebSocket Protocol = "websocket"
)

// Conn is one bidirectional framed connection. The Recv channel closes
// exactly when the connection is dead or closed; a heartbeat monitor
// closes the connection after the miss threshold is exceeded.
type Conn interface {
	// Send delivers one frame, or returns an error (the ack contract).
	Send(ctx context.Context, frame []byte) error

	// Recv returns the inbound frame channel. Heartbeat frames are
	// filtered out before frames reach this channel.
	Recv() <-chan []byte

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens outbound connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept returns the channel of inbound connections. The channel
	// closes when the listener shuts down.
	Accept() <-chan Conn

	// Addr returns the bound listen address.
	Addr() string

	Close() error
}

// Transport is a protocol backend: it can dial out and listen.
type Transport interface {
	Dialer
	Listen(ctx context.Context, addr string) (Listener, error)
}

// TLSConfig holds TLS settings shared by both backends.
type TLSConfig struct {
	// Enabled turns on TLS.
	Enabled bool
	// CertFile is the path to the server certificate.
	CertFile string
	// KeyFile is the path to the server private key.
	KeyFile string
	// CAFile is the path to the CA certificate (for mTLS).
	CAFile string
	// ServerName is used for SNI verification.
	ServerName string
	// InsecureSkipVerify skips certificate verification (development only).
	InsecureSkipVerify bool
}

// Options configures a backend.
type Options struct {
	// HeartbeatInterval is how often a heartbeat is sent on an idle
	// connection. Default 10s.
	HeartbeatInterval time.Duration

	// MissedThreshold is how many heartbeat intervals may elapse without
	// inbound traffic before the connection is marked dead. Default 3.
	MissedThreshold int

	// DialTimeout bounds connection establishment. Default 5s.
	DialTimeout time.Duration

	// Retry governs reconnect backoff for persistent connections.
	Retry retry.Policy

	// TLS enables transport encryption when non-nil and Enabled.
	TLS *TLSConfig
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.MissedThreshold <= 0 {
		o.MissedThreshold = 3
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultPolicy()
	}
	return o
}

// serverTLS builds the server-side tls.Config, or nil when disabled.
func serverTLS(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		caData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tlsCfg.ClientCAs = caPool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

// clientTLS builds the client-side tls.Config, or nil when disabled.
func clientTLS(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}

	if cfg.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}

	if cfg.CAFile != "" {
		caData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tlsCfg.RootCAs = caPool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
