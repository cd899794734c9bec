package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over a single SSH connection.
type SSHClient struct {
	config *Config

	mu          sync.Mutex
	client      *ssh.Client
	connectedAt time.Time
}

var _ Transport = (*SSHClient)(nil)

// Dial validates config and connects to the remote host.
func Dial(ctx context.Context, config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: config.Host, Err: err, IsAuthError: true}
	}

	address := config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: config.Host, Err: err, IsTemporary: true}
	}

	// The handshake ignores ctx, so bound it with a deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(config.ConnectionTimeout))
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake", Host: config.Host, Err: err, IsAuthError: true}
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug().Str("address", address).Msg("SSH connection established")

	return &SSHClient{
		config:      config,
		client:      ssh.NewClient(ncc, chans, reqs),
		connectedAt: time.Now(),
	}, nil
}

// Close closes the SSH connection.
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Host: c.config.Host, Err: err}
	}
	return nil
}

// ConnectedAt returns when the connection was established.
func (c *SSHClient) ConnectedAt() time.Time {
	return c.connectedAt
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: "get-client", Host: c.config.Host, Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}
