package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a single SSH connection to one host. It is safe for concurrent
// use; each command runs in its own session.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu            sync.RWMutex
	client        *ssh.Client
	closeAgent    func()
	stopKeepAlive chan struct{}
}

// NewClient validates cfg and returns an unconnected client.
func NewClient(cfg *Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &TransportError{Op: "config", Err: err}
	}
	return &Client{
		config: cfg,
		logger: logger.With().Str("ssh_host", cfg.Address()).Str("ssh_user", cfg.User).Logger(),
	}, nil
}

// Connect establishes the connection. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, closeAgent, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	c.logger.Debug().Msg("Connecting")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address())
	if err != nil {
		closeAgent()
		return &TransportError{
			Op:          "connect",
			Err:         fmt.Errorf("failed to dial %s: %w", c.config.Address(), err),
			IsTemporary: true,
		}
	}

	// The handshake does not take a context; bound it with a deadline.
	deadline := time.Now().Add(c.config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.config.Address(), clientConfig)
	if err != nil {
		conn.Close()
		closeAgent()
		return &TransportError{
			Op:          "connect",
			Err:         fmt.Errorf("ssh handshake failed: %w", err),
			IsTemporary: !isAuthError(err),
			IsAuthError: isAuthError(err),
		}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.closeAgent = closeAgent

	if c.config.KeepAliveInterval > 0 {
		c.stopKeepAlive = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeepAlive)
	}

	c.logger.Info().Msg("SSH connection established")
	return nil
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}

	err := c.client.Close()
	c.client = nil
	c.closeAgent()
	c.closeAgent = nil

	c.logger.Debug().Msg("SSH connection closed")
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether the client holds an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck sends a keepalive request and waits for the reply.
func (c *Client) HealthCheck(ctx context.Context) error {
	client, err := c.getClient()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "health-check", Err: ctx.Err(), IsTemporary: true}
	case err := <-errCh:
		if err != nil {
			return &TransportError{Op: "health-check", Err: err, IsTemporary: true}
		}
		return nil
	}
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Err(err).Msg("Keep-alive failed")
				return
			}
		}
	}
}

func (c *Client) getClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected"), IsTemporary: true}
	}
	return c.client, nil
}

func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
