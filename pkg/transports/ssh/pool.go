package ssh

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// Pool keeps one Client per host, connecting on first use. A client whose
// command fails with a temporary transport error is dropped so the next
// attempt reconnects.
type Pool struct {
	settings Settings
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[inventory.Host]*Client
	closed  bool
}

// NewPool creates an empty pool.
func NewPool(settings Settings, logger zerolog.Logger) *Pool {
	return &Pool{
		settings: settings,
		logger:   logger.With().Str("component", "ssh-pool").Logger(),
		clients:  make(map[inventory.Host]*Client),
	}
}

// Client returns the connected client for host.
func (p *Pool) Client(ctx context.Context, host inventory.Host) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &TransportError{Op: "connect", Err: errors.New("pool closed")}
	}
	client, ok := p.clients[host]
	if !ok {
		var err error
		client, err = NewClient(ConfigForHost(host, p.settings), p.logger)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.clients[host] = client
	}
	p.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		p.evict(host, client)
		return nil, err
	}
	return client, nil
}

// Exec runs cmd on host and converts the result to a command output.
func (p *Pool) Exec(ctx context.Context, host inventory.Host, cmd string, env map[string]string) (engine.CommandOutput, error) {
	client, err := p.Client(ctx, host)
	if err != nil {
		return engine.CommandOutput{}, err
	}

	res, err := client.Exec(ctx, cmd, env)
	if err != nil {
		if IsTemporary(err) {
			p.evict(host, client)
		}
		return engine.CommandOutput{}, err
	}
	return engine.CommandOutput{
		ReturnCode: int32(res.ExitCode),
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
	}, nil
}

// Upload copies a local file to host.
func (p *Pool) Upload(ctx context.Context, host inventory.Host, localPath, remotePath string) (engine.CommandOutput, error) {
	client, err := p.Client(ctx, host)
	if err != nil {
		return engine.CommandOutput{}, err
	}

	if _, err := client.Upload(ctx, localPath, remotePath); err != nil {
		if IsTemporary(err) {
			p.evict(host, client)
		}
		return engine.CommandOutput{}, err
	}
	return engine.CommandOutput{}, nil
}

// Len returns the number of pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close disconnects every client. Later calls to Client fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[inventory.Host]*Client)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) evict(host inventory.Host, client *Client) {
	p.mu.Lock()
	if p.clients[host] == client {
		delete(p.clients, host)
	}
	p.mu.Unlock()
	_ = client.Disconnect()
}
