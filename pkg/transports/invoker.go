// Package transports composes the local, SSH and HTTP transports into the
// single invoker used by built-in commands.
package transports

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
	"github.com/openfroyo/froyoplay/pkg/transports/fetch"
	"github.com/openfroyo/froyoplay/pkg/transports/local"
	"github.com/openfroyo/froyoplay/pkg/transports/ssh"
)

// Invoker implements commands.Invoker.
type Invoker struct {
	Local  *local.Shell
	Remote *ssh.Pool
	Fetch  *fetch.Client
}

// New builds an invoker with fresh transports.
func New(settings ssh.Settings, logger zerolog.Logger) *Invoker {
	return &Invoker{
		Local:  local.NewShell(logger),
		Remote: ssh.NewPool(settings, logger),
		Fetch:  fetch.New(logger),
	}
}

// LocalShell runs args as a local subprocess.
func (i *Invoker) LocalShell(ctx context.Context, args []string, stdin []byte, env map[string]string) (engine.CommandOutput, error) {
	return i.Local.Run(ctx, args, stdin, env)
}

// RemoteShell runs cmd on host over SSH.
func (i *Invoker) RemoteShell(ctx context.Context, host inventory.Host, cmd string, env map[string]string) (engine.CommandOutput, error) {
	return i.Remote.Exec(ctx, host, cmd, env)
}

// RemoteCopy uploads localPath to host.
func (i *Invoker) RemoteCopy(ctx context.Context, host inventory.Host, localPath, remotePath string) (engine.CommandOutput, error) {
	return i.Remote.Upload(ctx, host, localPath, remotePath)
}

// FetchURL downloads url.
func (i *Invoker) FetchURL(ctx context.Context, url string) ([]byte, error) {
	return i.Fetch.Get(ctx, url)
}

// Close releases pooled SSH connections.
func (i *Invoker) Close() error {
	return i.Remote.Close()
}
