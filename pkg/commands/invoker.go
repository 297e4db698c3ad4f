// Package commands provides the concrete command kinds run by the engine.
//
// Every kind embeds engine.CommandMeta for its identity and retry metadata and
// delegates the actual work to an Invoker, which knows how to reach a host.
package commands

import (
	"context"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// Invoker executes work on the local machine or on a remote host.
//
// Non-zero exit statuses are reported through CommandOutput.ReturnCode. An
// error means the transport itself failed (connection refused, handshake,
// file not found locally) and is recorded by the engine as an action exception.
type Invoker interface {
	// LocalShell runs args as a local subprocess.
	LocalShell(ctx context.Context, args []string, stdin []byte, env map[string]string) (engine.CommandOutput, error)

	// RemoteShell runs a shell command line on host.
	RemoteShell(ctx context.Context, host inventory.Host, cmd string, env map[string]string) (engine.CommandOutput, error)

	// RemoteCopy uploads localPath to remotePath on host.
	RemoteCopy(ctx context.Context, host inventory.Host, localPath, remotePath string) (engine.CommandOutput, error)

	// FetchURL downloads the body at url.
	FetchURL(ctx context.Context, url string) ([]byte, error)
}
