package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// CopyCommand uploads a local file to a path on the host.
type CopyCommand struct {
	engine.CommandMeta
	invoker    Invoker
	localPath  string
	remotePath string
}

// NewCopy creates a command copying localPath to remotePath.
func NewCopy(invoker Invoker, localPath, remotePath string, opts ...engine.MetaOption) *CopyCommand {
	return &CopyCommand{
		CommandMeta: engine.NewCommandMeta(opts...),
		invoker:     invoker,
		localPath:   localPath,
		remotePath:  remotePath,
	}
}

// LocalPath returns the source path.
func (c *CopyCommand) LocalPath() string { return c.localPath }

// RemotePath returns the destination path.
func (c *CopyCommand) RemotePath() string { return c.remotePath }

// Kind implements engine.Kinded.
func (c *CopyCommand) Kind() string { return KindCopy }

// Run implements engine.Command.
func (c *CopyCommand) Run(ctx context.Context, host inventory.Host, logger zerolog.Logger) (engine.CommandOutput, error) {
	return copyTo(ctx, c.invoker, host, c.localPath, c.remotePath, logger)
}

// String implements engine.Command.
func (c *CopyCommand) String() string {
	return fmt.Sprintf("copy: %s -> %s", c.localPath, c.remotePath)
}

// copyTo copies a local file to host; local hosts copy through a cp subprocess.
func copyTo(
	ctx context.Context,
	invoker Invoker,
	host inventory.Host,
	localPath, remotePath string,
	logger zerolog.Logger,
) (engine.CommandOutput, error) {
	if _, err := os.Stat(localPath); err != nil {
		return engine.CommandOutput{}, fmt.Errorf("copy source: %w", err)
	}

	logger.Debug().Str("from", localPath).Str("to", remotePath).Msg("Copying file")

	if host.IsLocal() {
		return invoker.LocalShell(ctx, []string{"cp", localPath, remotePath}, nil, nil)
	}
	return invoker.RemoteCopy(ctx, host, localPath, remotePath)
}
