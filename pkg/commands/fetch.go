package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// CopyFromURLCommand downloads a URL on the engine's machine and copies the
// body to a path on the host.
type CopyFromURLCommand struct {
	engine.CommandMeta
	invoker    Invoker
	url        string
	remotePath string
}

// NewCopyFromURL creates a command placing the body of url at remotePath.
func NewCopyFromURL(invoker Invoker, url, remotePath string, opts ...engine.MetaOption) *CopyFromURLCommand {
	return &CopyFromURLCommand{
		CommandMeta: engine.NewCommandMeta(opts...),
		invoker:     invoker,
		url:         url,
		remotePath:  remotePath,
	}
}

// URL returns the source URL.
func (c *CopyFromURLCommand) URL() string { return c.url }

// RemotePath returns the destination path.
func (c *CopyFromURLCommand) RemotePath() string { return c.remotePath }

// Kind implements engine.Kinded.
func (c *CopyFromURLCommand) Kind() string { return KindFetch }

// Run implements engine.Command.
func (c *CopyFromURLCommand) Run(ctx context.Context, host inventory.Host, logger zerolog.Logger) (engine.CommandOutput, error) {
	body, err := c.invoker.FetchURL(ctx, c.url)
	if err != nil {
		return engine.CommandOutput{}, fmt.Errorf("fetch %s: %w", c.url, err)
	}
	logger.Debug().Str("url", c.url).Int("bytes", len(body)).Msg("Fetched URL")

	tmp, err := os.CreateTemp("", "froyoplay-fetch-*")
	if err != nil {
		return engine.CommandOutput{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return engine.CommandOutput{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return engine.CommandOutput{}, fmt.Errorf("close temp file: %w", err)
	}

	return copyTo(ctx, c.invoker, host, tmp.Name(), c.remotePath, logger)
}

// String implements engine.Command.
func (c *CopyFromURLCommand) String() string {
	return fmt.Sprintf("fetch: %s -> %s", c.url, c.remotePath)
}
