package commands

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// RunFunc is the body of a FuncCommand.
type RunFunc func(ctx context.Context, host inventory.Host, logger zerolog.Logger) (engine.CommandOutput, error)

// FuncCommand wraps a Go function as a command. Embedding programs use it for
// synthetic steps that need no transport.
type FuncCommand struct {
	engine.CommandMeta
	name string
	fn   RunFunc
}

// NewFunc creates a command running fn.
func NewFunc(name string, fn RunFunc, opts ...engine.MetaOption) *FuncCommand {
	return &FuncCommand{
		CommandMeta: engine.NewCommandMeta(opts...),
		name:        name,
		fn:          fn,
	}
}

// Kind implements engine.Kinded.
func (c *FuncCommand) Kind() string { return KindFunc }

// Run implements engine.Command.
func (c *FuncCommand) Run(ctx context.Context, host inventory.Host, logger zerolog.Logger) (engine.CommandOutput, error) {
	return c.fn(ctx, host, logger)
}

// String implements engine.Command.
func (c *FuncCommand) String() string {
	return "func: " + c.name
}
