package commands

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// Command kind names.
const (
	KindShell        = "shell"
	KindCopy         = "copy"
	KindFetch        = "fetch"
	KindVerifyAccess = "verify_access"
	KindScript       = "script"
	KindFunc         = "func"
)

// ShellCommand runs a program with arguments, locally for local hosts and over
// the transport otherwise.
type ShellCommand struct {
	engine.CommandMeta
	invoker Invoker
	args    []string
	env     map[string]string
}

// NewShell creates a command running args.
func NewShell(invoker Invoker, args []string, env map[string]string, opts ...engine.MetaOption) *ShellCommand {
	return &ShellCommand{
		CommandMeta: engine.NewCommandMeta(opts...),
		invoker:     invoker,
		args:        slices.Clone(args),
		env:         maps.Clone(env),
	}
}

// NewShellLine creates a command running line through sh -c.
func NewShellLine(invoker Invoker, line string, env map[string]string, opts ...engine.MetaOption) *ShellCommand {
	return NewShell(invoker, []string{"sh", "-c", line}, env, opts...)
}

// Args returns a copy of the program and its arguments.
func (c *ShellCommand) Args() []string { return slices.Clone(c.args) }

// Env returns a copy of the extra environment.
func (c *ShellCommand) Env() map[string]string { return maps.Clone(c.env) }

// Kind implements engine.Kinded.
func (c *ShellCommand) Kind() string { return KindShell }

// Run implements engine.Command.
func (c *ShellCommand) Run(ctx context.Context, host inventory.Host, logger zerolog.Logger) (engine.CommandOutput, error) {
	if len(c.args) == 0 {
		return engine.CommandOutput{}, fmt.Errorf("shell command has no arguments")
	}

	if host.IsLocal() {
		logger.Debug().Strs("args", c.args).Msg("Running local shell command")
		return c.invoker.LocalShell(ctx, c.args, nil, c.env)
	}

	line := QuoteArgs(c.args)
	logger.Debug().Str("cmd", line).Msg("Running remote shell command")
	return c.invoker.RemoteShell(ctx, host, line, c.env)
}

// String implements engine.Command.
func (c *ShellCommand) String() string {
	return fmt.Sprintf("shell: %s", QuoteArgs(c.args))
}

// QuoteArgs joins args into a POSIX shell command line, quoting where needed.
func QuoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isShellSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_./=:,+@%", r)
}
