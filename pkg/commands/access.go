package commands

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

const accessProbe = "hello"

// VerifyAccessCommand checks that the host accepts commands by echoing a probe.
type VerifyAccessCommand struct {
	engine.CommandMeta
	invoker Invoker
}

// NewVerifyAccess creates an access check.
func NewVerifyAccess(invoker Invoker, opts ...engine.MetaOption) *VerifyAccessCommand {
	return &VerifyAccessCommand{
		CommandMeta: engine.NewCommandMeta(opts...),
		invoker:     invoker,
	}
}

// Kind implements engine.Kinded.
func (c *VerifyAccessCommand) Kind() string { return KindVerifyAccess }

// Run implements engine.Command. The output succeeds only when the host echoed the probe back.
func (c *VerifyAccessCommand) Run(ctx context.Context, host inventory.Host, logger zerolog.Logger) (engine.CommandOutput, error) {
	var (
		out engine.CommandOutput
		err error
	)
	if host.IsLocal() {
		out, err = c.invoker.LocalShell(ctx, []string{"echo", accessProbe}, nil, nil)
	} else {
		out, err = c.invoker.RemoteShell(ctx, host, "echo '"+accessProbe+"'", nil)
	}
	if err != nil {
		return out, err
	}

	if out.ReturnCode == 0 && strings.TrimSpace(string(out.Stdout)) != accessProbe {
		logger.Warn().Str("stdout", string(out.Stdout)).Msg("Access probe returned unexpected output")
		out.ReturnCode = 1
		out.Stderr = append(out.Stderr, []byte("unexpected access probe output\n")...)
	}
	return out, nil
}

// String implements engine.Command.
func (c *VerifyAccessCommand) String() string {
	return "verify access"
}
