package config

import (
	"fmt"
	"maps"
	"path/filepath"

	"github.com/openfroyo/froyoplay/pkg/backoff"
	"github.com/openfroyo/froyoplay/pkg/commands"
	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// BuildOptions supply what a playbook file leaves to its environment.
type BuildOptions struct {
	// Invoker runs the built commands.
	Invoker commands.Invoker

	// Defaults fill in host fields the host strings omit.
	Defaults inventory.Defaults

	// BaseDir resolves relative copy sources, usually the file's directory.
	BaseDir string

	// Vars are merged under the file's own vars for script commands.
	Vars map[string]interface{}
}

// Build turns the file into an engine playbook with a fresh ID.
func (pf *PlaybookFile) Build(opts BuildOptions) (engine.Playbook, error) {
	hosts, err := inventory.ParseAll(pf.Hosts, opts.Defaults)
	if err != nil {
		return engine.Playbook{}, err
	}

	vars := maps.Clone(opts.Vars)
	if vars == nil {
		vars = make(map[string]interface{}, len(pf.Vars))
	}
	maps.Copy(vars, pf.Vars)

	cmds := make([]engine.Command, 0, len(pf.Commands))
	for i, spec := range pf.Commands {
		cmd, err := spec.build(opts, vars)
		if err != nil {
			return engine.Playbook{}, fmt.Errorf("commands[%d]: %w", i, err)
		}
		cmds = append(cmds, cmd)
	}

	name := pf.Name
	if name == "" {
		name = "playbook"
	}
	return engine.NewPlaybook(name, hosts, cmds), nil
}

func (c CommandSpec) build(opts BuildOptions, vars map[string]interface{}) (engine.Command, error) {
	meta, err := c.metaOptions()
	if err != nil {
		return nil, err
	}

	switch c.Action() {
	case "shell":
		return commands.NewShell(opts.Invoker, c.Shell, c.Env, meta...), nil
	case "copy":
		return commands.NewCopy(opts.Invoker, resolvePath(opts.BaseDir, c.Copy.From), c.Copy.To, meta...), nil
	case "fetch":
		return commands.NewCopyFromURL(opts.Invoker, c.Fetch.URL, c.Fetch.To, meta...), nil
	case "verify_access":
		return commands.NewVerifyAccess(opts.Invoker, meta...), nil
	case "script":
		name := c.ID
		if name == "" {
			name = "inline.star"
		}
		return commands.NewScript(opts.Invoker, name, c.Script, vars, meta...), nil
	default:
		return nil, fmt.Errorf("exactly one action is required")
	}
}

func (c CommandSpec) metaOptions() ([]engine.MetaOption, error) {
	opts := []engine.MetaOption{
		engine.WithIgnoreFailure(c.IgnoreFailure),
		engine.WithTimeout(c.Timeout.Std()),
	}
	if c.ID != "" {
		opts = append(opts, engine.WithID(engine.CommandID(c.ID)))
	}
	if c.Retry != nil {
		b, err := c.Retry.Backoff()
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithRetry(b))
	}
	return opts, nil
}

// Backoff converts the retry settings to a retry policy.
func (r RetrySpec) Backoff() (backoff.Backoff, error) {
	strategy, err := backoff.Parse(r.Strategy, r.Delay.Std(), r.Increment.Std(), r.MaxDelay.Std())
	if err != nil {
		return backoff.Backoff{}, err
	}
	return backoff.New(r.MaxRetries, strategy), nil
}

func resolvePath(base, p string) string {
	if base == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
