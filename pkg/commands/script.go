package commands

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// Script globals read back after execution.
const (
	globalReturnCode = "return_code"
	globalStdout     = "stdout"
	globalStderr     = "stderr"
)

const threadLocalContext = "froyoplay.ctx"

// ScriptCommand runs a Starlark program against a host.
//
// The program sees the predeclared names host (a struct with name, address,
// port and user), shell(cmd) which runs cmd on the host and returns
// struct(rc, stdout, stderr), and any extra vars. The globals return_code,
// stdout and stderr form the command output; return_code defaults to 0 and
// stdout defaults to everything the program printed.
type ScriptCommand struct {
	engine.CommandMeta
	invoker Invoker
	name    string
	source  string
	vars    map[string]interface{}
}

// NewScript creates a script command. name is used in error messages and output.
func NewScript(invoker Invoker, name, source string, vars map[string]interface{}, opts ...engine.MetaOption) *ScriptCommand {
	if name == "" {
		name = "script.star"
	}
	return &ScriptCommand{
		CommandMeta: engine.NewCommandMeta(opts...),
		invoker:     invoker,
		name:        name,
		source:      source,
		vars:        maps.Clone(vars),
	}
}

// Source returns the program text.
func (c *ScriptCommand) Source() string { return c.source }

// Kind implements engine.Kinded.
func (c *ScriptCommand) Kind() string { return KindScript }

// Run implements engine.Command. Evaluation errors, including fail(), are returned as errors.
func (c *ScriptCommand) Run(ctx context.Context, host inventory.Host, logger zerolog.Logger) (engine.CommandOutput, error) {
	var printed strings.Builder

	thread := &starlark.Thread{
		Name: "froyoplay:" + c.name,
		Print: func(_ *starlark.Thread, msg string) {
			printed.WriteString(msg)
			printed.WriteByte('\n')
		},
	}
	thread.SetLocal(threadLocalContext, ctx)

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"host":   hostValue(host),
		"shell":  starlark.NewBuiltin("shell", c.shellBuiltin(host, logger)),
	}
	for key, val := range c.vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return engine.CommandOutput{}, fmt.Errorf("failed to convert var %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	// Cancel the interpreter when the attempt context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFile(thread, c.name, c.source, predeclared)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return engine.CommandOutput{}, fmt.Errorf("starlark execution interrupted: %w", ctxErr)
		}
		return engine.CommandOutput{}, fmt.Errorf("starlark execution failed: %w", err)
	}

	return scriptOutput(globals, printed.String())
}

func scriptOutput(globals starlark.StringDict, printed string) (engine.CommandOutput, error) {
	out := engine.CommandOutput{Stdout: []byte(printed)}

	if v, ok := globals[globalReturnCode]; ok {
		rc, err := starlark.AsInt32(v)
		if err != nil {
			return engine.CommandOutput{}, fmt.Errorf("%s: %w", globalReturnCode, err)
		}
		out.ReturnCode = int32(rc)
	}
	if v, ok := globals[globalStdout]; ok {
		s, ok := starlark.AsString(v)
		if !ok {
			return engine.CommandOutput{}, fmt.Errorf("%s must be a string, got %s", globalStdout, v.Type())
		}
		out.Stdout = []byte(s)
	}
	if v, ok := globals[globalStderr]; ok {
		s, ok := starlark.AsString(v)
		if !ok {
			return engine.CommandOutput{}, fmt.Errorf("%s must be a string, got %s", globalStderr, v.Type())
		}
		out.Stderr = []byte(s)
	}
	return out, nil
}

// shellBuiltin returns the implementation of shell(cmd) bound to host.
func (c *ScriptCommand) shellBuiltin(host inventory.Host, logger zerolog.Logger) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var cmd string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cmd", &cmd); err != nil {
			return nil, err
		}

		ctx, _ := thread.Local(threadLocalContext).(context.Context)
		if ctx == nil {
			ctx = context.Background()
		}

		var (
			out engine.CommandOutput
			err error
		)
		if host.IsLocal() {
			out, err = c.invoker.LocalShell(ctx, []string{"sh", "-c", cmd}, nil, nil)
		} else {
			out, err = c.invoker.RemoteShell(ctx, host, cmd, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("shell(%q): %w", cmd, err)
		}
		logger.Debug().Str("cmd", cmd).Int32("rc", out.ReturnCode).Msg("Script shell call")

		return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"rc":     starlark.MakeInt(int(out.ReturnCode)),
			"stdout": starlark.String(strings.TrimRight(string(out.Stdout), "\n")),
			"stderr": starlark.String(strings.TrimRight(string(out.Stderr), "\n")),
		}), nil
	}
}

// String implements engine.Command.
func (c *ScriptCommand) String() string {
	return "script: " + c.name
}

func hostValue(h inventory.Host) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"name":    starlark.String(h.Name),
		"address": starlark.String(h.Address),
		"port":    starlark.MakeInt(h.Port),
		"user":    starlark.String(h.User),
	})
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
