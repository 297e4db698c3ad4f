package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoplay/pkg/config"
	"github.com/openfroyo/froyoplay/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a playbook file",
		Long: `Parse a playbook file and evaluate the admission policies against it.

This command checks:
  - YAML, JSON or CUE syntax
  - Playbook structure (hosts, exactly one action per command, retry settings)
  - Host strings
  - Policy compliance (built-in and configured rego policies)

Nothing is run. The exit status is non-zero when the playbook would be rejected.`,
		Example: `  # Validate a playbook
  froyoplay validate site.yaml

  # Validate against an extra policy directory
  froyoplay validate site.cue --policy ./policies`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := newApp(ctx, appOptions{
				policyPaths:    policyPaths,
				withoutInvoker: true,
				withoutJournal: true,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			pf, err := config.NewLoader().LoadFile(args[0])
			if err != nil {
				return err
			}
			pb, err := pf.Build(config.BuildOptions{Defaults: a.settings.HostDefaults()})
			if err != nil {
				return err
			}
			if err := pb.Validate(); err != nil {
				return err
			}

			result, err := a.policies.Evaluate(ctx, pb)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else {
				writeValidation(cmd, pf.Name, len(pb.Hosts), len(pb.Commands), result)
			}

			if !result.Allowed {
				return fmt.Errorf("playbook rejected by %d policy violation(s)", len(result.Blocking()))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&policyPaths, "policy", "p", nil, "additional .rego policy file or directory (repeatable)")

	return cmd
}

func writeValidation(cmd *cobra.Command, name string, hosts, commands int, result *policy.Result) {
	out := cmd.OutOrStdout()
	if name == "" {
		name = "playbook"
	}
	verdict := "admitted"
	if !result.Allowed {
		verdict = "rejected"
	}
	fmt.Fprintf(out, "%s: %d host(s), %d command(s), %s\n", name, hosts, commands, verdict)
	for _, v := range result.Violations {
		line := fmt.Sprintf("  [%s] %s: %s", v.Severity, v.Policy, v.Message)
		if v.Command != "" {
			line += " (command " + v.Command + ")"
		}
		fmt.Fprintln(out, line)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}
}
