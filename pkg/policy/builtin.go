package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveCommandsPolicy(),
		retryLimitsPolicy(),
		fetchSourcesPolicy(),
	}
}

// destructiveCommandsPolicy rejects commands that wipe the root filesystem or disks.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        "destructive-commands",
		Description: "Rejects shell commands and scripts that destroy the root filesystem or block devices",
		Severity:    SeverityCritical,
		Enabled:     true,
		Rego: `package froyoplay.policies.destructive

import rego.v1

patterns := [
	` + "`" + `rm\s+-(rf|fr|Rf|fR)\s+/(\*)?(\s|'|"|$)` + "`" + `,
	` + "`" + `(^|\s)mkfs(\.[a-z0-9]+)?\s` + "`" + `,
	` + "`" + `(^|\s)dd\s.*of=/dev/(sd|nvme|xvd|vd)` + "`" + `,
]

deny contains violation if {
	some cmd in input.playbook.commands
	cmd.kind == "shell"
	line := concat(" ", cmd.args)
	some pattern in patterns
	regex.match(pattern, line)
	violation := {
		"message": sprintf("command %s runs a destructive operation: %s", [cmd.id, line]),
		"severity": "critical",
		"command": cmd.id,
	}
}

deny contains violation if {
	some cmd in input.playbook.commands
	cmd.kind == "script"
	some pattern in patterns
	regex.match(pattern, cmd.script)
	violation := {
		"message": sprintf("script %s contains a destructive operation", [cmd.id]),
		"severity": "critical",
		"command": cmd.id,
	}
}
`,
	}
}

// retryLimitsPolicy bounds retry budgets.
func retryLimitsPolicy() Policy {
	return Policy{
		Name:        "retry-limits",
		Description: "Limits retries per command and flags unbounded retried commands",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package froyoplay.policies.retries

import rego.v1

max_retries := 20

deny contains violation if {
	some cmd in input.playbook.commands
	cmd.max_retries > max_retries
	violation := {
		"message": sprintf("command %s retries %d times, limit is %d", [cmd.id, cmd.max_retries, max_retries]),
		"severity": "error",
		"command": cmd.id,
	}
}

deny contains violation if {
	some cmd in input.playbook.commands
	cmd.max_retries > 0
	cmd.timeout_seconds == 0
	violation := {
		"message": sprintf("command %s is retried but has no timeout", [cmd.id]),
		"severity": "warning",
		"command": cmd.id,
	}
}
`,
	}
}

// fetchSourcesPolicy restricts copy-from-URL sources.
func fetchSourcesPolicy() Policy {
	return Policy{
		Name:        "fetch-sources",
		Description: "Requires copy-from-URL sources to use HTTPS",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package froyoplay.policies.fetch

import rego.v1

deny contains violation if {
	some cmd in input.playbook.commands
	cmd.kind == "fetch"
	not startswith(cmd.url, "https://")
	not startswith(cmd.url, "http://")
	violation := {
		"message": sprintf("command %s fetches from unsupported URL %s", [cmd.id, cmd.url]),
		"severity": "error",
		"command": cmd.id,
	}
}

deny contains violation if {
	some cmd in input.playbook.commands
	cmd.kind == "fetch"
	startswith(cmd.url, "http://")
	violation := {
		"message": sprintf("command %s fetches over plain HTTP", [cmd.id]),
		"severity": "warning",
		"command": cmd.id,
	}
}
`,
	}
}
