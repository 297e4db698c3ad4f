// Package policy gates playbooks with Open Policy Agent (Rego) rules before
// they are scheduled.
//
// Every policy module defines a deny set. Each entry is an object with a
// msg and optionally a command ID:
//
//	package froyoplay.policies.custom
//
//	import rego.v1
//
//	deny contains violation if {
//	    some cmd in input.playbook.commands
//	    cmd.kind == "shell"
//	    cmd.timeout_seconds == 0
//	    violation := {"message": "shell commands need a timeout", "command": cmd.id}
//	}
//
// Policies with error or critical severity block admission; info and
// warning violations are logged only. The Engine implements
// engine.Admitter, so it can be passed in engine.Options to reject
// playbooks with ErrCodePolicyDenied.
//
// Built-in policies reject destructive shell commands, unbounded retries
// and non-HTTP fetch sources. User policies are loaded from .rego or .json
// files with LoadPolicies and can be hot-reloaded with WatchPolicies.
package policy
