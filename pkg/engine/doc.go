// Package engine schedules and executes commands against hosts.
//
// # Overview
//
// The engine runs ordered command lists ("playbooks") against sets of hosts.
// Each host is served by exactly one HostRunner, so a host never executes two
// commands at once, while different hosts proceed in parallel.
//
// # Core Types
//
//   - Command: a unit of work with an ID, a retry policy, a per-attempt timeout
//     and an ignore-failure flag. Concrete kinds live in package commands.
//   - CommandOutput: the return code and captured output of one attempt.
//   - CommandExecutionResult: the outcome of running a command to completion,
//     including every retried attempt.
//   - Playbook: commands plus target hosts; the unit of scheduling.
//   - PlaybookRunState: scheduled, running, complete, failed or cancelled.
//
// # Execution Loop
//
// RunCommand invokes a command until its return code is zero or its retry
// budget is spent, sleeping between attempts as the command's backoff.Strategy
// dictates. Action errors are recorded as exceptions and retried like non-zero
// return codes; the loop itself never fails.
//
// # Scheduling
//
// Schedule registers a playbook and, optionally, starts host runners. Each
// runner repeatedly asks the Engine for the next eligible command for its host,
// runs it through the execution loop and reports the result back. Results drive
// the playbook state machine:
//
//	scheduled -> running -> complete | failed | cancelled
//
// A result that represents a failure (a failed command that does not ignore
// failure) moves the playbook to failed and stops further dispatch for it.
//
// Runners can be started in stepping mode, where Step releases one command at
// a time.
//
// # Direct Runs
//
// Run, RunSequence and RunAll execute commands immediately without playbook
// bookkeeping. RunSequence stops at the first failure; RunAll fans a sequence
// out across hosts concurrently.
//
// # Observers
//
// Observers receive playbook transitions and command results in order on a
// dedicated goroutine. An Admitter can veto playbooks before they are scheduled.
package engine
