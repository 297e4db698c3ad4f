// Package stores persists playbook history in SQLite.
//
// A Journal records every playbook state transition and every command
// result the engine accepts. It implements engine.Observer, so attaching it
// to engine.Options.Observers is enough to keep a durable run history that
// the CLI can query later.
package stores
