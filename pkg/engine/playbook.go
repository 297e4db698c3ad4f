package engine

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// PlaybookID identifies a scheduled playbook.
type PlaybookID string

// Playbook is an ordered list of commands to run against a set of hosts.
// Commands run in declared order on each host; hosts run independently.
type Playbook struct {
	// ID uniquely identifies the playbook within an engine.
	ID PlaybookID `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Hosts are the targets, in declared order.
	Hosts []inventory.Host `json:"hosts"`

	// Commands run on each host, in declared order.
	Commands []Command `json:"-"`
}

// NewPlaybook builds a playbook with a fresh ID. Duplicate hosts are dropped.
func NewPlaybook(name string, hosts []inventory.Host, commands []Command) Playbook {
	return Playbook{
		ID:       PlaybookID(uuid.New().String()),
		Name:     name,
		Hosts:    dedupHosts(hosts),
		Commands: slices.Clone(commands),
	}
}

// WithCommands returns a copy of the playbook with a new ID and the given commands.
func (p Playbook) WithCommands(commands []Command) Playbook {
	return NewPlaybook(p.Name, p.Hosts, commands)
}

// WithHosts returns a copy of the playbook with a new ID and the given hosts.
func (p Playbook) WithHosts(hosts []inventory.Host) Playbook {
	return NewPlaybook(p.Name, hosts, p.Commands)
}

// Targets reports whether host is one of the playbook's hosts.
func (p Playbook) Targets(host inventory.Host) bool {
	return slices.Contains(p.Hosts, host)
}

// Validate checks the playbook can be scheduled.
func (p Playbook) Validate() error {
	if p.ID == "" {
		return NewPermanentError("playbook has no id", nil).WithCode(ErrCodeValidation)
	}
	seen := make(map[CommandID]struct{}, len(p.Commands))
	for i, cmd := range p.Commands {
		if cmd == nil {
			return NewPermanentError(fmt.Sprintf("command %d is nil", i), nil).
				WithCode(ErrCodeValidation)
		}
		if _, dup := seen[cmd.ID()]; dup {
			return NewPermanentError(fmt.Sprintf("command %d reuses id %s", i, cmd.ID()), nil).
				WithCode(ErrCodeValidation)
		}
		seen[cmd.ID()] = struct{}{}
	}
	return nil
}

// String returns the name and ID.
func (p Playbook) String() string {
	if p.Name == "" {
		return string(p.ID)
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.ID)
}

// clone copies the slices so later caller mutation cannot reach engine state.
func (p Playbook) clone() Playbook {
	p.Hosts = dedupHosts(p.Hosts)
	p.Commands = slices.Clone(p.Commands)
	return p
}

func dedupHosts(hosts []inventory.Host) []inventory.Host {
	out := make([]inventory.Host, 0, len(hosts))
	seen := make(map[inventory.Host]struct{}, len(hosts))
	for _, h := range hosts {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
