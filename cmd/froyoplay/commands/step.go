package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// stepEngine is the part of the engine the stepper drives.
type stepEngine interface {
	Status(id engine.PlaybookID) (engine.PlaybookRunState, bool)
	AvailableCommands(host inventory.Host) []engine.Command
	Step(host inventory.Host) bool
	ResultFor(host inventory.Host, id engine.CommandID) (engine.CommandExecutionResult, bool)
	Cancel(id engine.PlaybookID) bool
}

// stepper prompts before each command of a playbook scheduled in stepping
// mode and releases it on the host's runner.
type stepper struct {
	eng  stepEngine
	in   *bufio.Reader
	out  io.Writer
	poll time.Duration
}

func newStepper(eng stepEngine, in io.Reader, out io.Writer, poll time.Duration) *stepper {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &stepper{eng: eng, in: bufio.NewReader(in), out: out, poll: poll}
}

// run steps through pb until it is terminal. Answering q, or closing the
// input, cancels the playbook.
func (s *stepper) run(ctx context.Context, pb engine.Playbook) error {
	for {
		state, ok := s.eng.Status(pb.ID)
		if !ok || state.IsTerminal() {
			return nil
		}

		progressed := false
		for _, host := range pb.Hosts {
			cmd, ok := s.next(pb, host)
			if !ok {
				continue
			}

			proceed, err := s.prompt(host, cmd)
			if err != nil {
				return err
			}
			if !proceed {
				s.eng.Cancel(pb.ID)
				return nil
			}
			if !s.eng.Step(host) {
				continue
			}
			if err := s.awaitResult(ctx, pb.ID, host, cmd.ID()); err != nil {
				return err
			}
			progressed = true
		}

		if !progressed {
			if err := s.sleep(ctx); err != nil {
				return err
			}
		}
	}
}

// next returns the host's eligible command belonging to pb.
func (s *stepper) next(pb engine.Playbook, host inventory.Host) (engine.Command, bool) {
	for _, cmd := range s.eng.AvailableCommands(host) {
		for _, c := range pb.Commands {
			if c.ID() == cmd.ID() {
				return cmd, true
			}
		}
	}
	return nil, false
}

func (s *stepper) prompt(host inventory.Host, cmd engine.Command) (bool, error) {
	fmt.Fprintf(s.out, "[%s] next: %s  (enter to run, q to cancel) ", host, cmd)
	line, err := s.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			fmt.Fprintln(s.out)
			return false, nil
		}
		if !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("failed to read answer: %w", err)
		}
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer != "q" && answer != "quit", nil
}

// awaitResult waits until the released command has a result for pb on host,
// or pb stops being active.
func (s *stepper) awaitResult(ctx context.Context, id engine.PlaybookID, host inventory.Host, cmdID engine.CommandID) error {
	for {
		if r, ok := s.eng.ResultFor(host, cmdID); ok && r.PlaybookID == id {
			return nil
		}
		if state, ok := s.eng.Status(id); !ok || state.IsTerminal() {
			return nil
		}
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

func (s *stepper) sleep(ctx context.Context) error {
	t := time.NewTimer(s.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
