package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
	"github.com/openfroyo/froyoplay/pkg/telemetry"
)

// hostReport is the per-host outcome printed at the end of a run.
type hostReport struct {
	Host    string                          `json:"host"`
	Healthy bool                            `json:"healthy"`
	Ran     int                             `json:"ran"`
	Total   int                             `json:"total"`
	Results []engine.CommandExecutionResult `json:"results"`
}

// buildReports orders results by host. A host is healthy when every one of
// total commands ran and none represents a failure.
func buildReports(results map[inventory.Host][]engine.CommandExecutionResult, total int) []hostReport {
	reports := make([]hostReport, 0, len(results))
	for host, rs := range results {
		healthy := len(rs) == total
		for _, r := range rs {
			if r.RepresentsFailure() {
				healthy = false
			}
		}
		reports = append(reports, hostReport{
			Host:    host.String(),
			Healthy: healthy,
			Ran:     len(rs),
			Total:   total,
			Results: rs,
		})
	}
	slices.SortFunc(reports, func(a, b hostReport) int { return strings.Compare(a.Host, b.Host) })
	return reports
}

func unhealthy(reports []hostReport) int {
	n := 0
	for _, r := range reports {
		if !r.Healthy {
			n++
		}
	}
	return n
}

func writeSummary(w io.Writer, reports []hostReport, emoji bool) {
	for _, r := range reports {
		mark := "ok"
		if !r.Healthy {
			mark = "FAILED"
		}
		if emoji {
			mark = "✅"
			if !r.Healthy {
				mark = "❌"
			}
		}
		fmt.Fprintf(w, "%s %s (%d/%d commands)\n", mark, r.Host, r.Ran, r.Total)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// progressPrinter writes each scheduled command result as it completes.
// It implements engine.Observer.
type progressPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	detail engine.DetailLevel
	emoji  bool
}

var _ engine.Observer = (*progressPrinter)(nil)

func newProgressPrinter(out io.Writer, detail engine.DetailLevel, emoji bool) *progressPrinter {
	return &progressPrinter{out: out, detail: detail, emoji: emoji}
}

// PlaybookStateChanged implements engine.Observer. State lines arrive through
// the event subscription instead.
func (p *progressPrinter) PlaybookStateChanged(engine.PlaybookTransition) {}

// CommandCompleted implements engine.Observer.
func (p *progressPrinter) CommandCompleted(r engine.CommandExecutionResult) {
	p.println(r.ConsoleOutput(p.detail, p.emoji))
}

// subscribe prints playbook state changes and policy denials published on events.
func (p *progressPrinter) subscribe(events *telemetry.EventPublisher) {
	if p.detail == engine.DetailSilent {
		return
	}
	events.Subscribe(func(e telemetry.Event) {
		p.println("==> " + e.Message)
	}, telemetry.FilterByType(telemetry.EventTypePlaybookStateChanged, telemetry.EventTypePolicyDenied))
}

func (p *progressPrinter) println(line string) {
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

// write copies b to the output between progress lines.
func (p *progressPrinter) write(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.out.Write(b)
}
