// Package dashboard aggregates committed transitions across every stage.
// It never queries the store: it counts what the order-moved bus delivers,
// which is exactly what the cross-module listener contract exists for.
package dashboard

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/fatih/color"

	"atelier-system/internal/domain"
)

// Dashboard keeps running totals of orders seen per stage and per event
// kind.
type Dashboard struct {
	mu       sync.Mutex
	byStage  map[domain.Stage]int
	byKind   map[domain.EventKind]int
	moves    int
	revenue  float64 // total of completed orders
}

func New() *Dashboard {
	return &Dashboard{
		byStage: make(map[domain.Stage]int),
		byKind:  make(map[domain.EventKind]int),
	}
}

// Apply folds one committed move into the totals. Registered directly on
// the transition bus in single-process mode; the AMQP subscriber calls it
// per consumed message otherwise.
func (d *Dashboard) Apply(kind domain.EventKind, order domain.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moves++
	d.byKind[kind]++
	d.byStage[order.Stage]++
	if kind == domain.EventCompleted {
		d.revenue += order.TotalPrice
	}
}

// Listener adapts Apply to the bus listener signature.
func (d *Dashboard) Listener() func(domain.EventKind, domain.Order) {
	return d.Apply
}

// Snapshot returns copies of the counters.
func (d *Dashboard) Snapshot() (byStage map[domain.Stage]int, byKind map[domain.EventKind]int, moves int, revenue float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byStage = make(map[domain.Stage]int, len(d.byStage))
	for k, v := range d.byStage {
		byStage[k] = v
	}
	byKind = make(map[domain.EventKind]int, len(d.byKind))
	for k, v := range d.byKind {
		byKind[k] = v
	}
	return byStage, byKind, d.moves, d.revenue
}

// Print writes a colored summary table.
func (d *Dashboard) Print(w io.Writer) {
	byStage, _, moves, revenue := d.Snapshot()

	stages := make([]string, 0, len(byStage))
	for s := range byStage {
		stages = append(stages, string(s))
	}
	sort.Strings(stages)

	fmt.Fprintf(w, "%s %d moves observed\n", color.New(color.FgCyan).Sprint("dashboard:"), moves)
	for _, s := range stages {
		c := stageColor(domain.Stage(s))
		fmt.Fprintf(w, "  %-12s %d\n", c.Sprint(s), byStage[domain.Stage(s)])
	}
	fmt.Fprintf(w, "  %-12s %.2f\n", color.New(color.FgGreen).Sprint("revenue"), revenue)
}

func stageColor(s domain.Stage) *color.Color {
	switch s {
	case domain.StagePending:
		return color.New(color.FgYellow)
	case domain.StageInProgress:
		return color.New(color.FgBlue)
	case domain.StageToDeliver:
		return color.New(color.FgMagenta)
	case domain.StageCompleted:
		return color.New(color.FgGreen)
	case domain.StageCancelled:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}
