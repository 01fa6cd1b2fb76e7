// Package stage holds the per-stage views of the order pipeline. Each view
// owns the authoritative currently-known set of orders at its stage and
// keeps it fresh off the change feed.
package stage

import (
	"context"
	"strings"
	"sync"

	"atelier-system/internal/common/logger"
	"atelier-system/internal/domain"
	"atelier-system/internal/feed"
	"atelier-system/internal/normalize"
	"atelier-system/internal/store"
)

// State is the view's lifecycle position. Error retains the last Ready
// snapshot; a transient fetch failure never blanks consumers.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateError         State = "error"
)

// Deps are the collaborators every view shares.
type Deps struct {
	Store      store.Store
	Normalizer *normalize.Normalizer
	Feed       *feed.Adapter
	Log        *logger.Logger
}

// View is one stage-scoped window onto the orders collection.
type View struct {
	name  string
	stage domain.Stage
	deps  Deps

	mu        sync.RWMutex
	state     State
	snapshot  []domain.Order
	lastErr   error
	listeners []func()

	cancelFeed func()
}

func newView(name string, stage domain.Stage, d Deps) *View {
	return &View{name: name, stage: stage, deps: d, state: StateUninitialized}
}

// Name is the view's human label (intake, production, ...).
func (v *View) Name() string { return v.name }

// Stage is the pipeline stage this view owns.
func (v *View) Stage() domain.Stage { return v.stage }

// State returns the current lifecycle state.
func (v *View) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Err returns the error behind an Error state, nil otherwise.
func (v *View) Err() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state != StateError {
		return nil
	}
	return v.lastErr
}

// Degraded reports whether the change feed is currently down, meaning the
// snapshot may be staler than one feed round-trip.
func (v *View) Degraded() bool { return v.deps.Feed.Degraded() }

// Start performs the initial load and begins following the change feed.
// The view stops when ctx is cancelled.
func (v *View) Start(ctx context.Context) error {
	err := v.Load(ctx)
	v.cancelFeed = v.deps.Feed.Subscribe(ctx, feed.ForStage(v.stage), feed.Handler{
		OnChange: func() {
			// full reload, not incremental patching: notifications mean
			// "re-fetch" and order volumes are modest
			if lerr := v.Load(ctx); lerr != nil {
				v.deps.Log.Error("stage_reload_failed", lerr, map[string]any{"view": v.name})
			}
		},
		OnDegraded: func(degraded bool) {
			v.deps.Log.Warn("stage_feed_degraded", map[string]any{"view": v.name, "degraded": degraded})
		},
	})
	return err
}

// Stop detaches the view from the change feed.
func (v *View) Stop() {
	if v.cancelFeed != nil {
		v.cancelFeed()
		v.cancelFeed = nil
	}
}

// Load fetches every record at this view's stage, normalizes each and
// replaces the snapshot wholesale. Concurrent loads race benignly:
// whichever completes last wins, and each snapshot is fully reconstructed
// from the source of truth, never merged.
func (v *View) Load(ctx context.Context) error {
	v.mu.Lock()
	v.state = StateLoading
	v.mu.Unlock()

	records, err := v.deps.Store.Query(ctx, store.Orders, store.Query{
		Filter:  map[string]any{"status": string(v.stage), "deleted_at": nil},
		OrderBy: "created_at",
		Desc:    true,
	})
	if err != nil {
		v.mu.Lock()
		v.state = StateError
		v.lastErr = err
		v.mu.Unlock()
		return err
	}

	orders := make([]domain.Order, 0, len(records))
	for _, rec := range records {
		orders = append(orders, v.deps.Normalizer.Normalize(rec))
	}

	v.mu.Lock()
	v.snapshot = orders
	v.state = StateReady
	v.lastErr = nil
	listeners := append([]func(){}, v.listeners...)
	v.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return nil
}

// Orders returns a defensive copy of the current snapshot.
func (v *View) Orders() []domain.Order {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]domain.Order, len(v.snapshot))
	copy(out, v.snapshot)
	return out
}

// Count returns the snapshot size without copying.
func (v *View) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.snapshot)
}

// FilterByCustomer returns snapshot orders whose customer name contains
// term, case-insensitively. Pure; storage is not touched.
func (v *View) FilterByCustomer(term string) []domain.Order {
	term = strings.ToLower(strings.TrimSpace(term))
	all := v.Orders()
	if term == "" {
		return all
	}
	out := make([]domain.Order, 0, len(all))
	for _, o := range all {
		if strings.Contains(strings.ToLower(o.Customer.Name), term) {
			out = append(out, o)
		}
	}
	return out
}

// OnSnapshotChanged registers fn to run after every snapshot replacement.
func (v *View) OnSnapshotChanged(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, fn)
}

// Remove drops an order from the snapshot by id. The coordinator calls
// this right after a committed transition instead of waiting for the
// change-feed echo; the later redundant notification reloads to the same
// result, so re-application stays idempotent.
func (v *View) Remove(orderID string) {
	v.mu.Lock()
	kept := v.snapshot[:0]
	for _, o := range v.snapshot {
		if o.ID != orderID {
			kept = append(kept, o)
		}
	}
	removed := len(kept) != len(v.snapshot)
	v.snapshot = kept
	listeners := append([]func(){}, v.listeners...)
	v.mu.Unlock()

	if removed {
		for _, fn := range listeners {
			fn()
		}
	}
}
