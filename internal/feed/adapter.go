// Package feed wraps the record store's change stream into stage-scoped
// "something you care about changed" notifications.
package feed

import (
	"context"
	"sync"
	"time"

	"atelier-system/internal/common/logger"
	"atelier-system/internal/domain"
	"atelier-system/internal/store"
)

// Predicate decides whether a (possibly partial) record belongs to a
// subscriber's working set. It must tolerate nil.
type Predicate func(rec store.Record) bool

// ForStage matches live records at the given stage. Soft-deleted records
// never match.
func ForStage(stage domain.Stage) Predicate {
	return func(rec store.Record) bool {
		if rec == nil {
			return false
		}
		if rec.Has("deleted_at") {
			return false
		}
		return domain.ParseStage(rec.String("status")) == stage
	}
}

// Handler carries the subscriber's callbacks. OnChange fires for every
// event whose record enters, leaves, or changes within the predicate set;
// it means "go re-fetch", never "apply this diff". OnDegraded, when set,
// reports loss and recovery of the underlying stream.
type Handler struct {
	OnChange   func()
	OnDegraded func(degraded bool)
}

// Adapter subscribes to one collection's change feed and fans events out to
// stage-scoped handlers, resubscribing automatically when the stream drops.
type Adapter struct {
	store      store.Store
	collection string
	log        *logger.Logger

	mu       sync.Mutex
	degraded bool
}

// New returns an adapter over st's change feed for collection.
func New(st store.Store, collection string, log *logger.Logger) *Adapter {
	return &Adapter{store: st, collection: collection, log: log}
}

// Degraded reports whether the adapter is currently without a live stream.
// Stage views consult it to bound reliance on cached snapshots.
func (a *Adapter) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded
}

func (a *Adapter) setDegraded(v bool, h Handler) {
	a.mu.Lock()
	changed := a.degraded != v
	a.degraded = v
	a.mu.Unlock()
	if changed && h.OnDegraded != nil {
		h.OnDegraded(v)
	}
}

const (
	resubscribeMin = 250 * time.Millisecond
	resubscribeMax = 5 * time.Second
)

// Subscribe starts delivering notifications for events matching pred and
// returns a cancel func. Delivery is at-least-once and unordered relative
// to concurrent independent changes.
func (a *Adapter) Subscribe(ctx context.Context, pred Predicate, h Handler) (cancel func()) {
	subCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		backoff := resubscribeMin
		for {
			sub, err := a.store.Subscribe(subCtx, a.collection)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				a.setDegraded(true, h)
				a.log.Error("feed_subscribe_failed", err, map[string]any{"collection": a.collection})
				if !sleep(subCtx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = resubscribeMin
			a.setDegraded(false, h)
			a.log.Debug("feed_subscribed", map[string]any{"collection": a.collection})

			for ev := range sub.Events() {
				if Relevant(ev, pred) {
					h.OnChange()
				}
			}
			sub.Close()
			if subCtx.Err() != nil {
				return
			}
			// stream ended without cancellation: connection loss
			a.setDegraded(true, h)
			if err := sub.Err(); err != nil {
				a.log.Error("feed_stream_lost", err, map[string]any{"collection": a.collection})
			} else {
				a.log.Warn("feed_stream_closed", map[string]any{"collection": a.collection})
			}
			if !sleep(subCtx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}()

	return func() {
		stop()
		<-done
	}
}

// Relevant reports whether ev touches pred's working set: the record
// matched before, matches after, or both.
func Relevant(ev store.ChangeEvent, pred Predicate) bool {
	switch ev.Kind {
	case store.EventInsert:
		return pred(ev.After)
	case store.EventDelete:
		return pred(ev.Before)
	default:
		return pred(ev.Before) || pred(ev.After)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > resubscribeMax {
		return resubscribeMax
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
