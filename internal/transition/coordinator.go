// Package transition executes validated stage moves against the record
// store and fans the outcome out to stage views and listeners.
package transition

import (
	"context"
	"errors"
	"time"

	"atelier-system/internal/common/logger"
	"atelier-system/internal/domain"
	"atelier-system/internal/normalize"
	"atelier-system/internal/stage"
	"atelier-system/internal/store"
)

// Coordinator performs stage-to-stage moves. It holds no locks of its own:
// the store's per-row atomicity is the single coordination point, and the
// small window before a view observes its own transition is closed by
// proactively removing the order from the source view.
type Coordinator struct {
	store store.Store
	norm  *normalize.Normalizer
	views []*stage.View
	bus   *Bus
	log   *logger.Logger
	now   func() time.Time
}

// New wires a coordinator. views may be nil when no local views need
// proactive removal (e.g. a pure API process).
func New(st store.Store, norm *normalize.Normalizer, views []*stage.View, bus *Bus, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store: st,
		norm:  norm,
		views: views,
		bus:   bus,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Transition moves order orderID from one stage to the next. extra fields
// (e.g. a payment reference captured at dispatch) ride along in the same
// write. The returned error is always one of the typed pipeline errors.
//
// Requesting a move into the order's already-current stage is a no-op
// success: duplicate operator clicks and redundant change-feed retries must
// not fail.
func (c *Coordinator) Transition(ctx context.Context, orderID string, from, to domain.Stage, extra map[string]any) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, &domain.ValidationError{Field: "order_id", Reason: "empty"}
	}
	if !from.Valid() {
		return domain.Order{}, &domain.ValidationError{Field: "from", Reason: "unknown stage"}
	}
	if !to.Valid() {
		return domain.Order{}, &domain.ValidationError{Field: "to", Reason: "unknown stage"}
	}
	if from != to && !from.CanTransitionTo(to) {
		return domain.Order{}, &domain.InvalidTransitionError{From: from, To: to}
	}

	current, err := c.fetch(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	currentStage := domain.ParseStage(current.String("status"))
	if currentStage == to {
		// already there; no write, unchanged updated_at
		return c.norm.Normalize(current), nil
	}
	if from == to {
		// same-stage request for an order that has since moved elsewhere
		return domain.Order{}, &domain.InvalidTransitionError{From: currentStage, To: to}
	}
	if currentStage != from {
		// stale caller view; classified the same way a failed conditional
		// write would be, so stores without UpdateIf cannot drag an order
		// backwards through the unconditional path
		return domain.Order{}, &domain.NotFoundError{ID: orderID}
	}

	stamp := c.now().Format(time.RFC3339)
	patch := store.Record{"status": string(to), "updated_at": stamp}
	for k, v := range extra {
		patch[k] = v
	}
	if to == domain.StageCompleted {
		patch["completed_at"] = stamp
	}

	updated, err := c.write(ctx, orderID, from, patch)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			// disambiguate: vanished vs. concurrently moved to the target
			if rec, ferr := c.fetch(ctx, orderID); ferr == nil {
				if domain.ParseStage(rec.String("status")) == to {
					return c.norm.Normalize(rec), nil
				}
			}
		}
		c.log.Error("transition_failed", err, map[string]any{
			"order_id": orderID, "from": string(from), "to": string(to),
		})
		return domain.Order{}, err
	}

	order := c.norm.Normalize(updated)
	if src := stage.ByStage(c.views, from); src != nil {
		src.Remove(orderID)
	}
	c.log.Info("order_transitioned", map[string]any{
		"order_id": orderID, "from": string(from), "to": string(to),
	})
	if c.bus != nil {
		c.bus.Emit(ctx, domain.OrderMoved{
			Kind:     domain.KindForStage(to),
			OrderID:  orderID,
			From:     from,
			To:       to,
			Customer: order.Customer.Name,
			Total:    order.TotalPrice,
			MovedAt:  stamp,
			Order:    order,
		})
	}
	return order, nil
}

// write issues the conditional update, falling back to write-then-read-back
// when the store cannot assert the expected stage, and retrying once
// without completed_at when that column does not exist in this deployment.
func (c *Coordinator) write(ctx context.Context, orderID string, from domain.Stage, patch store.Record) (store.Record, error) {
	updated, err := c.writeOnce(ctx, orderID, from, patch)
	var sm *domain.SchemaMismatchError
	if errors.As(err, &sm) {
		if _, has := patch["completed_at"]; has && (sm.Column == "completed_at" || sm.Column == "") {
			reduced := patch.Clone()
			delete(reduced, "completed_at")
			c.log.Warn("completed_at_unsupported", map[string]any{"order_id": orderID})
			updated, err = c.writeOnce(ctx, orderID, from, reduced)
			if err != nil {
				if errors.As(err, &sm) {
					return nil, &domain.ConstraintViolationError{Detail: sm.Error()}
				}
				return nil, err
			}
			return updated, nil
		}
		return nil, &domain.ConstraintViolationError{Detail: sm.Error()}
	}
	return updated, err
}

func (c *Coordinator) writeOnce(ctx context.Context, orderID string, from domain.Stage, patch store.Record) (store.Record, error) {
	if cond, ok := c.store.(store.ConditionalUpdater); ok {
		return cond.UpdateIf(ctx, store.Orders, orderID, store.Record{"status": string(from)}, patch)
	}
	updated, err := c.store.Update(ctx, store.Orders, orderID, patch)
	if err != nil {
		return nil, err
	}
	// read-back verification for stores without conditional writes
	if got := domain.ParseStage(updated.String("status")); got != domain.ParseStage(patch.String("status")) {
		return nil, &domain.ConstraintViolationError{Detail: "status did not persist"}
	}
	return updated, nil
}

// MarkChecked toggles the operator-side soft flag without touching the
// stage.
func (c *Coordinator) MarkChecked(ctx context.Context, orderID string, checked bool) (domain.Order, error) {
	return c.Patch(ctx, orderID, map[string]any{"checked": checked})
}

// Patch applies an edit (item or measurement correction, metadata fix)
// that must not alter the stage; a status key is rejected outright.
func (c *Coordinator) Patch(ctx context.Context, orderID string, fields map[string]any) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, &domain.ValidationError{Field: "order_id", Reason: "empty"}
	}
	if len(fields) == 0 {
		return domain.Order{}, &domain.ValidationError{Field: "fields", Reason: "empty"}
	}
	if _, has := fields["status"]; has {
		return domain.Order{}, &domain.ValidationError{Field: "status", Reason: "stage changes go through Transition"}
	}
	patch := store.Record{"updated_at": c.now().Format(time.RFC3339)}
	for k, v := range fields {
		patch[k] = v
	}
	updated, err := c.store.Update(ctx, store.Orders, orderID, patch)
	if err != nil {
		return domain.Order{}, err
	}
	return c.norm.Normalize(updated), nil
}

func (c *Coordinator) fetch(ctx context.Context, orderID string) (store.Record, error) {
	records, err := c.store.Query(ctx, store.Orders, store.Query{
		Filter: map[string]any{"id": orderID},
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &domain.NotFoundError{ID: orderID}
	}
	return records[0], nil
}
