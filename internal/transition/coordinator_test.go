package transition

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier-system/internal/common/logger"
	"atelier-system/internal/domain"
	"atelier-system/internal/feed"
	"atelier-system/internal/normalize"
	"atelier-system/internal/stage"
	"atelier-system/internal/store"
)

func testLogger() *logger.Logger { return logger.NewWithWriter("test", io.Discard) }

// countingStore tallies every write so tests can assert "zero store
// writes" properties.
type countingStore struct {
	*store.Memory
	mu     sync.Mutex
	writes int
}

func (c *countingStore) bump() {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
}

func (c *countingStore) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *countingStore) Insert(ctx context.Context, collection string, rec store.Record) (store.Record, error) {
	c.bump()
	return c.Memory.Insert(ctx, collection, rec)
}

func (c *countingStore) Update(ctx context.Context, collection, id string, patch store.Record) (store.Record, error) {
	c.bump()
	return c.Memory.Update(ctx, collection, id, patch)
}

func (c *countingStore) UpdateIf(ctx context.Context, collection, id string, expect, patch store.Record) (store.Record, error) {
	c.bump()
	return c.Memory.UpdateIf(ctx, collection, id, expect, patch)
}

// plainStore hides the conditional-update capability, forcing the
// coordinator onto the write-then-read-back path.
type plainStore struct {
	mem *store.Memory
}

func (p *plainStore) Query(ctx context.Context, collection string, q store.Query) ([]store.Record, error) {
	return p.mem.Query(ctx, collection, q)
}

func (p *plainStore) Insert(ctx context.Context, collection string, rec store.Record) (store.Record, error) {
	return p.mem.Insert(ctx, collection, rec)
}

func (p *plainStore) Update(ctx context.Context, collection, id string, patch store.Record) (store.Record, error) {
	return p.mem.Update(ctx, collection, id, patch)
}

func (p *plainStore) Subscribe(ctx context.Context, collection string) (store.Subscription, error) {
	return p.mem.Subscribe(ctx, collection)
}

// legacySchemaStore rejects any write carrying completed_at, imitating a
// deployment without that column.
type legacySchemaStore struct {
	*store.Memory
	rejected int
}

func (l *legacySchemaStore) UpdateIf(ctx context.Context, collection, id string, expect, patch store.Record) (store.Record, error) {
	if patch.Has("completed_at") {
		l.rejected++
		return nil, &domain.SchemaMismatchError{Column: "completed_at"}
	}
	return l.Memory.UpdateIf(ctx, collection, id, expect, patch)
}

func newCoordinator(st store.Store, views []*stage.View) (*Coordinator, *Bus) {
	log := testLogger()
	bus := NewBus(nil, log)
	return New(st, normalize.New(nil), views, bus, log), bus
}

func seedOrder(t *testing.T, st store.Store, rec store.Record) {
	t.Helper()
	_, err := st.Insert(context.Background(), store.Orders, rec)
	require.NoError(t, err)
}

func TestTransitionHappyPath(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedOrder(t, mem, store.Record{"id": "o1", "status": "pending", "customer_name": "Jane", "price": 2000.0})

	coord, bus := newCoordinator(mem, nil)

	var mu sync.Mutex
	var seen []domain.EventKind
	bus.OnOrderMoved(func(kind domain.EventKind, _ domain.Order) {
		mu.Lock()
		seen = append(seen, kind)
		mu.Unlock()
	})

	order, err := coord.Transition(ctx, "o1", domain.StagePending, domain.StageInProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInProgress, order.Stage)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), order.UpdatedAt)

	recs, err := mem.Query(ctx, store.Orders, store.Query{Filter: map[string]any{"id": "o1"}})
	require.NoError(t, err)
	assert.Equal(t, "in_progress", recs[0].String("status"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, domain.EventMoved, seen[0])
}

func TestTransitionIdempotentSameStage(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Memory: store.NewMemory()}
	seedOrder(t, cs, store.Record{"id": "o1", "status": "in_progress", "updated_at": "2025-06-01T00:00:00Z"})
	baseline := cs.writeCount()

	coord, _ := newCoordinator(cs, nil)

	for i := 0; i < 2; i++ {
		order, err := coord.Transition(ctx, "o1", domain.StageInProgress, domain.StageInProgress, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.StageInProgress, order.Stage)
		assert.Equal(t, "2025-06-01", order.UpdatedAt, "updated_at untouched by no-op requests")
	}
	assert.Equal(t, baseline, cs.writeCount(), "no writes for same-stage requests")
}

func TestTransitionDuplicateRequestIsNoOp(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Memory: store.NewMemory()}
	seedOrder(t, cs, store.Record{"id": "o1", "status": "pending"})

	coord, _ := newCoordinator(cs, nil)

	_, err := coord.Transition(ctx, "o1", domain.StagePending, domain.StageInProgress, nil)
	require.NoError(t, err)
	writesAfterFirst := cs.writeCount()

	// duplicate operator click arrives with the stale from-stage
	order, err := coord.Transition(ctx, "o1", domain.StagePending, domain.StageInProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInProgress, order.Stage)
	assert.Equal(t, writesAfterFirst, cs.writeCount(), "duplicate performed no second write")
}

func TestTransitionIllegalRejectedWithoutIO(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Memory: store.NewMemory()}
	seedOrder(t, cs, store.Record{"id": "o1", "status": "completed"})
	baseline := cs.writeCount()

	coord, _ := newCoordinator(cs, nil)

	_, err := coord.Transition(ctx, "o1", domain.StageCompleted, domain.StagePending, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Equal(t, baseline, cs.writeCount(), "illegal transition performs zero writes")
}

func TestTransitionSkipStageRejected(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedOrder(t, mem, store.Record{"id": "o1", "status": "pending"})
	coord, _ := newCoordinator(mem, nil)

	_, err := coord.Transition(ctx, "o1", domain.StagePending, domain.StageCompleted, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestCancelOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedOrder(t, mem, store.Record{"id": "o1", "status": "pending"})
	seedOrder(t, mem, store.Record{"id": "o2", "status": "in_progress"})
	coord, _ := newCoordinator(mem, nil)

	order, err := coord.Transition(ctx, "o1", domain.StagePending, domain.StageCancelled, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCancelled, order.Stage)

	_, err = coord.Transition(ctx, "o2", domain.StageInProgress, domain.StageCancelled, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestTransitionNotFound(t *testing.T) {
	ctx := context.Background()
	coord, _ := newCoordinator(store.NewMemory(), nil)

	_, err := coord.Transition(ctx, "ghost", domain.StagePending, domain.StageInProgress, nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTransitionStaleFromStage(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedOrder(t, mem, store.Record{"id": "o1", "status": "to_deliver"})
	coord, _ := newCoordinator(mem, nil)

	// caller's view is stale: the order left pending long ago
	_, err := coord.Transition(ctx, "o1", domain.StagePending, domain.StageInProgress, nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound),
		"conditional write on a stale from-stage reports the row as gone")
}

func TestCompletedStampsCompletedAt(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedOrder(t, mem, store.Record{"id": "o1", "status": "to_deliver"})
	coord, _ := newCoordinator(mem, nil)

	order, err := coord.Transition(ctx, "o1", domain.StageToDeliver, domain.StageCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, order.Stage)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), order.CompletedAt)
}

func TestCompletedSchemaFallback(t *testing.T) {
	ctx := context.Background()
	ls := &legacySchemaStore{Memory: store.NewMemory()}
	seedOrder(t, ls, store.Record{"id": "o1", "status": "to_deliver"})
	coord, _ := newCoordinator(ls, nil)

	order, err := coord.Transition(ctx, "o1", domain.StageToDeliver, domain.StageCompleted, nil)
	require.NoError(t, err, "missing completed_at column must not fail the transition")
	assert.Equal(t, domain.StageCompleted, order.Stage)
	assert.Empty(t, order.CompletedAt, "completed_at left unset when the column is absent")
	assert.Equal(t, 1, ls.rejected, "exactly one rejected attempt before the reduced retry")
}

func TestTransitionWriteReadBackFallback(t *testing.T) {
	ctx := context.Background()
	ps := &plainStore{mem: store.NewMemory()}
	seedOrder(t, ps, store.Record{"id": "o1", "status": "pending"})
	coord, _ := newCoordinator(ps, nil)

	order, err := coord.Transition(ctx, "o1", domain.StagePending, domain.StageInProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInProgress, order.Stage)
}

func TestTransitionPlainStoreStaleFromStage(t *testing.T) {
	ctx := context.Background()
	ps := &plainStore{mem: store.NewMemory()}
	seedOrder(t, ps, store.Record{"id": "o1", "status": "completed"})
	coord, _ := newCoordinator(ps, nil)

	// without the conditional capability the unconditional Update would
	// happily rewrite status; the stale request must be rejected first
	_, err := coord.Transition(ctx, "o1", domain.StagePending, domain.StageInProgress, nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	recs, qerr := ps.Query(ctx, store.Orders, store.Query{Filter: map[string]any{"id": "o1"}})
	require.NoError(t, qerr)
	assert.Equal(t, "completed", recs[0].String("status"), "completed order never moved backwards")
}

func TestStageSetExclusivity(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedOrder(t, mem, store.Record{"id": "o1", "status": "pending", "customer_name": "Jane"})

	log := testLogger()
	deps := stage.Deps{
		Store:      mem,
		Normalizer: normalize.New(nil),
		Feed:       feed.New(mem, store.Orders, log),
		Log:        log,
	}
	views := stage.All(deps)
	for _, v := range views {
		require.NoError(t, v.Load(ctx))
	}
	intake := stage.ByStage(views, domain.StagePending)
	production := stage.ByStage(views, domain.StageInProgress)
	require.Len(t, intake.Orders(), 1)
	require.Empty(t, production.Orders())

	coord, _ := newCoordinator(mem, views)
	_, err := coord.Transition(ctx, "o1", domain.StagePending, domain.StageInProgress, nil)
	require.NoError(t, err)

	assert.Empty(t, intake.Orders(), "removed from the source view without waiting for the feed echo")

	require.NoError(t, production.Load(ctx))
	require.Len(t, production.Orders(), 1)
	assert.Equal(t, "o1", production.Orders()[0].ID)
}

func TestTransitionExtraFieldsRideAlong(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedOrder(t, mem, store.Record{"id": "o1", "status": "in_progress"})
	coord, _ := newCoordinator(mem, nil)

	order, err := coord.Transition(ctx, "o1", domain.StageInProgress, domain.StageToDeliver,
		map[string]any{"payment_reference": "MPESA-XYZ"})
	require.NoError(t, err)
	assert.Equal(t, "MPESA-XYZ", order.PaymentReference)
}

func TestTransitionValidation(t *testing.T) {
	ctx := context.Background()
	coord, _ := newCoordinator(store.NewMemory(), nil)

	_, err := coord.Transition(ctx, "", domain.StagePending, domain.StageInProgress, nil)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = coord.Transition(ctx, "o1", domain.Stage("limbo"), domain.StageInProgress, nil)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestMarkCheckedDoesNotTouchStage(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedOrder(t, mem, store.Record{"id": "o1", "status": "pending"})
	coord, _ := newCoordinator(mem, nil)

	order, err := coord.MarkChecked(ctx, "o1", true)
	require.NoError(t, err)
	assert.True(t, order.Checked)
	assert.Equal(t, domain.StagePending, order.Stage)
}

func TestPatchRejectsStatus(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedOrder(t, mem, store.Record{"id": "o1", "status": "pending"})
	coord, _ := newCoordinator(mem, nil)

	_, err := coord.Patch(ctx, "o1", map[string]any{"status": "completed"})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
