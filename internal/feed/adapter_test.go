package feed

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier-system/internal/common/logger"
	"atelier-system/internal/domain"
	"atelier-system/internal/store"
)

func testLogger() *logger.Logger { return logger.NewWithWriter("test", io.Discard) }

func TestRelevant(t *testing.T) {
	pred := ForStage(domain.StagePending)
	pending := store.Record{"id": "o1", "status": "pending"}
	cooking := store.Record{"id": "o1", "status": "in_progress"}
	deleted := store.Record{"id": "o1", "status": "pending", "deleted_at": "2025-01-01"}

	cases := []struct {
		name string
		ev   store.ChangeEvent
		want bool
	}{
		{"insert into set", store.ChangeEvent{Kind: store.EventInsert, After: pending}, true},
		{"insert elsewhere", store.ChangeEvent{Kind: store.EventInsert, After: cooking}, false},
		{"leaves set", store.ChangeEvent{Kind: store.EventUpdate, Before: pending, After: cooking}, true},
		{"enters set", store.ChangeEvent{Kind: store.EventUpdate, Before: cooking, After: pending}, true},
		{"stays inside", store.ChangeEvent{Kind: store.EventUpdate, Before: pending, After: pending}, true},
		{"stays outside", store.ChangeEvent{Kind: store.EventUpdate, Before: cooking, After: cooking}, false},
		{"soft delete leaves", store.ChangeEvent{Kind: store.EventUpdate, Before: pending, After: deleted}, true},
		{"delete from set", store.ChangeEvent{Kind: store.EventDelete, Before: pending}, true},
		{"delete elsewhere", store.ChangeEvent{Kind: store.EventDelete, Before: cooking}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Relevant(tc.ev, pred), tc.name)
	}
}

func TestSubscribeNotifiesOnEnterAndLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemory()
	a := New(mem, store.Orders, testLogger())

	changes := make(chan struct{}, 16)
	stop := a.Subscribe(ctx, ForStage(domain.StagePending), Handler{
		OnChange: func() { changes <- struct{}{} },
	})
	defer stop()
	waitSubscribed(t, mem)

	_, err := mem.Insert(ctx, store.Orders, store.Record{"id": "o1", "status": "pending"})
	require.NoError(t, err)
	expectChange(t, changes, "insert into stage")

	_, err = mem.Update(ctx, store.Orders, "o1", store.Record{"status": "in_progress"})
	require.NoError(t, err)
	expectChange(t, changes, "leaving the stage still notifies")

	_, err = mem.Update(ctx, store.Orders, "o1", store.Record{"comments": "note"})
	require.NoError(t, err)
	expectNoChange(t, changes, "changes outside the stage set are filtered")
}

func TestSubscribeResubscribesAfterStreamLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemory()
	a := New(mem, store.Orders, testLogger())

	changes := make(chan struct{}, 16)
	degraded := make(chan bool, 16)
	stop := a.Subscribe(ctx, ForStage(domain.StagePending), Handler{
		OnChange:   func() { changes <- struct{}{} },
		OnDegraded: func(v bool) { degraded <- v },
	})
	defer stop()
	waitSubscribed(t, mem)
	assert.False(t, a.Degraded())

	mem.FailSubscribers(errors.New("connection reset"))

	require.True(t, waitBool(t, degraded), "degraded signal raised on loss")
	require.False(t, waitBool(t, degraded), "degraded cleared after resubscribe")
	assert.False(t, a.Degraded())

	_, err := mem.Insert(ctx, store.Orders, store.Record{"id": "o2", "status": "pending"})
	require.NoError(t, err)
	expectChange(t, changes, "events flow again on the new stream")
}

func waitSubscribed(t *testing.T, mem *store.Memory) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mem.SubscriberCount() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("adapter never subscribed")
}

func expectChange(t *testing.T, ch chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out: %s", msg)
	}
}

func expectNoChange(t *testing.T, ch chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected notification: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitBool(t *testing.T, ch chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for degraded signal")
		return false
	}
}
