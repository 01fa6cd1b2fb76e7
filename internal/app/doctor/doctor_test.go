package doctor

import (
	"bytes"
	"context"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier-system/internal/store"
)

func TestRunOnSeededSample(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, SeedSample(ctx, mem))

	var buf bytes.Buffer
	require.NoError(t, Run(ctx, mem, &buf))
	out := buf.String()

	assert.Contains(t, out, "checked 4 orders")
	// the sample deliberately includes a diverging total and a dangling
	// customer reference, so the sweep must find something
	assert.NotContains(t, out, "no reconciliation issues")
	assert.Contains(t, out, "ord-1001")
	assert.Contains(t, out, "ord-1004")
}

func TestRunCleanStore(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	ctx := context.Background()
	mem := store.NewMemory()
	_, err := mem.Insert(ctx, store.Orders, store.Record{
		"id":            "o1",
		"status":        "pending",
		"customer_name": "Jane",
		"items": []any{
			map[string]any{"product_name": "Dress", "price": 1000.0},
		},
		"total_price": 1000.0,
		"created_at":  "2025-06-01T00:00:00Z",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Run(ctx, mem, &buf))
	assert.Contains(t, buf.String(), "no reconciliation issues")
}
