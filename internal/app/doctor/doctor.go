// Package doctor runs the reconciliation diagnostics over every stored
// order and reports what it finds. Findings never block anything; this is
// the read-only integrity sweep.
package doctor

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"

	"atelier-system/internal/normalize"
	"atelier-system/internal/store"
)

// Run normalizes every record in the orders collection, collecting
// diagnostics, and writes a colored report to w.
func Run(ctx context.Context, st store.Store, w io.Writer) error {
	records, err := st.Query(ctx, store.Orders, store.Query{
		Filter: map[string]any{"deleted_at": nil},
	})
	if err != nil {
		return err
	}

	sink := &normalize.CollectorSink{}
	norm := normalize.New(sink)
	for _, rec := range records {
		norm.Normalize(rec)
	}

	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)
	bad := color.New(color.FgRed)

	fmt.Fprintf(w, "checked %d orders, %d findings\n", len(records), len(sink.Diagnostics))
	if len(sink.Diagnostics) == 0 {
		fmt.Fprintf(w, "%s no reconciliation issues\n", ok.Sprint("✓"))
		return nil
	}

	warns := 0
	for _, d := range sink.Diagnostics {
		icon := warn.Sprint("!")
		if d.Severity == normalize.SeverityWarn {
			icon = bad.Sprint("✗")
			warns++
		}
		fmt.Fprintf(w, "%s order %s [%s] %s\n", icon, d.OrderID, d.Check, d.Description)
	}
	fmt.Fprintf(w, "%d info, %d warn\n", len(sink.Diagnostics)-warns, warns)
	return nil
}

// SeedSample loads representative legacy-shaped records into st so the
// sweep (and a demo pipeline) has something to chew on without a database.
func SeedSample(ctx context.Context, st store.Store) error {
	samples := []store.Record{
		{
			// current shape: items array, relational customer
			"id":          "ord-1001",
			"status":      "pending",
			"customer_id": "c1",
			"customers":   map[string]any{"id": "c1", "name": "Jane Mwangi", "phone": "+254700000001"},
			"items": []any{
				map[string]any{"product_name": "Dress A", "color": "Red", "price": 2000.0},
				map[string]any{"product_name": "Headwrap", "color": "Gold", "price": 500.0},
			},
			"total_price": 2400.0, // intentionally diverges from the item sum
			"comments":    "deliver before Friday",
			"created_at":  "2025-06-01T09:30:00Z",
			"updated_at":  "2025-06-01T09:30:00Z",
		},
		{
			// legacy flat shape with annotation in comments
			"id":             "ord-1002",
			"status":         "in_progress",
			"customer_name":  "Amina Yusuf",
			"customer_phone": "+254700000002",
			"product_name":   "Abaya",
			"color":          "Black",
			"price":          3500.0,
			"comments":       "Measurements: Size=M, Bust=34, Waist=28, Hips=38\ncall on arrival",
			"created_at":     "2025-05-20 14:00:00",
			"updated_at":     "2025-05-28 10:00:00",
		},
		{
			// in-house measurement format
			"id":            "ord-1003",
			"status":        "to_deliver",
			"customer_name": "Fatma Said",
			"product_name":  "Gown",
			"color":         "Navy",
			"price":         5200.0,
			"comments":      "Height=160, Bust=36, High Waist=30, Hips=40",
			"created_at":    "2025-05-10",
		},
		{
			// dangling customer reference
			"id":           "ord-1004",
			"status":       "pending",
			"customer_id":  "c-gone",
			"product_name": "Kaftan",
			"price":        1800.0,
			"created_at":   "2025-06-03T08:00:00Z",
		},
	}
	for _, rec := range samples {
		if _, err := st.Insert(ctx, store.Orders, rec); err != nil {
			return fmt.Errorf("seed %s: %w", rec.ID(), err)
		}
	}
	return nil
}
