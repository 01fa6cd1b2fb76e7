package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier-system/internal/domain"
	"atelier-system/internal/store"
)

func TestNormalizeCurrentShape(t *testing.T) {
	n := New(nil)
	o := n.Normalize(store.Record{
		"id":          "o1",
		"status":      "in_progress",
		"customer_id": "c1",
		"customers":   map[string]any{"id": "c1", "name": "Jane", "phone": "+254700000000"},
		"items": []any{
			map[string]any{"product_name": "Dress A", "color": "Red", "price": 2000.0},
		},
	})
	assert.Equal(t, domain.StageInProgress, o.Stage)
	assert.Equal(t, "Jane", o.Customer.Name)
	assert.Equal(t, "+254700000000", o.Customer.Phone)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Dress A", o.Items[0].ProductName)
	assert.Equal(t, "Red", o.Items[0].Color)
	assert.Equal(t, 2000.0, o.Items[0].UnitPrice)
}

func TestNormalizeTotality(t *testing.T) {
	n := New(nil)
	malformed := []store.Record{
		nil,
		{},
		{"id": "x", "status": "???"},
		{"id": "x", "items": "not json", "measurements": "{broken"},
		{"id": "x", "items": []any{"scalar", 42.0}},
		{"id": "x", "customers": []any{"not a map"}},
		{"id": "x", "created_at": "yesterday-ish"},
		{"id": 17.0, "price": "2k"},
	}
	for _, raw := range malformed {
		o := n.Normalize(raw)
		assert.True(t, o.Stage.Valid(), "stage always valid for %v", raw)
		assert.NotEmpty(t, o.Items, "items never empty for %v", raw)
		assert.NotEmpty(t, o.Customer.Name, "customer name always set for %v", raw)
	}
}

func TestNormalizeLegacyFlatRecord(t *testing.T) {
	n := New(nil)
	o := n.Normalize(store.Record{
		"id":             "o2",
		"status":         "pending",
		"customer_name":  "Amina",
		"customer_phone": "+254711111111",
		"product_name":   "Abaya",
		"color":          "Black",
		"price":          3500.0,
	})
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Abaya", o.Items[0].ProductName)
	assert.Equal(t, PlaceholderImage, o.Items[0].ProductImage)
	assert.Equal(t, 3500.0, o.TotalPrice, "total derived from the single legacy item")
	assert.Equal(t, "Amina", o.Customer.Name)
}

func TestNormalizeDanglingCustomerReference(t *testing.T) {
	sink := &CollectorSink{}
	n := New(sink)
	o := n.Normalize(store.Record{
		"id":            "o3",
		"status":        "pending",
		"customer_id":   "c-gone",
		"customer_name": "Stale Flat Name",
	})
	assert.Equal(t, UnknownCustomer, o.Customer.Name,
		"a dangling reference must not fall back to stale flat fields")
	require.NotEmpty(t, sink.Diagnostics)
	assert.Equal(t, "customer_reference", sink.Diagnostics[0].Check)
	assert.Equal(t, SeverityWarn, sink.Diagnostics[0].Severity)
}

func TestNormalizeCustomerArrayOfOne(t *testing.T) {
	n := New(nil)
	o := n.Normalize(store.Record{
		"id":        "o4",
		"customers": []any{map[string]any{"id": "c9", "name": "Halima"}},
	})
	assert.Equal(t, "Halima", o.Customer.Name)
}

func TestNormalizeMeasurementRoundTrip(t *testing.T) {
	n := New(nil)
	o := n.Normalize(store.Record{
		"id":       "o5",
		"comments": "Measurements: Size=M, Bust=34, Waist=28, Hips=38",
	})
	assert.Equal(t, domain.Measurements{Size: "M", Bust: "34", Waist: "28", Hips: "38"}, o.Measurements)
	assert.NotContains(t, o.Comments, "Measurements:")
}

func TestNormalizeStructuredMeasurementsWinOverComments(t *testing.T) {
	n := New(nil)
	o := n.Normalize(store.Record{
		"id":           "o6",
		"measurements": `{"size":"L","bust":"38"}`,
		"comments":     "Measurements: Size=M, Bust=34, Waist=28, Hips=38",
	})
	assert.Equal(t, "L", o.Measurements.Size)
	assert.Contains(t, o.Comments, "Measurements:",
		"comments untouched when the structured field is used")
}

func TestNormalizeInHouseStructuredKeys(t *testing.T) {
	n := New(nil)
	o := n.Normalize(store.Record{
		"id":           "o7",
		"measurements": map[string]any{"height": "160", "bust": "36", "highWaist": "30", "hips": "40"},
	})
	assert.Equal(t, "30", o.Measurements.HighWaist)
	assert.Equal(t, "160", o.Measurements.Height)
}

func TestNormalizeBrokenMeasurementsDegrade(t *testing.T) {
	sink := &CollectorSink{}
	n := New(sink)
	o := n.Normalize(store.Record{
		"id":           "o8",
		"measurements": "{not json",
	})
	assert.True(t, o.Measurements.IsZero())
	require.NotEmpty(t, sink.Diagnostics)
	assert.Equal(t, "measurements_field", sink.Diagnostics[0].Check)
}

func TestNormalizeDates(t *testing.T) {
	n := New(nil)
	o := n.Normalize(store.Record{
		"id":           "o9",
		"created_at":   "2025-06-01T09:30:00Z",
		"updated_at":   "2025-06-02 14:00:00",
		"completed_at": nil,
	})
	assert.Equal(t, "2025-06-01", o.CreatedAt)
	assert.Equal(t, "2025-06-02", o.UpdatedAt)
	assert.Empty(t, o.CompletedAt, "absent timestamp must not become an epoch date")
}

func TestNormalizePriceDivergenceDiagnostic(t *testing.T) {
	sink := &CollectorSink{}
	n := New(sink)
	o := n.Normalize(store.Record{
		"id":     "o10",
		"status": "pending",
		"items": []any{
			map[string]any{"product_name": "A", "price": 2000.0},
			map[string]any{"product_name": "B", "price": 500.0},
		},
		"total_price": 2400.0,
	})
	assert.Equal(t, 2400.0, o.TotalPrice, "stored aggregate is retained")
	assert.Equal(t, 2500.0, o.ItemSum(), "item sum is retained too")
	require.NotEmpty(t, sink.Diagnostics)
	assert.Equal(t, "total_price", sink.Diagnostics[0].Check)
}

func TestNormalizeItemsFlatCoexistence(t *testing.T) {
	sink := &CollectorSink{}
	n := New(sink)
	o := n.Normalize(store.Record{
		"id":           "o11",
		"product_name": "Old Column",
		"items": []any{
			map[string]any{"product_name": "From Array", "price": 100.0},
		},
	})
	require.Len(t, o.Items, 1)
	assert.Equal(t, "From Array", o.Items[0].ProductName, "array wins over flat fields")
	found := false
	for _, d := range sink.Diagnostics {
		if d.Check == "items_shape" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNormalizeStringEncodedItems(t *testing.T) {
	n := New(nil)
	o := n.Normalize(store.Record{
		"id":    "o12",
		"items": `[{"product_name":"Kaftan","price":1800}]`,
	})
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Kaftan", o.Items[0].ProductName)
	assert.Equal(t, 1800.0, o.Items[0].UnitPrice)
}

func TestNormalizeCheckedFlag(t *testing.T) {
	n := New(nil)
	assert.True(t, n.Normalize(store.Record{"id": "o13", "checked": true}).Checked)
	assert.False(t, n.Normalize(store.Record{"id": "o13"}).Checked)
}
