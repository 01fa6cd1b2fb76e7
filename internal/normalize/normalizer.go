// Package normalize turns raw stored order records of any legacy shape into
// the one canonical Order the rest of the pipeline works with.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"atelier-system/internal/domain"
	"atelier-system/internal/store"
)

// PlaceholderImage stands in for items whose image was never uploaded.
const PlaceholderImage = "https://placehold.co/300x300?text=No+Image"

// UnknownCustomer is used when a customer reference exists but the joined
// object is missing. Falling back to the denormalized flat fields in that
// case would resurrect stale names.
const UnknownCustomer = "Unknown Customer"

// Normalizer converts raw records to canonical orders. It is pure and
// total: malformed input degrades to documented defaults plus a diagnostic,
// never an error.
type Normalizer struct {
	diag Sink
}

// New returns a Normalizer reporting findings to sink. A nil sink discards
// them.
func New(sink Sink) *Normalizer {
	if sink == nil {
		sink = nopSink{}
	}
	return &Normalizer{diag: sink}
}

// Normalize maps one raw record to its canonical Order.
func (n *Normalizer) Normalize(raw store.Record) domain.Order {
	if raw == nil {
		raw = store.Record{}
	}
	o := domain.Order{
		ID:               raw.ID(),
		Stage:            domain.ParseStage(raw.String("status")),
		DeliveryOption:   raw.String("delivery_option"),
		DeliveryLocation: raw.String("delivery_location"),
		PaymentOption:    raw.String("payment_option"),
		PaymentReference: raw.String("payment_reference"),
		CreatedAt:        formatDate(raw.String("created_at")),
		UpdatedAt:        formatDate(raw.String("updated_at")),
		CompletedAt:      formatDate(raw.String("completed_at")),
		Checked:          raw.Bool("checked"),
	}

	o.Customer = n.resolveCustomer(raw)
	o.Measurements, o.Comments = n.resolveMeasurements(raw)
	o.Items = n.resolveItems(raw, o.Measurements)
	o.TotalPrice = resolveTotal(raw, o.Items)

	n.checkPriceDivergence(o)
	return o
}

// resolveCustomer applies the resolution order from the storage contract:
// joined relational object first; flat legacy fields only when no reference
// id exists at all. A dangling reference yields the placeholder, never the
// flat fields.
func (n *Normalizer) resolveCustomer(raw store.Record) domain.Customer {
	joined := customerObject(raw["customers"])
	if joined != nil {
		cust := domain.Customer{
			Name:  strings.TrimSpace(store.Record(joined).String("name")),
			Phone: strings.TrimSpace(store.Record(joined).String("phone")),
		}
		if cust.Name == "" {
			cust.Name = UnknownCustomer
		}
		if refID := raw.String("customer_id"); refID != "" {
			if joinedID := store.Record(joined).String("id"); joinedID != "" && joinedID != refID {
				n.diag.Emit(Diagnostic{
					Severity:    SeverityWarn,
					OrderID:     raw.ID(),
					Check:       "customer_reference",
					Description: fmt.Sprintf("customer_id %s disagrees with joined customer %s", refID, joinedID),
				})
			}
		}
		return cust
	}

	if raw.Has("customer_id") && raw.String("customer_id") != "" {
		n.diag.Emit(Diagnostic{
			Severity:    SeverityWarn,
			OrderID:     raw.ID(),
			Check:       "customer_reference",
			Description: "customer reference present but joined customer missing",
		})
		return domain.Customer{Name: UnknownCustomer}
	}

	cust := domain.Customer{
		Name:  strings.TrimSpace(raw.String("customer_name")),
		Phone: strings.TrimSpace(raw.String("customer_phone")),
	}
	if cust.Name == "" {
		cust.Name = UnknownCustomer
	}
	return cust
}

// customerObject accepts the joined customer as an object, or defensively
// as an array of one.
func customerObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		if len(t) >= 1 {
			if m, ok := t[0].(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

// resolveMeasurements prefers the structured field; string-encoded JSON is
// parsed, and a parse failure degrades to the zeroed default. Only when no
// structured field exists are the comments scanned, and the matched
// annotation is stripped so readers do not see it twice.
func (n *Normalizer) resolveMeasurements(raw store.Record) (domain.Measurements, string) {
	comments := raw.String("comments")

	if hasStructuredMeasurements(raw) {
		m, ok := decodeMeasurements(raw["measurements"])
		if !ok {
			n.diag.Emit(Diagnostic{
				Severity:    SeverityInfo,
				OrderID:     raw.ID(),
				Check:       "measurements_field",
				Description: "structured measurements present but undecodable",
			})
		}
		return m, comments
	}

	if m, residual, ok := ExtractMeasurements(comments); ok {
		return m, residual
	}
	return domain.Measurements{}, comments
}

// hasStructuredMeasurements treats an empty string the same as an absent
// column so the comment scan still runs for those records.
func hasStructuredMeasurements(raw store.Record) bool {
	v, ok := raw["measurements"]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return false
	}
	return true
}

func decodeMeasurements(v any) (domain.Measurements, bool) {
	var obj map[string]any
	switch t := v.(type) {
	case map[string]any:
		obj = t
	case string:
		if strings.TrimSpace(t) == "" {
			return domain.Measurements{}, false
		}
		if err := json.Unmarshal([]byte(t), &obj); err != nil {
			return domain.Measurements{}, false
		}
	default:
		return domain.Measurements{}, false
	}
	if obj == nil {
		return domain.Measurements{}, false
	}
	rec := store.Record(obj)
	pick := func(keys ...string) string {
		for _, k := range keys {
			if s := strings.TrimSpace(rec.String(k)); s != "" {
				return s
			}
		}
		return ""
	}
	// the in-house form spells highWaist in camelCase, newer rows use
	// snake_case
	m := domain.Measurements{
		Size:      pick("size"),
		Bust:      pick("bust"),
		Waist:     pick("waist"),
		Hips:      pick("hips"),
		Length:    pick("length"),
		Height:    pick("height"),
		HighWaist: pick("high_waist", "highWaist"),
	}
	return m, true
}

// resolveItems maps the JSON items array when present, otherwise
// synthesizes a one-element list from the flat legacy columns. The result
// is never empty.
func (n *Normalizer) resolveItems(raw store.Record, orderMeasurements domain.Measurements) []domain.OrderItem {
	entries := itemEntries(raw["items"])
	if len(entries) > 0 {
		if raw.String("product_name") != "" {
			n.diag.Emit(Diagnostic{
				Severity:    SeverityInfo,
				OrderID:     raw.ID(),
				Check:       "items_shape",
				Description: "items array and flat product fields coexist; array wins",
			})
		}
		items := make([]domain.OrderItem, 0, len(entries))
		for _, e := range entries {
			items = append(items, itemFromEntry(e))
		}
		return items
	}

	// legacy single-item record
	item := domain.OrderItem{
		ProductName:  raw.String("product_name"),
		ProductImage: raw.String("product_image"),
		Color:        raw.String("color"),
		UnitPrice:    raw.Float("price"),
		Measurements: orderMeasurements,
	}
	if item.ProductImage == "" {
		item.ProductImage = PlaceholderImage
	}
	return []domain.OrderItem{item}
}

// itemEntries accepts the items array directly or as a string-encoded JSON
// array, tolerating non-map entries by dropping them.
func itemEntries(v any) []map[string]any {
	var rawList []any
	switch t := v.(type) {
	case []any:
		rawList = t
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		if json.Unmarshal([]byte(t), &rawList) != nil {
			return nil
		}
	default:
		return nil
	}
	out := make([]map[string]any, 0, len(rawList))
	for _, e := range rawList {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func itemFromEntry(e map[string]any) domain.OrderItem {
	rec := store.Record(e)
	item := domain.OrderItem{
		ProductName:  rec.String("product_name"),
		ProductImage: rec.String("product_image"),
		Color:        rec.String("color"),
		UnitPrice:    rec.Float("price"),
	}
	if item.UnitPrice == 0 && rec.Has("unit_price") {
		item.UnitPrice = rec.Float("unit_price")
	}
	if m, ok := decodeMeasurements(e["measurements"]); ok {
		item.Measurements = m
	}
	if item.ProductImage == "" {
		item.ProductImage = PlaceholderImage
	}
	return item
}

// resolveTotal keeps the stored aggregate when present; a legacy record
// derives it from the single item. The aggregate and the item sum may
// legitimately diverge on multi-item orders and both survive.
func resolveTotal(raw store.Record, items []domain.OrderItem) float64 {
	if raw.Has("total_price") {
		return raw.Float("total_price")
	}
	var sum float64
	for _, it := range items {
		sum += it.UnitPrice
	}
	return sum
}

func (n *Normalizer) checkPriceDivergence(o domain.Order) {
	if len(o.Items) < 2 {
		return
	}
	if math.Abs(o.TotalPrice-o.ItemSum()) > 0.005 {
		n.diag.Emit(Diagnostic{
			Severity:    SeverityInfo,
			OrderID:     o.ID,
			Check:       "total_price",
			Description: fmt.Sprintf("stored total %.2f diverges from item sum %.2f", o.TotalPrice, o.ItemSum()),
		})
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// formatDate renders a stored timestamp as YYYY-MM-DD. An absent or
// unparseable value yields "", never an epoch date.
func formatDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}
