// Package store defines the record-store contract the pipeline is built
// against, plus the Postgres and in-memory implementations. Records are
// untyped maps because stored order shapes drift across deployments; the
// normalizer, not the store, decides what a field means.
package store

import (
	"context"
	"encoding/json"
	"strconv"
)

// Collection names used by the pipeline.
const Orders = "orders"

// Record is one stored row in its raw, schema-drifting shape.
type Record map[string]any

// ID returns the record's id coerced to a string. Numeric ids from older
// deployments are formatted without a decimal point.
func (r Record) ID() string { return r.String("id") }

// String returns the value under key coerced to a string; missing, nil and
// non-scalar values yield "".
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Float returns the value under key coerced to float64, 0 when absent or
// unparseable.
func (r Record) Float(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// Bool returns the value under key coerced to bool.
func (r Record) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	default:
		return false
	}
}

// Map returns the value under key as a map, or nil.
func (r Record) Map(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

// Slice returns the value under key as a slice, or nil.
func (r Record) Slice(key string) []any {
	s, _ := r[key].([]any)
	return s
}

// Has reports whether key is present and non-nil.
func (r Record) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Query describes a filtered read. Filter entries are matched by equality;
// a nil value matches only records where the field is NULL or absent.
type Query struct {
	Filter  map[string]any
	OrderBy string
	Desc    bool
	Limit   int
}

// EventKind classifies a change-feed event.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ChangeEvent is one push notification from the store. Before and After may
// be partial records: implementations guarantee at least id, status and
// deleted_at when the underlying transport cannot carry the whole row.
// Consumers treat an event as "go re-fetch", never as a diff.
type ChangeEvent struct {
	Kind   EventKind
	Before Record
	After  Record
}

// Subscription is a live change feed for one collection. Events is closed
// when the feed terminates; Err reports why.
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Close()
}

// Store is the persistence contract the pipeline consumes. All calls are
// blocking and honor ctx cancellation.
type Store interface {
	Query(ctx context.Context, collection string, q Query) ([]Record, error)
	Insert(ctx context.Context, collection string, rec Record) (Record, error)
	Update(ctx context.Context, collection, id string, patch Record) (Record, error)
	Subscribe(ctx context.Context, collection string) (Subscription, error)
}

// ConditionalUpdater is an optional capability: apply patch only while the
// record still matches expect. Stores lacking it force the coordinator into
// write-then-read-back verification.
type ConditionalUpdater interface {
	UpdateIf(ctx context.Context, collection, id string, expect, patch Record) (Record, error)
}
