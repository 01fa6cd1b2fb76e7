package normalize

import "atelier-system/internal/common/logger"

// Severity ranks a reconciliation finding. Nothing here ever blocks a
// transition or changes a normalized order.
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
)

// Diagnostic is one integrity finding emitted during normalization.
type Diagnostic struct {
	Severity    Severity `json:"severity"`
	OrderID     string   `json:"order_id"`
	Check       string   `json:"check"`
	Description string   `json:"description"`
}

// Sink receives diagnostics. Implementations must not panic; the normalizer
// calls Emit inline.
type Sink interface {
	Emit(d Diagnostic)
}

// LoggerSink writes diagnostics to the structured log.
type LoggerSink struct {
	Log *logger.Logger
}

func (s LoggerSink) Emit(d Diagnostic) {
	fields := map[string]any{
		"order_id":    d.OrderID,
		"check":       d.Check,
		"description": d.Description,
	}
	if d.Severity == SeverityWarn {
		s.Log.Warn("reconciliation_diagnostic", fields)
		return
	}
	s.Log.Info("reconciliation_diagnostic", fields)
}

// CollectorSink buffers diagnostics in memory; the doctor command and tests
// use it.
type CollectorSink struct {
	Diagnostics []Diagnostic
}

func (s *CollectorSink) Emit(d Diagnostic) {
	s.Diagnostics = append(s.Diagnostics, d)
}

type nopSink struct{}

func (nopSink) Emit(Diagnostic) {}
