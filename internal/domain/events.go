package domain

// EventKind labels a cross-stage notification emitted after a successful
// transition.
type EventKind string

const (
	EventMoved     EventKind = "order.moved"
	EventCompleted EventKind = "order.completed"
	EventCancelled EventKind = "order.cancelled"
)

// KindForStage returns the event kind announcing arrival at stage.
func KindForStage(s Stage) EventKind {
	switch s {
	case StageCompleted:
		return EventCompleted
	case StageCancelled:
		return EventCancelled
	default:
		return EventMoved
	}
}

// OrderMoved is the message published to the cross-stage fanout after a
// transition commits.
type OrderMoved struct {
	Kind     EventKind `json:"kind"`
	OrderID  string    `json:"order_id"`
	From     Stage     `json:"from"`
	To       Stage     `json:"to"`
	Customer string    `json:"customer_name"`
	Total    float64   `json:"total_price"`
	MovedAt  string    `json:"moved_at"`
	Order    Order     `json:"order"`
}
