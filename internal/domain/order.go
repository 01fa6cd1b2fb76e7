package domain

// Stage is the pipeline position an order currently occupies. Orders move
// one-directionally along Pending → InProgress → ToDeliver → Completed;
// Cancelled is reachable only from Pending.
type Stage string

const (
	StagePending    Stage = "pending"
	StageInProgress Stage = "in_progress"
	StageToDeliver  Stage = "to_deliver"
	StageCompleted  Stage = "completed"
	StageCancelled  Stage = "cancelled"
)

// ParseStage maps a stored status string to a Stage. Unknown values fall
// back to Pending so a malformed record still lands somewhere visible.
func ParseStage(s string) Stage {
	switch Stage(s) {
	case StagePending, StageInProgress, StageToDeliver, StageCompleted, StageCancelled:
		return Stage(s)
	default:
		return StagePending
	}
}

// Valid reports whether s is one of the five known stages.
func (s Stage) Valid() bool {
	switch s {
	case StagePending, StageInProgress, StageToDeliver, StageCompleted, StageCancelled:
		return true
	}
	return false
}

// Next returns the legal successor stage, or "" for terminal stages.
func (s Stage) Next() Stage {
	switch s {
	case StagePending:
		return StageInProgress
	case StageInProgress:
		return StageToDeliver
	case StageToDeliver:
		return StageCompleted
	}
	return ""
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Stage) CanTransitionTo(next Stage) bool {
	if next == StageCancelled {
		return s == StagePending
	}
	return s.Next() == next
}

// Customer is the resolved buyer identity. Resolved from the relational
// customer reference when one exists; legacy flat fields only otherwise.
type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Measurements holds garment measurements. The standard form fills
// Size/Bust/Waist/Hips/Length; the in-house form fills
// Height/Bust/HighWaist/Hips. Fields are strings because source data mixes
// numbers, ranges ("34-36") and labels ("M").
type Measurements struct {
	Size      string `json:"size,omitempty"`
	Bust      string `json:"bust,omitempty"`
	Waist     string `json:"waist,omitempty"`
	Hips      string `json:"hips,omitempty"`
	Length    string `json:"length,omitempty"`
	Height    string `json:"height,omitempty"`
	HighWaist string `json:"high_waist,omitempty"`
}

// IsZero reports whether no measurement field is set.
func (m Measurements) IsZero() bool {
	return m == Measurements{}
}

// OrderItem is one garment line within an order.
type OrderItem struct {
	ProductName  string       `json:"product_name"`
	ProductImage string       `json:"product_image"`
	Color        string       `json:"color"`
	UnitPrice    float64      `json:"unit_price"`
	Measurements Measurements `json:"measurements"`
}

// Order is the canonical in-memory order, produced by the normalizer
// regardless of which legacy storage shape the record arrived in.
//
// TotalPrice is the stored aggregate and may legitimately diverge from the
// sum of item prices on multi-item orders; both values are retained.
type Order struct {
	ID               string       `json:"id"`
	Stage            Stage        `json:"stage"`
	Customer         Customer     `json:"customer"`
	Items            []OrderItem  `json:"items"`
	TotalPrice       float64      `json:"total_price"`
	Measurements     Measurements `json:"measurements"`
	Comments         string       `json:"comments"`
	DeliveryOption   string       `json:"delivery_option,omitempty"`
	DeliveryLocation string       `json:"delivery_location,omitempty"`
	PaymentOption    string       `json:"payment_option,omitempty"`
	PaymentReference string       `json:"payment_reference,omitempty"`
	CreatedAt        string       `json:"created_at"`
	UpdatedAt        string       `json:"updated_at"`
	CompletedAt      string       `json:"completed_at,omitempty"`
	Checked          bool         `json:"checked"`
}

// ItemSum returns the sum of unit prices across items. Diagnostics compare
// this against TotalPrice; nothing else derives from it.
func (o Order) ItemSum() float64 {
	var sum float64
	for _, it := range o.Items {
		sum += it.UnitPrice
	}
	return sum
}
