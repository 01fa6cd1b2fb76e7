package stage

import "atelier-system/internal/domain"

// The four pipeline views. Each owns a disjoint predicate over the same
// collection, so no cross-view locking is ever needed.

// NewIntake views orders awaiting production (pending).
func NewIntake(d Deps) *View { return newView("intake", domain.StagePending, d) }

// NewProduction views orders being made (in_progress).
func NewProduction(d Deps) *View { return newView("production", domain.StageInProgress, d) }

// NewDispatch views orders ready to deliver (to_deliver).
func NewDispatch(d Deps) *View { return newView("dispatch", domain.StageToDeliver, d) }

// NewFulfilled views completed orders.
func NewFulfilled(d Deps) *View { return newView("fulfilled", domain.StageCompleted, d) }

// All constructs the full set in pipeline order.
func All(d Deps) []*View {
	return []*View{NewIntake(d), NewProduction(d), NewDispatch(d), NewFulfilled(d)}
}

// ByStage returns the view owning s, or nil.
func ByStage(views []*View, s domain.Stage) *View {
	for _, v := range views {
		if v.Stage() == s {
			return v
		}
	}
	return nil
}
