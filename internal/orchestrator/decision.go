package orchestrator

import "github.com/skytrace/backend/internal/model"

// DecisionKind is the outcome family of a capability evaluation.
type DecisionKind int

const (
	// DecisionProceed runs the capability's effect.
	DecisionProceed DecisionKind = iota
	// DecisionSkip records the step as not applicable.
	DecisionSkip
	// DecisionFail records a business refusal; the pipeline continues.
	DecisionFail
	// DecisionDefer runs the effect that suspends the workflow (durable
	// request) and leaves the step pending until the named event arrives.
	DecisionDefer
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionProceed:
		return "proceed"
	case DecisionSkip:
		return "skip"
	case DecisionFail:
		return "fail"
	case DecisionDefer:
		return "defer"
	}
	return "unknown"
}

// Decision is what a capability evaluation resolves to.
type Decision struct {
	Kind   DecisionKind
	Reason string
	Until  model.EventType // set for DecisionDefer
}

// Proceed runs the step.
func Proceed() Decision { return Decision{Kind: DecisionProceed} }

// Skip records the step as not applicable.
func Skip(reason string) Decision { return Decision{Kind: DecisionSkip, Reason: reason} }

// Fail records a business refusal.
func Fail(reason string) Decision { return Decision{Kind: DecisionFail, Reason: reason} }

// Defer suspends the workflow until an event of type until arrives for the
// bag.
func Defer(until model.EventType) Decision {
	return Decision{Kind: DecisionDefer, Until: until, Reason: "awaiting " + string(until)}
}
