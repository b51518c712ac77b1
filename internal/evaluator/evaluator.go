// Package evaluator implements the pure iteration -> continue/bail
// mapping: no receiver, no hidden state, fully table-testable.
package evaluator

import "github.com/kodevadam/crucible/internal/testrun"

// Decision is one outcome of evaluating an iteration's test delta.
type Decision string

const (
	DecisionContinue    Decision = "continue"
	DecisionBailSame    Decision = "bail_same"
	DecisionBailWorse   Decision = "bail_worse"
	DecisionBailUnknown Decision = "bail_unknown"
)

// Evaluate is the Delta Evaluator: a total function of (iteration, delta,
// failureCount), exhaustively:
//
//	iteration 1: continue, unless failureCount == -1 -> bail_unknown
//	iteration >= 2: improved->continue, same->bail_same, worse->bail_worse,
//	                else->bail_unknown
//
// No other factor affects the decision.
func Evaluate(iteration int, delta testrun.Delta, failureCount int) Decision {
	if iteration <= 1 {
		if failureCount == -1 {
			return DecisionBailUnknown
		}
		return DecisionContinue
	}
	switch delta {
	case testrun.DeltaImproved:
		return DecisionContinue
	case testrun.DeltaSame:
		return DecisionBailSame
	case testrun.DeltaWorse:
		return DecisionBailWorse
	default:
		return DecisionBailUnknown
	}
}
