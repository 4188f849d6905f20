// Package engine implements the issue lifecycle state machine: the pure
// transition table, the per-stage handlers producing reasoning steps and
// side-effect intents, and the versioned checkpoint codec.
package engine

import (
	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

// Transitions is the allowed-transition table. Every move not listed here
// is rejected with a StateError.
var Transitions = map[model.Stage][]model.Stage{
	model.StageObserve:        {model.StageDetectPatterns},
	model.StageDetectPatterns: {model.StageAnalyze},
	model.StageAnalyze:        {model.StageDecide},
	model.StageDecide:         {model.StageAssessRisk},
	model.StageAssessRisk:     {model.StageWaitApproval, model.StageExecute},
	model.StageWaitApproval:   {model.StageExecute, model.StageComplete},
	model.StageExecute:        {model.StageRecord},
	model.StageRecord:         {model.StageComplete},
	model.StageComplete:       {},
}

// CanTransition reports whether the move from one stage to another is
// allowed by the transition table.
func CanTransition(from, to model.Stage) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a stage move and returns a StateError when it is
// not in the allowed table.
func Transition(from, to model.Stage) error {
	if !from.Valid() {
		return common.NewStateError("engine.Transition", "unknown stage "+string(from))
	}
	if !to.Valid() {
		return common.NewStateError("engine.Transition", "unknown stage "+string(to))
	}
	if !CanTransition(from, to) {
		return common.NewStateError("engine.Transition",
			"illegal transition "+string(from)+" -> "+string(to))
	}
	return nil
}
