package state

import "github.com/tabfence/tabfence/pkg/models"

// transitions is the lifecycle table: for each state, the set of states it
// may move to. CLOSED and ERROR are terminal. Every transition in the
// system goes through this table except terminal-state cleanup during
// destruction.
var transitions = map[models.ContextState][]models.ContextState{
	models.StateNew:        {models.StatePolicyEval, models.StateError},
	models.StatePolicyEval: {models.StateRouteSet, models.StateError},
	models.StateRouteSet:   {models.StateActive, models.StateError},
	models.StateActive:     {models.StateRotating, models.StateClosed, models.StateError},
	models.StateRotating:   {models.StateDraining, models.StateError},
	models.StateDraining:   {models.StatePolicyEval, models.StateError},
	models.StateClosed:     {},
	models.StateError:      {},
}

// AllowedTargets returns the transition targets for a state.
func AllowedTargets(from models.ContextState) []models.ContextState {
	return transitions[from]
}

// CanTransition reports whether the table permits from -> to.
func CanTransition(from, to models.ContextState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
