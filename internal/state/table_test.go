package state

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tabfence/tabfence/pkg/models"
)

func TestTableShape(t *testing.T) {
	tests := []struct {
		from    models.ContextState
		allowed []models.ContextState
	}{
		{models.StateNew, []models.ContextState{models.StatePolicyEval, models.StateError}},
		{models.StatePolicyEval, []models.ContextState{models.StateRouteSet, models.StateError}},
		{models.StateRouteSet, []models.ContextState{models.StateActive, models.StateError}},
		{models.StateActive, []models.ContextState{models.StateRotating, models.StateClosed, models.StateError}},
		{models.StateRotating, []models.ContextState{models.StateDraining, models.StateError}},
		{models.StateDraining, []models.ContextState{models.StatePolicyEval, models.StateError}},
		{models.StateClosed, nil},
		{models.StateError, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			assert.ElementsMatch(t, tt.allowed, AllowedTargets(tt.from))
		})
	}
}

func TestCanTransitionExhaustive(t *testing.T) {
	allowed := map[models.ContextState]map[models.ContextState]bool{
		models.StateNew:        {models.StatePolicyEval: true, models.StateError: true},
		models.StatePolicyEval: {models.StateRouteSet: true, models.StateError: true},
		models.StateRouteSet:   {models.StateActive: true, models.StateError: true},
		models.StateActive:     {models.StateRotating: true, models.StateClosed: true, models.StateError: true},
		models.StateRotating:   {models.StateDraining: true, models.StateError: true},
		models.StateDraining:   {models.StatePolicyEval: true, models.StateError: true},
	}

	for _, from := range models.States {
		for _, to := range models.States {
			want := allowed[from][to]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesHaveNoTargets(t *testing.T) {
	for _, s := range models.States {
		if s.Terminal() {
			assert.Empty(t, AllowedTargets(s))
		}
	}
}
