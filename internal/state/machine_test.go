package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tabfence/tabfence/internal/sessionhost"
	"github.com/tabfence/tabfence/pkg/models"
)

func newTestMachine(t *testing.T) (*Machine, *sessionhost.Memory) {
	t.Helper()
	sessions := sessionhost.NewMemory()
	return New(sessions, zap.NewNop()), sessions
}

// driveTo walks a context along the happy path until it reaches target.
func driveTo(t *testing.T, m *Machine, id string, target models.ContextState) {
	t.Helper()
	path := []models.ContextState{
		models.StatePolicyEval,
		models.StateRouteSet,
		models.StateActive,
		models.StateRotating,
		models.StateDraining,
	}
	if target == models.StateNew {
		return
	}
	for _, s := range path {
		_, err := m.TransitionTo(id, s)
		require.NoError(t, err)
		if s == target {
			return
		}
	}
	t.Fatalf("unreachable target state %s", target)
}

func TestCreateContext(t *testing.T) {
	m, sessions := newTestMachine(t)

	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "tabfence-"+c.ID, c.PartitionKey)
	assert.Equal(t, models.StateNew, c.State)
	assert.False(t, c.Active)
	assert.Equal(t, models.ProxyDirect, c.Proxy.Type)
	assert.Empty(t, c.TabIDs)
	assert.Equal(t, 1, sessions.Len())
}

type failingAllocator struct {
	sessionhost.Provider
}

func (f *failingAllocator) Allocate(context.Context, string) (sessionhost.Handle, error) {
	return "", errors.New("no partitions left")
}

func TestCreateContextAllocationFailure(t *testing.T) {
	m := New(&failingAllocator{Provider: sessionhost.NewMemory()}, zap.NewNop())

	c, err := m.CreateContext(context.Background(), nil)
	require.Error(t, err)
	require.NotNil(t, c)

	// The context exists but is immediately poisoned.
	assert.Equal(t, models.StateError, c.State)
	assert.Contains(t, c.ErrorMessage, "session allocation failed")

	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateError, got.State)
}

func TestInitializeActivateSequence(t *testing.T) {
	m, sessions := newTestMachine(t)

	var states []models.ContextState
	var actives []bool
	record := func(id string) {
		c, err := m.Get(id)
		require.NoError(t, err)
		states = append(states, c.State)
		actives = append(actives, c.Active)
	}

	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)
	record(c.ID)

	m.OnTransition(func(id string, _, _ models.ContextState) { record(id) })

	_, err = m.InitializeContext(context.Background(), c.ID)
	require.NoError(t, err)
	_, err = m.ActivateContext(c.ID)
	require.NoError(t, err)

	assert.Equal(t, []models.ContextState{
		models.StateNew, models.StatePolicyEval, models.StateRouteSet, models.StateActive,
	}, states)
	assert.Equal(t, []bool{false, false, false, true}, actives)

	// Initialization installed the direct route on the session.
	h, ok := m.SessionOf(c.ID)
	require.True(t, ok)
	route, ok := sessions.Route(h)
	require.True(t, ok)
	assert.Equal(t, "direct://", route)
}

func TestActivateRequiresRouteSet(t *testing.T) {
	m, _ := newTestMachine(t)
	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)

	_, err = m.ActivateContext(c.ID)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, models.StateNew, ise.Current)
	assert.Equal(t, models.StateRouteSet, ise.Required)

	// Precondition failure does not poison the context.
	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateNew, got.State)
}

func TestIllegalTransitionsForceError(t *testing.T) {
	table := map[models.ContextState][]models.ContextState{
		models.StateNew:        {models.StatePolicyEval, models.StateError},
		models.StatePolicyEval: {models.StateRouteSet, models.StateError},
		models.StateRouteSet:   {models.StateActive, models.StateError},
		models.StateActive:     {models.StateRotating, models.StateClosed, models.StateError},
		models.StateRotating:   {models.StateDraining, models.StateError},
		models.StateDraining:   {models.StatePolicyEval, models.StateError},
	}

	for from, allowed := range table {
		for _, target := range models.States {
			legal := false
			for _, a := range allowed {
				if a == target {
					legal = true
				}
			}
			if legal {
				continue
			}

			t.Run(fmt.Sprintf("%s_to_%s", from, target), func(t *testing.T) {
				m, _ := newTestMachine(t)
				c, err := m.CreateContext(context.Background(), nil)
				require.NoError(t, err)
				driveTo(t, m, c.ID, from)

				_, err = m.TransitionTo(c.ID, target)
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, from, ite.From)
				assert.Equal(t, target, ite.To)

				got, err := m.Get(c.ID)
				require.NoError(t, err)
				assert.Equal(t, models.StateError, got.State)
				assert.False(t, got.Active)
				assert.NotEmpty(t, got.ErrorMessage)

				// Any subsequent state-gated operation fails.
				_, err = m.ActivateContext(c.ID)
				assert.Error(t, err)
				_, err = m.RotateIdentity(context.Background(), c.ID, nil)
				assert.Error(t, err)
			})
		}
	}
}

func TestTransitionToUnknownState(t *testing.T) {
	m, _ := newTestMachine(t)
	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)

	_, err = m.TransitionTo(c.ID, models.ContextState("TELEPORTING"))
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)

	got, _ := m.Get(c.ID)
	assert.Equal(t, models.StateError, got.State)
}

func TestTransitionToUnknownContext(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := m.TransitionTo("nope", models.StatePolicyEval)
	var nfe *NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func activeContext(t *testing.T, m *Machine) *models.Context {
	t.Helper()
	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)
	_, err = m.InitializeContext(context.Background(), c.ID)
	require.NoError(t, err)
	c, err = m.ActivateContext(c.ID)
	require.NoError(t, err)
	return c
}

func TestRotateIdentity(t *testing.T) {
	m, sessions := newTestMachine(t)
	c := activeContext(t, m)

	require.True(t, m.AddTabToContext(c.ID, "tab-1"))
	require.True(t, m.AddTabToContext(c.ID, "tab-2"))
	before, err := m.Get(c.ID)
	require.NoError(t, err)

	var sequence []models.ContextState
	m.OnTransition(func(_ string, _, to models.ContextState) {
		sequence = append(sequence, to)
	})

	h, _ := m.SessionOf(c.ID)
	newProxy := &models.ProxyConfig{Type: models.ProxySOCKS5, Host: "127.0.0.1", Port: 9050}

	rotated, err := m.RotateIdentity(context.Background(), c.ID, newProxy)
	require.NoError(t, err)

	assert.Equal(t, []models.ContextState{
		models.StateRotating, models.StateDraining, models.StatePolicyEval,
		models.StateRouteSet, models.StateActive,
	}, sequence)

	assert.Equal(t, models.StateActive, rotated.State)
	assert.True(t, rotated.Active)
	assert.Equal(t, *newProxy, *rotated.Proxy)
	assert.True(t, rotated.CreatedAt.After(before.CreatedAt))
	assert.ElementsMatch(t, []string{"tab-1", "tab-2"}, rotated.TabIDs)

	// The drain cleared all session state and the new route was installed.
	assert.Equal(t, 1, sessions.ClearCount(h))
	route, _ := sessions.Route(h)
	assert.Equal(t, "socks5://127.0.0.1:9050", route)
}

func TestRotateIdentityKeepsProxyWhenOmitted(t *testing.T) {
	m, _ := newTestMachine(t)
	c := activeContext(t, m)

	rotated, err := m.RotateIdentity(context.Background(), c.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProxyDirect, rotated.Proxy.Type)
}

func TestRotateIdentityRequiresActive(t *testing.T) {
	m, _ := newTestMachine(t)
	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)

	_, err = m.RotateIdentity(context.Background(), c.ID, nil)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, models.StateActive, ise.Required)
}

// blockingClears lets a test hold a rotation inside its drain step.
type blockingClears struct {
	*sessionhost.Memory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingClears) ClearAll(ctx context.Context, h sessionhost.Handle) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Memory.ClearAll(ctx, h)
}

func TestRotateIdentitySingleFlight(t *testing.T) {
	sessions := &blockingClears{
		Memory:  sessionhost.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := New(sessions, zap.NewNop())
	c := activeContext(t, m)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = m.RotateIdentity(context.Background(), c.ID, nil)
	}()

	// First rotation is parked in DRAINING.
	<-sessions.entered
	s, _ := m.StateOf(c.ID)
	assert.Equal(t, models.StateDraining, s)

	_, err := m.RotateIdentity(context.Background(), c.ID, nil)
	var rife *RotationInFlightError
	require.ErrorAs(t, err, &rife)

	// Destroying mid-rotation is rejected, not raced.
	_, err = m.DestroyContext(context.Background(), c.ID)
	require.ErrorAs(t, err, &rife)

	close(sessions.release)
	wg.Wait()
	require.NoError(t, firstErr)

	s, _ = m.StateOf(c.ID)
	assert.Equal(t, models.StateActive, s)
}

type failingClears struct {
	*sessionhost.Memory
}

func (f *failingClears) ClearAll(context.Context, sessionhost.Handle) error {
	return errors.New("disk on fire")
}

func TestRotateIdentityDrainFailurePoisons(t *testing.T) {
	m := New(&failingClears{Memory: sessionhost.NewMemory()}, zap.NewNop())
	c := activeContext(t, m)

	_, err := m.RotateIdentity(context.Background(), c.ID, nil)
	require.Error(t, err)

	got, _ := m.Get(c.ID)
	assert.Equal(t, models.StateError, got.State)
	assert.Contains(t, got.ErrorMessage, "drain failed")
}

func TestDestroyContext(t *testing.T) {
	m, sessions := newTestMachine(t)
	c := activeContext(t, m)

	ok, err := m.DestroyContext(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, sessions.Len())

	_, err = m.Get(c.ID)
	var nfe *NotFoundError
	assert.ErrorAs(t, err, &nfe)

	// Second destroy is a no-op failure.
	ok, err = m.DestroyContext(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDestroyUnknownContext(t *testing.T) {
	m, _ := newTestMachine(t)
	ok, err := m.DestroyContext(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Stats().Total)
}

func TestDestroyErroredContext(t *testing.T) {
	m, _ := newTestMachine(t)
	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)
	_, _ = m.TransitionTo(c.ID, models.StateClosed) // illegal from NEW, poisons

	got, _ := m.Get(c.ID)
	require.Equal(t, models.StateError, got.State)

	ok, err := m.DestroyContext(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDestroySurvivesClearFailure(t *testing.T) {
	m := New(&failingClears{Memory: sessionhost.NewMemory()}, zap.NewNop())
	c := activeContext(t, m)

	ok, err := m.DestroyContext(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Get(c.ID)
	assert.Error(t, err)
}

func TestTabAssociation(t *testing.T) {
	m, _ := newTestMachine(t)
	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, m.AddTabToContext(c.ID, "tab-1"))
	assert.True(t, m.AddTabToContext(c.ID, "tab-1")) // duplicate is absorbed
	assert.True(t, m.AddTabToContext(c.ID, "tab-2"))

	got, _ := m.Get(c.ID)
	assert.Equal(t, []string{"tab-1", "tab-2"}, got.TabIDs)

	assert.True(t, m.RemoveTabFromContext(c.ID, "tab-1"))
	assert.False(t, m.RemoveTabFromContext(c.ID, "tab-1"))

	assert.False(t, m.AddTabToContext("ghost", "tab-3"))
}

func TestTabAssociationRejectedInTerminalStates(t *testing.T) {
	for _, target := range []models.ContextState{models.StateRotating, models.StateDraining} {
		m, _ := newTestMachine(t)
		c, err := m.CreateContext(context.Background(), nil)
		require.NoError(t, err)
		driveTo(t, m, c.ID, target)
		assert.False(t, m.AddTabToContext(c.ID, "tab-1"), "state %s", target)
	}

	m, _ := newTestMachine(t)
	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)
	_, _ = m.TransitionTo(c.ID, models.StateClosed) // poisons to ERROR
	assert.False(t, m.AddTabToContext(c.ID, "tab-1"))
}

func TestStats(t *testing.T) {
	m, _ := newTestMachine(t)

	activeContext(t, m)
	activeContext(t, m)
	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)
	_, _ = m.TransitionTo(c.ID, models.StateActive) // poisons to ERROR

	stats := m.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 2, stats.ByState[models.StateActive])
	assert.Equal(t, 1, stats.ByState[models.StateError])
}

func TestMutateInStateGate(t *testing.T) {
	m, _ := newTestMachine(t)
	c := activeContext(t, m)

	err := m.MutateInState(c.ID, models.StateRouteSet, "setProxy", func(*models.Context) error {
		t.Fatal("mutation ran outside required state")
		return nil
	})
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, models.StateActive, ise.Current)
	assert.Equal(t, models.StateRouteSet, ise.Required)
}

func TestGetReturnsCopies(t *testing.T) {
	m, _ := newTestMachine(t)
	c, err := m.CreateContext(context.Background(), nil)
	require.NoError(t, err)

	first, _ := m.Get(c.ID)
	first.TabIDs = append(first.TabIDs, "smuggled")
	first.State = models.StateActive

	second, _ := m.Get(c.ID)
	assert.Empty(t, second.TabIDs)
	assert.Equal(t, models.StateNew, second.State)
}

func TestConcurrentReadsDuringTransitions(t *testing.T) {
	m, _ := newTestMachine(t)
	c := activeContext(t, m)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, _ = m.RotateIdentity(context.Background(), c.ID, nil)
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			s, ok := m.StateOf(c.ID)
			require.True(t, ok)
			assert.Equal(t, models.StateActive, s)
			return
		case <-deadline:
			t.Fatal("rotations did not finish")
		default:
			if s, ok := m.StateOf(c.ID); ok {
				assert.True(t, s.Valid())
			}
		}
	}
}
