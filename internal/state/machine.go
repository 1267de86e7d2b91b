// Package state implements the browsing-context lifecycle: the transition
// table, the registry of live contexts, and the multi-step workflows that
// drive a context from creation through identity rotation to destruction.
// Every other enforcement point in the system (request interception, route
// configuration) consults this package for the authoritative state.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tabfence/tabfence/internal/proxycfg"
	"github.com/tabfence/tabfence/internal/sessionhost"
	"github.com/tabfence/tabfence/pkg/models"
)

// TransitionObserver is notified after each committed state transition.
type TransitionObserver func(id string, from, to models.ContextState)

// CreateObserver is notified after a context is created with a live
// session. The request interceptor attaches its hooks here.
type CreateObserver func(id string, session sessionhost.Handle)

// RegistryObserver is notified when a context enters or leaves the
// registry, with the state it carried at that moment. The per-state
// gauge keys on this plus the transition observer.
type RegistryObserver func(id string, state models.ContextState, registered bool)

// record binds a context to its session handle and rotation guard.
type record struct {
	ctx      *models.Context
	session  sessionhost.Handle
	rotation *semaphore.Weighted // single-flight: one rotation per context
}

// Machine owns the context registry and performs all state transitions.
// Mutation is serialized by mu; reads return deep copies so callers never
// share memory with the registry.
type Machine struct {
	sessions sessionhost.Provider
	log      *zap.Logger

	mu         sync.Mutex
	contexts   map[string]*record
	observers  []TransitionObserver
	onCreate   []CreateObserver
	onRegistry []RegistryObserver
}

// New creates a machine backed by the given session provider.
func New(sessions sessionhost.Provider, log *zap.Logger) *Machine {
	return &Machine{
		sessions: sessions,
		log:      log,
		contexts: make(map[string]*record),
	}
}

// OnTransition registers an observer for committed transitions. Observers
// run after the transition is visible; they must not block.
func (m *Machine) OnTransition(fn TransitionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// OnCreate registers an observer for successful context creation.
func (m *Machine) OnCreate(fn CreateObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreate = append(m.onCreate, fn)
}

// OnRegistry registers an observer for registry membership changes.
func (m *Machine) OnRegistry(fn RegistryObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRegistry = append(m.onRegistry, fn)
}

func (m *Machine) notifyRegistry(id string, state models.ContextState, registered bool) {
	m.mu.Lock()
	observers := append([]RegistryObserver(nil), m.onRegistry...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(id, state, registered)
	}
}

// partitionKey derives the deterministic storage partition key for an id.
func partitionKey(id string) string {
	return "tabfence-" + id
}

// CreateContext allocates a new context in state NEW with its own session
// partition. The only failure mode is session allocation, in which case
// the context is still registered but forced to ERROR.
func (m *Machine) CreateContext(ctx context.Context, proxy *models.ProxyConfig) (*models.Context, error) {
	id := uuid.New().String()
	if proxy == nil {
		proxy = models.DirectProxy()
	}

	c := &models.Context{
		ID:           id,
		PartitionKey: partitionKey(id),
		State:        models.StateNew,
		Proxy:        proxy,
		CreatedAt:    time.Now(),
		TabIDs:       []string{},
	}
	rec := &record{ctx: c, rotation: semaphore.NewWeighted(1)}

	handle, err := m.sessions.Allocate(ctx, c.PartitionKey)
	if err != nil {
		c.State = models.StateError
		c.ErrorMessage = fmt.Sprintf("session allocation failed: %v", err)
		m.mu.Lock()
		m.contexts[id] = rec
		m.mu.Unlock()
		m.notifyRegistry(id, models.StateError, true)
		m.log.Error("context created in ERROR state", zap.String("context", id), zap.Error(err))
		return c.Clone(), fmt.Errorf("session allocation failed for context %s: %w", id, err)
	}
	rec.session = handle

	m.mu.Lock()
	m.contexts[id] = rec
	created := append([]CreateObserver(nil), m.onCreate...)
	m.mu.Unlock()

	m.notifyRegistry(id, models.StateNew, true)
	for _, fn := range created {
		fn(id, handle)
	}

	m.log.Info("context created",
		zap.String("context", id),
		zap.String("partition", c.PartitionKey))
	return c.Clone(), nil
}

// Get returns a copy of the context, or a NotFoundError.
func (m *Machine) Get(id string) (*models.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.contexts[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return rec.ctx.Clone(), nil
}

// List returns copies of every registered context, including terminal ones.
func (m *Machine) List() []*models.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Context, 0, len(m.contexts))
	for _, rec := range m.contexts {
		out = append(out, rec.ctx.Clone())
	}
	return out
}

// StateOf returns the current lifecycle state for a context. The request
// interceptor keys its admission gate on this.
func (m *Machine) StateOf(id string) (models.ContextState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.contexts[id]
	if !ok {
		return "", false
	}
	return rec.ctx.State, true
}

// SessionOf returns the session handle bound to a context.
func (m *Machine) SessionOf(id string) (sessionhost.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.contexts[id]
	if !ok {
		return "", false
	}
	return rec.session, true
}

// TransitionTo moves a context to the target state if the table allows it.
// A transition not present in the table forces the context to ERROR and
// returns an InvalidTransitionError: an illegal transition never leaves
// ambiguous state behind.
func (m *Machine) TransitionTo(id string, target models.ContextState) (*models.Context, error) {
	m.mu.Lock()
	rec, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return nil, &NotFoundError{ID: id}
	}

	from := rec.ctx.State
	if !target.Valid() || !CanTransition(from, target) {
		rec.ctx.State = models.StateError
		rec.ctx.Active = false
		rec.ctx.ErrorMessage = fmt.Sprintf("illegal transition %s -> %s", from, target)
		m.mu.Unlock()
		m.notify(id, from, models.StateError)
		m.log.Warn("illegal transition forced context to ERROR",
			zap.String("context", id),
			zap.String("from", string(from)),
			zap.String("to", string(target)))
		return nil, &InvalidTransitionError{ID: id, From: from, To: target}
	}

	rec.ctx.State = target
	rec.ctx.Active = target == models.StateActive
	clone := rec.ctx.Clone()
	m.mu.Unlock()

	m.notify(id, from, target)
	m.log.Debug("context transitioned",
		zap.String("context", id),
		zap.String("from", string(from)),
		zap.String("to", string(target)))
	return clone, nil
}

// MutateInState runs fn against the live context record while verifying the
// context is in the required state. This is the single authority for
// state-gated mutation: the proxy configurator and the rotation workflow
// both go through it instead of keeping private bypasses.
func (m *Machine) MutateInState(id string, required models.ContextState, op string, fn func(*models.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.contexts[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if rec.ctx.State != required {
		return &InvalidStateError{ID: id, Op: op, Current: rec.ctx.State, Required: required}
	}
	return fn(rec.ctx)
}

// evaluatePolicy is the POLICY_EVAL extension point. It currently performs
// no checks.
func (m *Machine) evaluatePolicy(*models.Context) error {
	return nil
}

// InitializeContext drives NEW -> POLICY_EVAL -> ROUTE_SET and installs the
// context's route at the session layer. Called outside NEW, the first
// transition fails and poisons the context.
func (m *Machine) InitializeContext(ctx context.Context, id string) (*models.Context, error) {
	c, err := m.TransitionTo(id, models.StatePolicyEval)
	if err != nil {
		return nil, err
	}
	if err := m.evaluatePolicy(c); err != nil {
		return nil, err
	}
	c, err = m.TransitionTo(id, models.StateRouteSet)
	if err != nil {
		return nil, err
	}

	if err := m.installRoute(ctx, id); err != nil {
		m.log.Warn("initial route install failed", zap.String("context", id), zap.Error(err))
	}
	return c, nil
}

// installRoute pushes the context's current proxy to its session.
func (m *Machine) installRoute(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	handle := rec.session
	route := proxycfg.ToProxyRules(rec.ctx.Proxy)
	m.mu.Unlock()

	return m.sessions.SetRoute(ctx, handle, route)
}

// ActivateContext moves a context from ROUTE_SET to ACTIVE. Any other
// current state is a retryable precondition failure, not a poisoning one.
func (m *Machine) ActivateContext(id string) (*models.Context, error) {
	if err := m.requireState(id, models.StateRouteSet, "activateContext"); err != nil {
		return nil, err
	}
	return m.TransitionTo(id, models.StateActive)
}

// RotateIdentity rotates a context's browsing identity in place: drain the
// old session state, optionally swap the route, and re-admit traffic. The
// full clear completes strictly before the context can re-enter ACTIVE, so
// no request is ever admitted against residual identity state. At most one
// rotation runs per context; a concurrent call is rejected.
func (m *Machine) RotateIdentity(ctx context.Context, id string, newProxy *models.ProxyConfig) (*models.Context, error) {
	m.mu.Lock()
	rec, ok := m.contexts[id]
	m.mu.Unlock()
	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	if !rec.rotation.TryAcquire(1) {
		return nil, &RotationInFlightError{ID: id}
	}
	defer rec.rotation.Release(1)

	if err := m.requireState(id, models.StateActive, "rotateIdentity"); err != nil {
		return nil, err
	}

	if _, err := m.TransitionTo(id, models.StateRotating); err != nil {
		return nil, err
	}
	if _, err := m.TransitionTo(id, models.StateDraining); err != nil {
		return nil, err
	}

	// Full drain: cookies, local storage, indexed storage, service worker
	// state, cache storage. A failed drain poisons the context rather than
	// letting a half-cleared identity go back into service.
	if err := m.sessions.ClearAll(ctx, rec.session); err != nil {
		m.forceError(id, fmt.Sprintf("drain failed: %v", err))
		return nil, fmt.Errorf("drain failed for context %s: %w", id, err)
	}

	if _, err := m.TransitionTo(id, models.StatePolicyEval); err != nil {
		return nil, err
	}

	err := m.MutateInState(id, models.StatePolicyEval, "rotateIdentity", func(c *models.Context) error {
		if newProxy != nil {
			p := *newProxy
			c.Proxy = &p
		}
		c.CreatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.TransitionTo(id, models.StateRouteSet); err != nil {
		return nil, err
	}
	if err := m.installRoute(ctx, id); err != nil {
		m.forceError(id, fmt.Sprintf("route install failed: %v", err))
		return nil, fmt.Errorf("route install failed for context %s: %w", id, err)
	}

	c, err := m.TransitionTo(id, models.StateActive)
	if err != nil {
		return nil, err
	}

	m.log.Info("identity rotated", zap.String("context", id))
	return c, nil
}

// DestroyContext tears a context down and removes it from the registry.
// Storage clears are best effort: a failed clear is logged, never a reason
// to keep a context alive. Returns false when the context does not exist.
// Destruction is rejected while a rotation is in flight.
func (m *Machine) DestroyContext(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	rec, ok := m.contexts[id]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	if !rec.rotation.TryAcquire(1) {
		return false, &RotationInFlightError{ID: id}
	}
	defer rec.rotation.Release(1)

	m.mu.Lock()
	from := rec.ctx.State
	// Force-close from whatever state the context is in. For ACTIVE this
	// matches the table's ACTIVE -> CLOSED edge; for every other state the
	// table is bypassed since the context is being torn down regardless.
	rec.ctx.State = models.StateClosed
	rec.ctx.Active = false
	m.mu.Unlock()
	m.notify(id, from, models.StateClosed)

	if rec.session != "" {
		if err := m.sessions.ClearAll(ctx, rec.session); err != nil {
			m.log.Warn("storage clear failed during destroy",
				zap.String("context", id), zap.Error(err))
		}
		if err := m.sessions.Release(ctx, rec.session); err != nil {
			m.log.Warn("session release failed during destroy",
				zap.String("context", id), zap.Error(err))
		}
	}

	m.mu.Lock()
	delete(m.contexts, id)
	m.mu.Unlock()
	m.notifyRegistry(id, models.StateClosed, false)

	m.log.Info("context destroyed", zap.String("context", id))
	return true, nil
}

// tabStates are the states in which tab association is permitted: any
// non-terminal, non-error, non-rotating state.
func tabsAllowed(s models.ContextState) bool {
	switch s {
	case models.StateNew, models.StatePolicyEval, models.StateRouteSet, models.StateActive:
		return true
	}
	return false
}

// AddTabToContext associates a tab with a context. Duplicates are ignored.
func (m *Machine) AddTabToContext(id, tabID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.contexts[id]
	if !ok || !tabsAllowed(rec.ctx.State) {
		return false
	}
	if rec.ctx.HasTab(tabID) {
		return true
	}
	rec.ctx.TabIDs = append(rec.ctx.TabIDs, tabID)
	return true
}

// RemoveTabFromContext dissociates a tab from a context.
func (m *Machine) RemoveTabFromContext(id, tabID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.contexts[id]
	if !ok || !tabsAllowed(rec.ctx.State) {
		return false
	}
	for i, t := range rec.ctx.TabIDs {
		if t == tabID {
			rec.ctx.TabIDs = append(rec.ctx.TabIDs[:i], rec.ctx.TabIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Stats returns count totals and a per-state histogram over every
// registered context, terminal ones included.
func (m *Machine) Stats() models.ContextStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := models.ContextStats{ByState: make(map[models.ContextState]int)}
	for _, rec := range m.contexts {
		stats.Total++
		stats.ByState[rec.ctx.State]++
		if rec.ctx.Active {
			stats.Active++
		}
	}
	return stats
}

// requireState returns an InvalidStateError unless the context is in want.
func (m *Machine) requireState(id string, want models.ContextState, op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.contexts[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if rec.ctx.State != want {
		return &InvalidStateError{ID: id, Op: op, Current: rec.ctx.State, Required: want}
	}
	return nil
}

// forceError poisons a context outside the table. Used when a workflow's
// I/O step fails mid-sequence.
func (m *Machine) forceError(id, msg string) {
	m.mu.Lock()
	rec, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := rec.ctx.State
	rec.ctx.State = models.StateError
	rec.ctx.Active = false
	rec.ctx.ErrorMessage = msg
	m.mu.Unlock()
	m.notify(id, from, models.StateError)
}

func (m *Machine) notify(id string, from, to models.ContextState) {
	m.mu.Lock()
	observers := append([]TransitionObserver(nil), m.observers...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(id, from, to)
	}
}
