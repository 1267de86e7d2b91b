package models

import "time"

// ContextState represents the lifecycle state of a browsing context.
type ContextState string

const (
	StateNew        ContextState = "NEW"
	StatePolicyEval ContextState = "POLICY_EVAL"
	StateRouteSet   ContextState = "ROUTE_SET"
	StateActive     ContextState = "ACTIVE"
	StateRotating   ContextState = "ROTATING"
	StateDraining   ContextState = "DRAINING"
	StateClosed     ContextState = "CLOSED"
	StateError      ContextState = "ERROR"
)

// States lists every lifecycle state in lifecycle order.
var States = []ContextState{
	StateNew,
	StatePolicyEval,
	StateRouteSet,
	StateActive,
	StateRotating,
	StateDraining,
	StateClosed,
	StateError,
}

// Valid reports whether s is a member of the declared state set.
func (s ContextState) Valid() bool {
	switch s {
	case StateNew, StatePolicyEval, StateRouteSet, StateActive,
		StateRotating, StateDraining, StateClosed, StateError:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s ContextState) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Context represents one isolated browsing identity. Exactly one session
// handle is bound to a context for its entire lifetime; the session is
// allocated at creation and released at destruction.
type Context struct {
	ID           string       `json:"id"`
	PartitionKey string       `json:"partitionKey"`
	State        ContextState `json:"state"`
	Active       bool         `json:"active"` // derived: State == ACTIVE, never set independently
	Proxy        *ProxyConfig `json:"proxy,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"` // creation or most recent successful rotation
	TabIDs       []string     `json:"tabIds"`
	ErrorMessage string       `json:"errorMessage,omitempty"` // set only in ERROR
}

// HasTab reports whether the given tab is associated with the context.
func (c *Context) HasTab(tabID string) bool {
	for _, id := range c.TabIDs {
		if id == tabID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so callers never hold a reference into the
// registry's copy of the record.
func (c *Context) Clone() *Context {
	out := *c
	out.TabIDs = append([]string(nil), c.TabIDs...)
	if c.Proxy != nil {
		p := *c.Proxy
		out.Proxy = &p
	}
	return &out
}

// CreateContextRequest is the payload for creating a context.
type CreateContextRequest struct {
	Proxy *ProxyConfig `json:"proxy,omitempty"`
}

// RotateIdentityRequest is the payload for rotating a context's identity.
type RotateIdentityRequest struct {
	Proxy *ProxyConfig `json:"proxy,omitempty"`
}

// TabRequest is the payload for tab association operations.
type TabRequest struct {
	TabID string `json:"tabId"`
}

// ContextStats summarizes the registry for the stats endpoint.
type ContextStats struct {
	Total   int                  `json:"total"`
	Active  int                  `json:"active"`
	ByState map[ContextState]int `json:"byState"`
}
