package sessionhost

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// memorySession is the in-process stand-in for a browser partition.
type memorySession struct {
	partitionKey string
	route        string
	clears       int
	requestHooks []RequestHook
	headerHooks  []HeaderHook
}

// Memory is an in-process session provider. It keeps partitions as plain
// records and lets callers fire synthetic requests through registered
// hooks. It is the default backend for development and tests.
type Memory struct {
	mu       sync.Mutex
	sessions map[Handle]*memorySession
	next     int
}

var _ Provider = (*Memory)(nil)
var _ HookRegistrar = (*Memory)(nil)

// NewMemory creates an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[Handle]*memorySession)}
}

func (m *Memory) Allocate(_ context.Context, partitionKey string) (Handle, error) {
	if partitionKey == "" {
		return "", fmt.Errorf("partition key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	h := Handle(fmt.Sprintf("mem-%d-%s", m.next, partitionKey))
	m.sessions[h] = &memorySession{partitionKey: partitionKey}
	return h, nil
}

func (m *Memory) ClearAll(_ context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[h]
	if !ok {
		return fmt.Errorf("session %s not found", h)
	}
	s.clears++
	return nil
}

func (m *Memory) SetRoute(_ context.Context, h Handle, route string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[h]
	if !ok {
		return fmt.Errorf("session %s not found", h)
	}
	s.route = route
	return nil
}

func (m *Memory) Release(_ context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[h]; !ok {
		return fmt.Errorf("session %s not found", h)
	}
	delete(m.sessions, h)
	return nil
}

func (m *Memory) OnBeforeRequest(h Handle, hook RequestHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[h]; ok {
		s.requestHooks = append(s.requestHooks, hook)
	}
}

func (m *Memory) OnBeforeSendHeaders(h Handle, hook HeaderHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[h]; ok {
		s.headerHooks = append(s.headerHooks, hook)
	}
}

// FireRequest simulates one outbound request on the session, running every
// registered request hook in order. It reports whether the request was
// cancelled by a hook.
func (m *Memory) FireRequest(h Handle, requestURL, pageURL string) (cancelled bool, err error) {
	m.mu.Lock()
	s, ok := m.sessions[h]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("session %s not found", h)
	}
	hooks := append([]RequestHook(nil), s.requestHooks...)
	m.mu.Unlock()

	for _, hook := range hooks {
		if hook(requestURL, pageURL) {
			return true, nil
		}
	}
	return false, nil
}

// FireHeaders runs the session's header hooks over a header set and returns
// the rewritten result.
func (m *Memory) FireHeaders(h Handle, headers http.Header, requestURL, pageURL string) (http.Header, error) {
	m.mu.Lock()
	s, ok := m.sessions[h]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s not found", h)
	}
	hooks := append([]HeaderHook(nil), s.headerHooks...)
	m.mu.Unlock()

	for _, hook := range hooks {
		headers = hook(headers, requestURL, pageURL)
	}
	return headers, nil
}

// Route returns the currently installed route string for a session.
func (m *Memory) Route(h Handle) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[h]
	if !ok {
		return "", false
	}
	return s.route, true
}

// ClearCount returns how many full clears the session has received.
func (m *Memory) ClearCount(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[h]; ok {
		return s.clears
	}
	return 0
}

// Len returns the number of live sessions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
