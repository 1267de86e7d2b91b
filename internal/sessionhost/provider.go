// Package sessionhost provides the isolated storage/session handles that
// back browsing contexts. A handle owns a storage partition (cookies, local
// storage, caches, service worker state) and a network route; the host
// browser engine is responsible for the actual rendering and network stack.
package sessionhost

import (
	"context"
	"net/http"
)

// Handle is an opaque reference to one isolated session partition.
type Handle string

// RequestHook is invoked once per outbound request attempt on a session.
// Returning true cancels the request.
type RequestHook func(requestURL, pageURL string) (cancel bool)

// HeaderHook rewrites outbound headers before they leave the engine.
type HeaderHook func(headers http.Header, requestURL, pageURL string) http.Header

// Provider allocates and manages session partitions. Exactly one handle is
// bound to a context for its lifetime.
type Provider interface {
	// Allocate creates an isolated session for the given partition key.
	Allocate(ctx context.Context, partitionKey string) (Handle, error)

	// ClearAll wipes every category of persisted state for the session:
	// cookies, local storage, indexed storage, service worker state, and
	// cache storage. Not a partial clear.
	ClearAll(ctx context.Context, h Handle) error

	// SetRoute installs a wire-format route string (direct://,
	// socks5://..., http://...) for all traffic on the session.
	SetRoute(ctx context.Context, h Handle, route string) error

	// Release tears down the session and frees its partition.
	Release(ctx context.Context, h Handle) error
}

// HookRegistrar is implemented by providers that can attach request
// lifecycle hooks to a session. The docker backend does not expose this;
// the in-memory backend does, and tests drive requests through it.
type HookRegistrar interface {
	OnBeforeRequest(h Handle, hook RequestHook)
	OnBeforeSendHeaders(h Handle, hook HeaderHook)
}
