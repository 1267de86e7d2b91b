// Package intercept is the sole admission-control point between a context
// and the network. Every outbound request is gated on lifecycle state
// first and the blocklist second; a context that is not ACTIVE admits zero
// traffic no matter what the blocklist says.
package intercept

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tabfence/tabfence/internal/blocklist"
	"github.com/tabfence/tabfence/internal/headers"
	"github.com/tabfence/tabfence/internal/jitter"
	"github.com/tabfence/tabfence/internal/metrics"
	"github.com/tabfence/tabfence/internal/receipt"
	"github.com/tabfence/tabfence/internal/sessionhost"
	"github.com/tabfence/tabfence/pkg/models"
)

// StateReader is the read-only slice of the state machine the interceptor
// consumes.
type StateReader interface {
	StateOf(id string) (models.ContextState, bool)
}

// Decision is the outcome of one interception.
type Decision struct {
	Cancel     bool
	StateGated bool // denial came from the lifecycle gate, not the blocklist
	Result     models.InterceptionResult
}

// Interceptor evaluates requests against lifecycle state and the installed
// blocklist. It only reads shared state, so concurrent invocations
// interleave safely.
type Interceptor struct {
	states   StateReader
	rules    *blocklist.Store
	receipts receipt.Sink
	jitter   jitter.Source
	hardener headers.Hardener
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New creates an interceptor. All collaborators are injected.
func New(states StateReader, rules *blocklist.Store, receipts receipt.Sink,
	j jitter.Source, hardener headers.Hardener, log *zap.Logger, m *metrics.Metrics) *Interceptor {
	return &Interceptor{
		states:   states,
		rules:    rules,
		receipts: receipts,
		jitter:   j,
		hardener: hardener,
		log:      log,
		metrics:  m,
	}
}

// IsRequestAllowed reports whether the context currently admits traffic:
// true iff its state is exactly ACTIVE. Unknown contexts admit nothing.
func (i *Interceptor) IsRequestAllowed(contextID string) bool {
	s, ok := i.states.StateOf(contextID)
	return ok && s == models.StateActive
}

// MatchesBlocklist returns the first rule matching the domain, in declared
// rule order, or nil.
func (i *Interceptor) MatchesBlocklist(domain string) *models.BlocklistRule {
	return i.rules.Current().Match(domain)
}

// Intercept runs the per-request decision procedure and emits a receipt.
// Invoked once per outbound request attempt.
func (i *Interceptor) Intercept(contextID, requestURL, pageURL string) Decision {
	// Lifecycle gate first: a context mid-rotation, mid-initialization, or
	// errored admits zero traffic, and the blocklist is never consulted.
	if !i.IsRequestAllowed(contextID) {
		if i.metrics != nil {
			i.metrics.RequestsBlocked.WithLabelValues(metrics.ReasonStateGate).Inc()
		}
		return Decision{Cancel: true, StateGated: true}
	}

	domain, ok := extractDomain(requestURL)
	if !ok {
		// Unparseable request URLs are admitted. The inverse of the
		// third-party fallback; kept as-is, see IsThirdParty.
		if i.metrics != nil {
			i.metrics.RequestsAllowed.Inc()
		}
		result := models.InterceptionResult{
			Domain:       "",
			IsThirdParty: true,
			URL:          requestURL,
			Timestamp:    time.Now(),
		}
		i.receipts.Record(contextID, result)
		return Decision{Result: result}
	}

	thirdParty := IsThirdParty(requestURL, pageURL)

	// Computed for telemetry only; the delay is not applied to the request.
	delay := i.jitter.Delay(contextID, domain, thirdParty)

	matched := i.MatchesBlocklist(domain)

	result := models.InterceptionResult{
		Blocked:      matched != nil,
		Domain:       domain,
		IsThirdParty: thirdParty,
		MatchedRule:  matched,
		URL:          requestURL,
		Timestamp:    time.Now(),
	}

	// Receipt emission is non-blocking; it never delays the decision.
	i.receipts.Record(contextID, result)

	i.log.Debug("request intercepted",
		zap.String("context", contextID),
		zap.String("domain", domain),
		zap.Bool("blocked", result.Blocked),
		zap.Bool("thirdParty", thirdParty),
		zap.Duration("jitter", delay))

	if i.metrics != nil {
		if result.Blocked {
			i.metrics.RequestsBlocked.WithLabelValues(metrics.ReasonBlocklist).Inc()
		} else {
			i.metrics.RequestsAllowed.Inc()
		}
	}

	return Decision{Cancel: result.Blocked, Result: result}
}

// HardenHeaders runs the header-hardening hook. Not state-gated: it fires
// on every request regardless of lifecycle state.
func (i *Interceptor) HardenHeaders(h http.Header, requestURL, pageURL string) http.Header {
	return i.hardener.Harden(h, requestURL, pageURL)
}

// TestURL reports what Intercept would decide, without emitting a receipt
// or touching counters. Diagnostic entry point for operational tooling.
func (i *Interceptor) TestURL(contextID, requestURL, pageURL string) models.TestURLResponse {
	if !i.IsRequestAllowed(contextID) {
		return models.TestURLResponse{StateGated: true}
	}

	domain, ok := extractDomain(requestURL)
	if !ok {
		return models.TestURLResponse{Allowed: true, IsThirdParty: true}
	}

	thirdParty := IsThirdParty(requestURL, pageURL)
	matched := i.MatchesBlocklist(domain)
	delay := i.jitter.Delay(contextID, domain, thirdParty)

	return models.TestURLResponse{
		Allowed:      matched == nil,
		Domain:       domain,
		IsThirdParty: thirdParty,
		MatchedRule:  matched,
		JitterMs:     delay.Milliseconds(),
	}
}

// Attach binds the interceptor's hooks to a context's session, so the host
// engine funnels every request through the decision procedure.
func (i *Interceptor) Attach(reg sessionhost.HookRegistrar, h sessionhost.Handle, contextID string) {
	reg.OnBeforeRequest(h, func(requestURL, pageURL string) bool {
		return i.Intercept(contextID, requestURL, pageURL).Cancel
	})
	reg.OnBeforeSendHeaders(h, func(hdr http.Header, requestURL, pageURL string) http.Header {
		return i.HardenHeaders(hdr, requestURL, pageURL)
	})
}

// extractDomain pulls the hostname out of a request URL.
func extractDomain(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	return strings.ToLower(u.Hostname()), true
}

// baseDomain reduces a hostname to its last two dot-separated labels.
func baseDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// IsThirdParty compares the base domains of the request and the
// originating page. Unparseable URLs are treated as third-party: ambiguity
// earns more scrutiny, not less.
func IsThirdParty(requestURL, pageURL string) bool {
	reqHost, ok := extractDomain(requestURL)
	if !ok {
		return true
	}
	pageHost, ok := extractDomain(pageURL)
	if !ok {
		return true
	}
	return !strings.EqualFold(baseDomain(reqHost), baseDomain(pageHost))
}
