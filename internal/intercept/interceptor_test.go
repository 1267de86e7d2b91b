package intercept

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tabfence/tabfence/internal/blocklist"
	"github.com/tabfence/tabfence/internal/headers"
	"github.com/tabfence/tabfence/internal/jitter"
	"github.com/tabfence/tabfence/pkg/models"
)

// fixedStates is a StateReader over a static map.
type fixedStates map[string]models.ContextState

func (f fixedStates) StateOf(id string) (models.ContextState, bool) {
	s, ok := f[id]
	return s, ok
}

// captureSink records receipts synchronously.
type captureSink struct {
	mu      sync.Mutex
	entries []models.InterceptionResult
}

func (c *captureSink) Record(_ string, r models.InterceptionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, r)
}

func (c *captureSink) last(t *testing.T) models.InterceptionResult {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.entries)
	return c.entries[len(c.entries)-1]
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func newTestInterceptor(t *testing.T, states fixedStates, rules []models.BlocklistRule) (*Interceptor, *captureSink) {
	t.Helper()
	store := blocklist.NewStore("unused", zap.NewNop(), nil)
	for _, r := range rules {
		require.NoError(t, store.AddRule(r))
	}
	sink := &captureSink{}
	i := New(states, store, sink,
		jitter.NewDeterministic(100*time.Millisecond),
		headers.NewMinimizer(), zap.NewNop(), nil)
	return i, sink
}

func TestIsThirdParty(t *testing.T) {
	tests := []struct {
		name       string
		requestURL string
		pageURL    string
		want       bool
	}{
		{"same base domain", "https://cdn.example.com/x.js", "https://www.example.com", false},
		{"different base domain", "https://ads.example.net/x", "https://example.com", true},
		{"exact same host", "https://example.com/a", "https://example.com/b", false},
		{"bare domains", "https://example.com", "https://cdn.example.com", false},
		{"unparseable page url", "https://example.com/a", "::not-a-url::", true},
		{"empty page url", "https://example.com/a", "", true},
		{"unparseable request url", "::broken::", "https://example.com", true},
		{"deep subdomains", "https://a.b.c.example.com", "https://x.y.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsThirdParty(tt.requestURL, tt.pageURL))
		})
	}
}

func TestIsRequestAllowed(t *testing.T) {
	states := fixedStates{}
	for _, s := range models.States {
		states["ctx-"+string(s)] = s
	}
	i, _ := newTestInterceptor(t, states, nil)

	for _, s := range models.States {
		want := s == models.StateActive
		assert.Equal(t, want, i.IsRequestAllowed("ctx-"+string(s)), "state %s", s)
	}
	assert.False(t, i.IsRequestAllowed("unknown"))
}

func TestInterceptStateGateFailsClosed(t *testing.T) {
	// Even with an empty blocklist, a non-ACTIVE context admits nothing.
	for _, s := range models.States {
		if s == models.StateActive {
			continue
		}
		i, sink := newTestInterceptor(t, fixedStates{"c1": s}, nil)
		d := i.Intercept("c1", "https://example.com/a", "https://example.com")
		assert.True(t, d.Cancel, "state %s", s)
		assert.True(t, d.StateGated, "state %s", s)
		// The procedure stops at the gate: no blocklist eval, no receipt.
		assert.Equal(t, 0, sink.count(), "state %s", s)
	}
}

func TestInterceptBlocklistMatch(t *testing.T) {
	i, sink := newTestInterceptor(t,
		fixedStates{"c1": models.StateActive},
		[]models.BlocklistRule{{DomainPattern: "*.doubleclick.net", Category: "ads"}})

	d := i.Intercept("c1", "http://ads.doubleclick.net/x", "https://news.example.com")
	assert.True(t, d.Cancel)
	assert.False(t, d.StateGated)
	assert.True(t, d.Result.Blocked)
	require.NotNil(t, d.Result.MatchedRule)
	assert.Equal(t, "*.doubleclick.net", d.Result.MatchedRule.DomainPattern)
	assert.Equal(t, "ads.doubleclick.net", d.Result.Domain)
	assert.True(t, d.Result.IsThirdParty)
	assert.False(t, d.Result.Timestamp.IsZero())

	got := sink.last(t)
	assert.Equal(t, d.Result, got)
}

func TestInterceptAllowsUnlistedDomain(t *testing.T) {
	i, sink := newTestInterceptor(t,
		fixedStates{"c1": models.StateActive},
		[]models.BlocklistRule{{DomainPattern: "*.doubleclick.net"}})

	d := i.Intercept("c1", "https://cdn.example.com/app.js", "https://www.example.com")
	assert.False(t, d.Cancel)
	assert.False(t, d.Result.Blocked)
	assert.Nil(t, d.Result.MatchedRule)
	assert.False(t, d.Result.IsThirdParty)
	assert.Equal(t, 1, sink.count())
}

func TestInterceptUnparseableRequestURLAdmits(t *testing.T) {
	i, sink := newTestInterceptor(t,
		fixedStates{"c1": models.StateActive},
		[]models.BlocklistRule{{DomainPattern: "*"}}) // blocks everything parseable

	d := i.Intercept("c1", "::not-a-url::", "https://example.com")
	assert.False(t, d.Cancel)
	assert.False(t, d.Result.Blocked)
	assert.Empty(t, d.Result.Domain)
	assert.Equal(t, 1, sink.count())
}

func TestInterceptDomainIsLowercased(t *testing.T) {
	i, _ := newTestInterceptor(t,
		fixedStates{"c1": models.StateActive},
		[]models.BlocklistRule{{DomainPattern: "tracker.com"}})

	d := i.Intercept("c1", "https://TRACKER.COM/pixel", "https://example.com")
	assert.True(t, d.Cancel)
	assert.Equal(t, "tracker.com", d.Result.Domain)
}

func TestTestURLEmitsNoReceipt(t *testing.T) {
	i, sink := newTestInterceptor(t,
		fixedStates{"c1": models.StateActive},
		[]models.BlocklistRule{{DomainPattern: "*.doubleclick.net"}})

	resp := i.TestURL("c1", "http://ads.doubleclick.net/x", "https://example.com")
	assert.False(t, resp.Allowed)
	assert.False(t, resp.StateGated)
	require.NotNil(t, resp.MatchedRule)
	assert.Equal(t, 0, sink.count())

	resp = i.TestURL("c1", "https://fine.example.com/x", "https://example.com")
	assert.True(t, resp.Allowed)

	resp = i.TestURL("unknown", "https://fine.example.com/x", "https://example.com")
	assert.True(t, resp.StateGated)
	assert.False(t, resp.Allowed)
}

func TestHardenHeadersRunsInAnyState(t *testing.T) {
	// The header hook is not state-gated.
	i, _ := newTestInterceptor(t, fixedStates{"c1": models.StateDraining}, nil)

	h := http.Header{}
	h.Set("Referer", "https://secret.example.com/private/page?id=1")
	h.Set("X-Client-Data", "abc")

	out := i.HardenHeaders(h, "https://thirdparty.net/x", "https://secret.example.com/private/page?id=1")
	assert.Equal(t, "https://secret.example.com/", out.Get("Referer"))
	assert.Empty(t, out.Get("X-Client-Data"))
}
