package models

import "time"

// BlocklistRule blocks a family of domains. The pattern is a wildcard
// expression where '*' matches any run of characters; category is an
// opaque label carried for reporting and never consulted during matching.
type BlocklistRule struct {
	DomainPattern string `json:"domainPattern" yaml:"domainPattern"`
	Category      string `json:"category" yaml:"category"`
}

// InterceptionResult records a single admission decision. It is produced
// once per request and forwarded to the receipt sink; the interceptor
// itself retains nothing.
type InterceptionResult struct {
	Blocked      bool           `json:"blocked"`
	Domain       string         `json:"domain"`
	IsThirdParty bool           `json:"isThirdParty"`
	MatchedRule  *BlocklistRule `json:"matchedRule,omitempty"`
	URL          string         `json:"url"`
	Timestamp    time.Time      `json:"timestamp"`
}

// TestURLRequest is the payload for the diagnostic test-url endpoint.
type TestURLRequest struct {
	ContextID string `json:"contextId"`
	URL       string `json:"url"`
	PageURL   string `json:"pageUrl,omitempty"`
}

// TestURLResponse reports what the interceptor would do with a request,
// without emitting a receipt.
type TestURLResponse struct {
	Allowed      bool           `json:"allowed"`
	StateGated   bool           `json:"stateGated"` // true when denial came from the lifecycle gate
	Domain       string         `json:"domain"`
	IsThirdParty bool           `json:"isThirdParty"`
	MatchedRule  *BlocklistRule `json:"matchedRule,omitempty"`
	JitterMs     int64          `json:"jitterMs"`
}
