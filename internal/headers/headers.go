// Package headers hardens outbound request headers: referrer minimization
// on cross-origin requests and removal of known tracking headers. Header
// hardening runs on every request regardless of lifecycle state; it only
// ever fires on requests the admission hook evaluates separately.
package headers

import (
	"net/http"
	"net/url"
)

// Hardener rewrites outbound headers before they leave the engine.
type Hardener interface {
	Harden(h http.Header, requestURL, pageURL string) http.Header
}

// trackingHeaders are stripped from every outbound request.
var trackingHeaders = []string{
	"X-Client-Data",
	"X-Uidh",
	"X-Att-Deviceid",
	"X-Wap-Profile",
}

// Minimizer is the default hardener.
type Minimizer struct{}

// NewMinimizer creates the default hardener.
func NewMinimizer() *Minimizer {
	return &Minimizer{}
}

// Harden strips tracking headers and, for cross-origin requests, reduces
// the referrer to the originating page's origin.
func (m *Minimizer) Harden(h http.Header, requestURL, pageURL string) http.Header {
	for _, name := range trackingHeaders {
		h.Del(name)
	}

	if h.Get("Referer") == "" {
		return h
	}

	req, err1 := url.Parse(requestURL)
	page, err2 := url.Parse(pageURL)
	if err1 != nil || err2 != nil || page.Host == "" {
		// No reliable origin to minimize to.
		h.Del("Referer")
		return h
	}

	if req.Scheme != page.Scheme || req.Host != page.Host {
		h.Set("Referer", page.Scheme+"://"+page.Host+"/")
	}
	return h
}
