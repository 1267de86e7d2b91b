// Package proxycfg is the only path by which a context's route changes.
// Route mutation is gated on the ROUTE_SET lifecycle state through the
// state machine's scoped mutation authority; the wire-format helpers here
// are pure and shared with the rotation workflow.
package proxycfg

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tabfence/tabfence/pkg/models"
)

// ValidationError describes why a proxy configuration was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid proxy config: %s %s", e.Field, e.Reason)
}

// ValidateConfig checks a route configuration: type restricted to direct,
// socks5 or http; host required unless direct; port in [1, 65535] unless
// direct; username requires password.
func ValidateConfig(cfg *models.ProxyConfig) error {
	if cfg == nil {
		return &ValidationError{Field: "config", Reason: "is required"}
	}
	switch cfg.Type {
	case models.ProxyDirect:
		return nil
	case models.ProxySOCKS5, models.ProxyHTTP:
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not one of direct, socks5, http", cfg.Type)}
	}
	if cfg.Host == "" {
		return &ValidationError{Field: "host", Reason: "is required for non-direct proxies"}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{Field: "port", Reason: fmt.Sprintf("%d is outside [1, 65535]", cfg.Port)}
	}
	if cfg.Username != "" && cfg.Password == "" {
		return &ValidationError{Field: "password", Reason: "is required when username is set"}
	}
	return nil
}

// ToProxyRules converts a configuration into the wire-format route string
// sent to the host network layer: "direct://" or
// "{scheme}://[{user}:{pass}@]{host}:{port}".
func ToProxyRules(cfg *models.ProxyConfig) string {
	if cfg == nil || cfg.Type == models.ProxyDirect {
		return "direct://"
	}

	var b strings.Builder
	b.WriteString(string(cfg.Type))
	b.WriteString("://")
	if cfg.Username != "" {
		b.WriteString(cfg.Username)
		b.WriteString(":")
		b.WriteString(cfg.Password)
		b.WriteString("@")
	}
	b.WriteString(cfg.Host)
	b.WriteString(":")
	b.WriteString(strconv.Itoa(cfg.Port))
	return b.String()
}

// ParseProxyURL parses a wire-format route string back into a
// configuration.
func ParseProxyURL(raw string) (*models.ProxyConfig, error) {
	if raw == "direct://" || raw == "direct" {
		return models.DirectProxy(), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("unparseable proxy url %q: %w", raw, err)
	}

	cfg := &models.ProxyConfig{Type: models.ProxyType(u.Scheme), Host: u.Hostname()}
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid port in proxy url %q: %w", raw, err)
		}
		cfg.Port = p
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
