package models

// ProxyType defines how a context's outbound traffic is routed.
type ProxyType string

const (
	ProxyDirect ProxyType = "direct"
	ProxySOCKS5 ProxyType = "socks5"
	ProxyHTTP   ProxyType = "http"
)

// ProxyConfig is a context's route configuration. A direct route requires
// no other fields; username requires password; port must be in [1, 65535]
// for non-direct routes.
type ProxyConfig struct {
	Type     ProxyType `json:"type"`
	Host     string    `json:"host,omitempty"`
	Port     int       `json:"port,omitempty"`
	Username string    `json:"username,omitempty"`
	Password string    `json:"password,omitempty"`
}

// DirectProxy returns the default route configuration.
func DirectProxy() *ProxyConfig {
	return &ProxyConfig{Type: ProxyDirect}
}

// SetProxyResult is the structured outcome of a route change attempt.
type SetProxyResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
