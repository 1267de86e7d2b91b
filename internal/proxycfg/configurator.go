package proxycfg

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tabfence/tabfence/internal/sessionhost"
	"github.com/tabfence/tabfence/pkg/models"
)

// StateAuthority is the slice of the state machine the configurator needs:
// the scoped mutation capability and read access to state and session.
type StateAuthority interface {
	MutateInState(id string, required models.ContextState, op string, fn func(*models.Context) error) error
	StateOf(id string) (models.ContextState, bool)
	SessionOf(id string) (sessionhost.Handle, bool)
}

// Configurator applies route changes to contexts while they sit in
// ROUTE_SET. It never mutates a context directly; all writes go through
// the state machine's authority.
type Configurator struct {
	states   StateAuthority
	sessions sessionhost.Provider
	log      *zap.Logger
}

// NewConfigurator creates a configurator bound to a state authority and a
// session provider.
func NewConfigurator(states StateAuthority, sessions sessionhost.Provider, log *zap.Logger) *Configurator {
	return &Configurator{states: states, sessions: sessions, log: log}
}

// CanSetProxy reports whether a route change would currently be accepted.
func (c *Configurator) CanSetProxy(contextID string) bool {
	s, ok := c.states.StateOf(contextID)
	return ok && s == models.StateRouteSet
}

// SetProxy validates and installs a new route for a context. The context
// must be in ROUTE_SET; any other state yields a structured failure naming
// the required and actual states, without poisoning the context.
func (c *Configurator) SetProxy(ctx context.Context, contextID string, cfg *models.ProxyConfig) models.SetProxyResult {
	if err := ValidateConfig(cfg); err != nil {
		return models.SetProxyResult{Error: err.Error()}
	}

	handle, ok := c.states.SessionOf(contextID)
	if !ok {
		return models.SetProxyResult{Error: fmt.Sprintf("context %s not found", contextID)}
	}

	var prev *models.ProxyConfig
	err := c.states.MutateInState(contextID, models.StateRouteSet, "setProxy", func(mc *models.Context) error {
		prev = mc.Proxy
		p := *cfg
		mc.Proxy = &p
		return nil
	})
	if err != nil {
		return models.SetProxyResult{Error: err.Error()}
	}

	route := ToProxyRules(cfg)
	if err := c.sessions.SetRoute(ctx, handle, route); err != nil {
		// The context must not claim a route the session never took.
		rbErr := c.states.MutateInState(contextID, models.StateRouteSet, "setProxy", func(mc *models.Context) error {
			mc.Proxy = prev
			return nil
		})
		if rbErr != nil {
			c.log.Warn("proxy rollback failed",
				zap.String("context", contextID), zap.Error(rbErr))
		}
		return models.SetProxyResult{Error: fmt.Sprintf("route install failed: %v", err)}
	}

	c.log.Info("proxy updated",
		zap.String("context", contextID),
		zap.String("type", string(cfg.Type)))
	return models.SetProxyResult{Success: true}
}
