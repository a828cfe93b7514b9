package rejection

import (
	"revline/internal/config"
	"revline/internal/domain"
)

const (
	DefaultMaxRetries = 3

	GenericHandler = "generic-handler"
	HumanReviewer  = "human-reviewer"
	SeniorEditor   = "senior-editor"
)

// Route says who handles a rejection type and where it goes once its retry
// budget is spent.
type Route struct {
	Handler          string `json:"handler"`
	MaxRetries       int    `json:"max_retries"`
	EscalationTarget string `json:"escalation_target"`
}

func DefaultRoutes() map[domain.RejectionType]Route {
	return map[domain.RejectionType]Route{
		domain.RejectionStyle:     {Handler: "style-editor", MaxRetries: DefaultMaxRetries, EscalationTarget: SeniorEditor},
		domain.RejectionMechanics: {Handler: "mechanics-reviewer", MaxRetries: DefaultMaxRetries, EscalationTarget: HumanReviewer},
		domain.RejectionClarity:   {Handler: "clarity-editor", MaxRetries: DefaultMaxRetries, EscalationTarget: SeniorEditor},
		domain.RejectionScope:     {Handler: "scope-reviewer", MaxRetries: DefaultMaxRetries, EscalationTarget: HumanReviewer},
	}
}

func DefaultFallback() Route {
	return Route{Handler: GenericHandler, MaxRetries: DefaultMaxRetries, EscalationTarget: HumanReviewer}
}

// RoutesFromConfig builds the table from the routing section. Types missing
// from the section keep their defaults.
func RoutesFromConfig(cfg config.Routing) (map[domain.RejectionType]Route, Route) {
	routes := DefaultRoutes()
	for name, rc := range cfg.Routes {
		routes[domain.RejectionType(name)] = Route{Handler: rc.Handler, MaxRetries: rc.MaxRetries, EscalationTarget: rc.EscalationTarget}
	}
	fallback := DefaultFallback()
	if cfg.Fallback.Handler != "" {
		fallback.Handler = cfg.Fallback.Handler
	}
	if cfg.Fallback.MaxRetries > 0 {
		fallback.MaxRetries = cfg.Fallback.MaxRetries
	}
	if cfg.Fallback.EscalationTarget != "" {
		fallback.EscalationTarget = cfg.Fallback.EscalationTarget
	}
	return routes, fallback
}
