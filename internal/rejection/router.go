package rejection

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"revline/internal/config"
	"revline/internal/domain"
)

type Metadata struct {
	RejectionType    domain.RejectionType `json:"rejection_type"`
	WorkflowRunID    string               `json:"workflow_run_id"`
	MaxRetries       int                  `json:"max_retries"`
	EscalationTarget string               `json:"escalation_target"`
}

// Decision is the advisory result of routing one rejection.
type Decision struct {
	RejectionID    string   `json:"rejection_id"`
	Handler        string   `json:"handler"`
	ShouldEscalate bool     `json:"should_escalate"`
	RetryCount     int      `json:"retry_count"`
	Metadata       Metadata `json:"metadata"`
}

type Stats struct {
	TotalRouted int                          `json:"total_routed"`
	ByType      map[domain.RejectionType]int `json:"by_type"`
	Escalations int                          `json:"escalations"`
	ByHandler   map[string]int               `json:"by_handler"`
}

// Router maps a rejection to its handler or escalation target. Route
// changes are in-memory only.
type Router struct {
	tracker *Tracker
	log     logrus.FieldLogger

	mu       sync.RWMutex
	routes   map[domain.RejectionType]Route
	fallback Route
}

func NewRouter(tracker *Tracker, routes map[domain.RejectionType]Route, fallback Route, log logrus.FieldLogger) *Router {
	if routes == nil {
		routes = DefaultRoutes()
	}
	if fallback.Handler == "" {
		fallback = DefaultFallback()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	cp := make(map[domain.RejectionType]Route, len(routes))
	for k, v := range routes {
		cp[k] = v
	}
	return &Router{tracker: tracker, log: log, routes: cp, fallback: fallback}
}

// RouteFor returns the configured route or the fallback.
func (r *Router) RouteFor(t domain.RejectionType) Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if route, ok := r.routes[t]; ok {
		return route
	}
	return r.fallback
}

// Route decides who handles the rejection. Once the row's retry_count has
// reached the route's max_retries the escalation target always wins.
func (r *Router) Route(ctx context.Context, rejectionID string) (Decision, error) {
	rej, err := r.tracker.Get(ctx, rejectionID)
	if err != nil {
		return Decision{}, fmt.Errorf("route rejection %s: %w", rejectionID, err)
	}
	route := r.RouteFor(rej.Type)
	escalate := rej.RetryCount >= route.MaxRetries
	handler := route.Handler
	if escalate {
		handler = route.EscalationTarget
	}
	d := Decision{
		RejectionID:    rej.ID,
		Handler:        handler,
		ShouldEscalate: escalate,
		RetryCount:     rej.RetryCount,
		Metadata: Metadata{
			RejectionType:    rej.Type,
			WorkflowRunID:    rej.WorkflowRunID,
			MaxRetries:       route.MaxRetries,
			EscalationTarget: route.EscalationTarget,
		},
	}
	r.log.WithFields(logrus.Fields{
		"rejection_id": rej.ID,
		"handler":      handler,
		"escalate":     escalate,
	}).Debug("rejection routed")
	return d, nil
}

// ShouldEscalate compares the (run, type) retry count with the route budget.
func (r *Router) ShouldEscalate(ctx context.Context, runID string, t domain.RejectionType) (bool, error) {
	n, err := r.tracker.RetryCount(ctx, runID, t)
	if err != nil {
		return false, err
	}
	return n >= r.RouteFor(t).MaxRetries, nil
}

// Stats aggregates routing over one run, or every run when runID is empty.
func (r *Router) Stats(ctx context.Context, runID string) (Stats, error) {
	rows, err := r.tracker.ForRun(ctx, runID)
	if err != nil {
		return Stats{}, fmt.Errorf("routing stats: %w", err)
	}
	stats := Stats{ByType: map[domain.RejectionType]int{}, ByHandler: map[string]int{}}
	for _, t := range domain.RejectionTypes {
		stats.ByType[t] = 0
	}
	for _, rej := range rows {
		route := r.RouteFor(rej.Type)
		stats.TotalRouted++
		stats.ByType[rej.Type]++
		stats.ByHandler[route.Handler]++
		if rej.RetryCount >= route.MaxRetries {
			stats.Escalations++
		}
	}
	return stats, nil
}

// SetRoute overrides one route at runtime. Zero values take the defaults.
func (r *Router) SetRoute(t domain.RejectionType, handler string, maxRetries int, escalationTarget string) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if escalationTarget == "" {
		escalationTarget = HumanReviewer
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[t] = Route{Handler: handler, MaxRetries: maxRetries, EscalationTarget: escalationTarget}
}

// Routes returns a copy of the current table.
func (r *Router) Routes() map[domain.RejectionType]Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.RejectionType]Route, len(r.routes))
	for k, v := range r.routes {
		out[k] = v
	}
	return out
}

// Replace swaps the whole table, e.g. after a config reload.
func (r *Router) Replace(routes map[domain.RejectionType]Route, fallback Route) {
	cp := make(map[domain.RejectionType]Route, len(routes))
	for k, v := range routes {
		cp[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = cp
	r.fallback = fallback
}

// OnConfigChange is a config.ChangeFunc that reloads the routing section.
func (r *Router) OnConfigChange(_, updated *config.Config) error {
	routes, fallback := RoutesFromConfig(updated.Routing)
	r.Replace(routes, fallback)
	r.log.WithField("routes", len(routes)).Info("routing table reloaded")
	return nil
}
