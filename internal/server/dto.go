package server

import (
	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/metrics"
	"revline/internal/rejection"
)

// Request payloads

type GateDecisionRequest struct {
	Option string `json:"option" minLength:"1" example:"Request Changes"`
	Input  string `json:"input,omitempty" example:"Tighten the grappling rules in chapter 4"`
}

type EvaluateRequest struct {
	Baseline metrics.Snapshot `json:"baseline"`
	Updated  metrics.Snapshot `json:"updated"`
}

// Response payloads

type PlanList struct {
	Items []domain.StrategicPlan `json:"items"`
}

type RunList struct {
	Items []domain.WorkflowRun `json:"items"`
}

type RejectionList struct {
	Items []domain.Rejection `json:"items"`
}

type RouteEntry struct {
	RejectionType    domain.RejectionType `json:"rejection_type"`
	Handler          string               `json:"handler"`
	MaxRetries       int                  `json:"max_retries"`
	EscalationTarget string               `json:"escalation_target"`
}

type RouteList struct {
	Items []RouteEntry `json:"items"`
}

type EventList struct {
	Items []events.Event `json:"items"`
}

func routeEntries(routes map[domain.RejectionType]rejection.Route) []RouteEntry {
	out := make([]RouteEntry, 0, len(routes))
	for _, t := range domain.RejectionTypes {
		r, ok := routes[t]
		if !ok {
			continue
		}
		out = append(out, RouteEntry{RejectionType: t, Handler: r.Handler, MaxRetries: r.MaxRetries, EscalationTarget: r.EscalationTarget})
	}
	return out
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
