package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"revline/internal/app"
	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/events"
	"revline/internal/metrics"
	"revline/internal/plan"
	"revline/internal/rejection"
	"revline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_gate_option"`
	Message string         `json:"message" example:"invalid gate option \"Maybe\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the revline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.App.Log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(cfg.App.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Revline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	a := cfg.App
	registerDocs(router, basePath)
	registerHealth(group)
	registerPlans(group, a)
	registerRuns(group, a)
	registerRejections(group, a)
	registerRouting(group, a)
	registerEvents(group, a)
	registerMetrics(group)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var pe *engine.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusConflict, "precondition_failed", msg, map[string]any{"step": pe.Step, "condition": pe.Condition})
	}
	var ie *engine.InvalidGateOptionError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "invalid_gate_option", msg, map[string]any{"valid": ie.Valid})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, plan.ErrAreaNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "version_conflict", msg, nil)
	case errors.Is(err, engine.ErrInputRequired):
		return newAPIError(http.StatusBadRequest, "input_required", msg, nil)
	case errors.Is(err, engine.ErrNoPendingGate),
		errors.Is(err, engine.ErrRunFinished),
		errors.Is(err, engine.ErrRunSuspended),
		errors.Is(err, engine.ErrNotPaused),
		errors.Is(err, plan.ErrRunCompleted):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"error": {
									Type: "object",
									Properties: map[string]*huma.Schema{
										"code":    {Type: "string"},
										"message": {Type: "string"},
										"details": {Type: "object"},
									},
								},
							},
						},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Revline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPlans(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List strategic plans",
	}, func(ctx context.Context, input *struct {
		BookID string `query:"book_id"`
		Status string `query:"status"`
	}) (*struct {
		Body PlanList `json:"body"`
	}, error) {
		items, err := a.Plans.List(ctx, domain.PlanFilter{BookID: input.BookID, Status: domain.PlanStatus(input.Status)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanList `json:"body"`
		}{Body: PlanList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get a strategic plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body domain.StrategicPlan `json:"body"`
	}, error) {
		p, err := a.Plans.Get(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StrategicPlan `json:"body"`
		}{Body: p}, nil
	})
}

func registerRuns(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List workflow runs",
	}, func(ctx context.Context, input *struct {
		BookID       string `query:"book_id"`
		WorkflowType string `query:"workflow_type"`
		Status       string `query:"status"`
	}) (*struct {
		Body RunList `json:"body"`
	}, error) {
		items, err := a.Engine.Runs(ctx, domain.RunFilter{BookID: input.BookID, Type: input.WorkflowType, Status: domain.RunStatus(input.Status)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunList `json:"body"`
		}{Body: RunList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Run status with iterations, decisions and rejections",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body engine.RunStatus `json:"body"`
	}, error) {
		st, err := a.Engine.Status(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		st.Iterations = nonNil(st.Iterations)
		st.Decisions = nonNil(st.Decisions)
		st.Rejections = nonNil(st.Rejections)
		return &struct {
			Body engine.RunStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-gate",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/gate",
		Summary:     "Answer a pending human gate",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  GateDecisionRequest
	}) (*struct {
		Body engine.StepResult `json:"body"`
	}, error) {
		res, err := a.Engine.Decide(ctx, input.RunID, input.Body.Option, input.Body.Input)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StepResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/resume",
		Summary:     "Resume a paused run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body engine.StepResult `json:"body"`
	}, error) {
		res, err := a.Engine.Resume(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerRejections(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rejections",
		Method:      http.MethodGet,
		Path:        "/rejections",
		Summary:     "List rejections in creation order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RunID      string `query:"run_id"`
		Type       string `query:"type"`
		Unresolved bool   `query:"unresolved"`
	}) (*struct {
		Body RejectionList `json:"body"`
	}, error) {
		f := repo.RejectionFilter{RunID: input.RunID, UnresolvedOnly: input.Unresolved}
		if input.Type != "" {
			t, err := rejection.ParseType(input.Type)
			if err != nil {
				return nil, handleError(err)
			}
			f.Type = t
		}
		items, err := a.Repo.ListRejections(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RejectionList `json:"body"`
		}{Body: RejectionList{Items: nonNil(items)}}, nil
	})
}

func registerRouting(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "routing-stats",
		Method:      http.MethodGet,
		Path:        "/routing/stats",
		Summary:     "Routing statistics for one run or all runs",
	}, func(ctx context.Context, input *struct {
		RunID string `query:"run_id"`
	}) (*struct {
		Body rejection.Stats `json:"body"`
	}, error) {
		st, err := a.Router.Stats(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body rejection.Stats `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "routing-routes",
		Method:      http.MethodGet,
		Path:        "/routing/routes",
		Summary:     "Current routing table",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RouteList `json:"body"`
	}, error) {
		return &struct {
			Body RouteList `json:"body"`
		}{Body: RouteList{Items: routeEntries(a.Router.Routes())}}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Most recent events in log order",
	}, func(ctx context.Context, input *struct {
		Table   string `query:"table"`
		Session string `query:"session"`
		Limit   int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		r := a.Reader()
		var (
			items []events.Event
			err   error
		)
		if input.Session != "" {
			items, err = r.ReadBySession(input.Session)
		} else {
			items, err = r.ReadAll()
		}
		if err != nil {
			return nil, handleError(err)
		}
		if input.Table != "" {
			kept := items[:0]
			for _, ev := range items {
				if ev.Table == input.Table {
					kept = append(kept, ev)
				}
			}
			items = kept
		}
		if input.Limit > 0 && len(items) > input.Limit {
			items = items[len(items)-input.Limit:]
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Items: nonNil(items)}}, nil
	})
}

func registerMetrics(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-metrics",
		Method:      http.MethodPost,
		Path:        "/metrics/evaluate",
		Summary:     "Compare a revision's scores with its baseline",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EvaluateRequest
	}) (*struct {
		Body metrics.Result `json:"body"`
	}, error) {
		for name, s := range map[string]metrics.Snapshot{"baseline": input.Body.Baseline, "updated": input.Body.Updated} {
			if err := s.Validate(); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("%s: %v", name, err), nil)
			}
		}
		return &struct {
			Body metrics.Result `json:"body"`
		}{Body: metrics.Evaluate(input.Body.Baseline, input.Body.Updated)}, nil
	})
}
