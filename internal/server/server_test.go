package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"revline/internal/app"
	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/logging"
	"revline/internal/plan"
	"revline/internal/rejection"
)

type testServer struct {
	URL string
	App *app.App
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	t.Setenv(app.SessionEnvKey, "")
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), SessionID: "api", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return &testServer{URL: srv.URL, App: a}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error
}

// runToGate starts a W1 run and steps it until the human gate is pending.
func runToGate(t *testing.T, a *app.App) domain.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	p, err := a.Plans.Create(ctx, plan.CreateInput{BookID: "book-1"})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	run, err := a.Engine.StartRun(ctx, engine.StartRunOptions{BookID: "book-1", PlanID: p.ID, Data: map[string]any{"analysis_available": true}})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	pass := engine.RunnerFunc(func(context.Context, engine.Invocation) (engine.StepOutcome, error) {
		return engine.StepOutcome{Evidence: map[string]any{
			"writer_artifacts_exist": true, "editor_review_recorded": true, "editor_approved": true,
			"domain_review_recorded": true, "domain_approved": true, "validation_passed": true,
		}}, nil
	})
	for i := 0; i < 10; i++ {
		res, err := a.Engine.Step(ctx, run.ID, pass)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if res.Outcome == engine.OutcomeAwaitingHuman {
			return res.Run
		}
	}
	t.Fatalf("run never reached the gate")
	return run
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("health: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	for _, p := range []string{"/v0/runs/{run_id}/gate", "/v0/plans/{plan_id}", "/v0/metrics/evaluate", "/v0/routing/stats"} {
		if !strings.Contains(string(body), p) {
			t.Fatalf("openapi missing %s", p)
		}
	}
}

func TestOpenAPIConcurrentFetch(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := http.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i, b := range bodies {
		if len(b) == 0 || !bytes.Equal(b, bodies[0]) {
			t.Fatalf("response %d differs from the first", i)
		}
	}
}

func TestGateDecisionOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	run := runToGate(t, srv.App)
	gateURL := srv.URL + "/v0/runs/" + run.ID + "/gate"

	res, body := doJSON(t, http.MethodPost, gateURL, GateDecisionRequest{Option: "Maybe"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad option, got %d %s", res.StatusCode, body)
	}
	if e := errorCode(t, body); e.Code != "invalid_gate_option" || e.Details["valid"] == nil {
		t.Fatalf("unexpected error body: %+v", e)
	}

	res, body = doJSON(t, http.MethodPost, gateURL, GateDecisionRequest{Option: "Request Changes"}, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, body).Code != "input_required" {
		t.Fatalf("expected input_required, got %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodPost, gateURL, GateDecisionRequest{Option: "Request Changes", Input: "shorter intro"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, body)
	}
	var step engine.StepResult
	if err := json.Unmarshal(body, &step); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if step.NextStep != "writer" || step.Run.Status != domain.RunRunning {
		t.Fatalf("unexpected result: %+v", step)
	}

	res, body = doJSON(t, http.MethodPost, gateURL, GateDecisionRequest{Option: "Approve"}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, body).Code != "invalid_state" {
		t.Fatalf("expected conflict once the gate is answered, got %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/runs/"+run.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, body)
	}
	var st engine.RunStatus
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if len(st.Decisions) != 1 || st.Decisions[0].Input != "shorter intro" {
		t.Fatalf("unexpected decisions: %+v", st.Decisions)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/runs/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, body).Code != "not_found" {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/runs?book_id=book-1", nil, nil)
	var runs RunList
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &runs) != nil || len(runs.Items) != 1 {
		t.Fatalf("list runs: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/plans?book_id=book-1", nil, nil)
	var plans PlanList
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &plans) != nil || len(plans.Items) != 1 {
		t.Fatalf("list plans: %d %s", res.StatusCode, body)
	}
}

func TestRejectionsRoutingAndEvents(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := srv.App.Tracker.Record(ctx, rejection.RecordInput{RunID: "run-x", Type: domain.RejectionMechanics, Reason: "wrong dice math"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/rejections?run_id=run-x&type=mechanics", nil, nil)
	var list RejectionList
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &list) != nil || len(list.Items) != 3 {
		t.Fatalf("list rejections: %d %s", res.StatusCode, body)
	}
	if list.Items[2].RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", list.Items[2].RetryCount)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/rejections?type=tone", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/routing/stats?run_id=run-x", nil, nil)
	var stats rejection.Stats
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &stats) != nil {
		t.Fatalf("stats: %d %s", res.StatusCode, body)
	}
	if stats.TotalRouted != 3 || stats.Escalations != 1 || stats.ByHandler["mechanics-reviewer"] != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/routing/routes", nil, nil)
	var routes RouteList
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &routes) != nil || len(routes.Items) != 4 {
		t.Fatalf("routes: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/events?table=rejections&limit=2", nil, nil)
	var evs EventList
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &evs) != nil {
		t.Fatalf("events: %d %s", res.StatusCode, body)
	}
	if len(evs.Items) != 2 || evs.Items[0].Table != "rejections" {
		t.Fatalf("unexpected events: %+v", evs.Items)
	}
}

func TestMetricsEvaluate(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	snapshot := func(overall float64) map[string]any {
		return map[string]any{"aggregate_metrics": map[string]any{
			"clarity_readability": overall, "rules_accuracy": overall,
			"persona_fit": overall, "practical_usability": overall, "overall_score": overall,
		}}
	}
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v0/metrics/evaluate", map[string]any{
		"baseline": snapshot(6.0),
		"updated":  snapshot(7.0),
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate: %d %s", res.StatusCode, body)
	}
	var out struct {
		Approved bool `json:"approved"`
		Rule     int  `json:"rule"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Approved || out.Rule == 0 {
		t.Fatalf("expected approval, got %+v", out)
	}

	res, body = doJSON(t, http.MethodPost, srv.URL+"/v0/metrics/evaluate", map[string]any{
		"baseline": map[string]any{"aggregate_metrics": map[string]any{
			"clarity_readability": 6.0, "rules_accuracy": 6.0, "persona_fit": 6.0, "practical_usability": 6.0,
		}},
		"updated":  snapshot(7.0),
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing overall, got %d %s", res.StatusCode, body)
	}
	if e := errorCode(t, body); !strings.Contains(e.Message, "overall_score") {
		t.Fatalf("expected overall_score in message, got %q", e.Message)
	}
}

func TestBearerAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d", res.StatusCode)
	}
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body).Code != "unauthorized" {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, body)
	}
	bad, err := SignToken("other", "editor-1", nil, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body).Code != "invalid_credentials" {
		t.Fatalf("expected 401 for foreign token, got %d %s", res.StatusCode, body)
	}
	good, err := SignToken("s3cret", "editor-1", []string{"editor"}, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer " + good})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", res.StatusCode, body)
	}
	if _, err := SignToken("", "x", nil, 0); err == nil {
		t.Fatalf("expected error without secret")
	}
}
