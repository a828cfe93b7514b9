package revlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideSendsOptionAndToken(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/runs/run%201/gate", r.URL.EscapedPath())
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"run":{"id":"run 1","status":"running","current_step":"writer"},"step":"human_gate","outcome":"advanced","next_step":"writer"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	res, err := c.Decide(context.Background(), "run 1", "Request Changes", "fix ch. 2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"option": "Request Changes", "input": "fix ch. 2"}, got)
	assert.Equal(t, "writer", res.NextStep)
	assert.Equal(t, "running", res.Run.Status)
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"invalid_gate_option","message":"invalid gate option \"Maybe\""}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Decide(context.Background(), "r", "Maybe", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_gate_option", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "invalid_gate_option")
}

func TestQueryDropsEmptyValues(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(`{"items":[{"id":"x","table":"rejections","op":"INSERT"}]}`))
	}))
	defer srv.Close()

	evs, err := New(srv.URL).Events(context.Background(), "", 5)
	require.NoError(t, err)
	assert.Equal(t, "limit=5", query)
	require.Len(t, evs, 1)
	assert.Equal(t, "rejections", evs[0].Table)

	_, err = New(srv.URL).Rejections(context.Background(), "run-1", true)
	require.NoError(t, err)
	assert.Equal(t, "run_id=run-1&unresolved=true", query)
}
