package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-io/kiseki/internal/model"
	"github.com/kiseki-io/kiseki/internal/server"
	"github.com/kiseki-io/kiseki/internal/testutil"
	"github.com/kiseki-io/kiseki/internal/tracer"
)

const testAPIKey = "test-key"

type testEnv struct {
	handler http.Handler
	store   tracer.Store
	engine  *tracer.Tracer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := testutil.NewLiteStore(t)
	engine := tracer.New(store, testutil.TestLogger())
	srv := server.New(server.ServerConfig{
		Store:               store,
		Engine:              engine,
		Logger:              testutil.TestLogger(),
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		APIKey:              testAPIKey,
		MaxRequestBodyBytes: 1 << 20,
	})
	return &testEnv{handler: srv.Handler(), store: store, engine: engine}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// newTrace runs a traced function so the store holds a realistic trace.
func (e *testEnv) newTrace(t *testing.T, name string, fail bool) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	traced := e.engine.Wrap(tracer.Config{Name: name}, func(ctx context.Context, tc *tracer.Ctx, args map[string]any) (any, error) {
		id = tc.TraceID()
		if fail {
			return nil, assert.AnError
		}
		return "ok", nil
	})
	traced(context.Background(), nil)
	require.NotEqual(t, uuid.Nil, id)
	return id
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func TestHealthNoAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var data map[string]string
	decodeData(t, rec, &data)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "test", data["version"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/traces", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bearer form is accepted too.
	req = httptest.NewRequest(http.MethodGet, "/v1/traces", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetTrace(t *testing.T) {
	env := newTestEnv(t)
	id := env.newTrace(t, "orders.place", false)

	rec := env.do(t, http.MethodGet, "/v1/traces/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var tree model.TraceTree
	decodeData(t, rec, &tree)
	assert.Equal(t, id, tree.Trace.ID)
	assert.Equal(t, model.TraceStatusSuccess, tree.Trace.Status)
	require.Len(t, tree.Spans, 1)
	assert.Equal(t, "orders.place", tree.Spans[0].Name)
}

func TestGetTraceErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/traces/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/traces/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTraces(t *testing.T) {
	env := newTestEnv(t)
	env.newTrace(t, "a", false)
	failed := env.newTrace(t, "b", true)

	rec := env.do(t, http.MethodGet, "/v1/traces", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		Traces []model.Trace `json:"traces"`
	}
	decodeData(t, rec, &data)
	assert.Len(t, data.Traces, 2)

	rec = env.do(t, http.MethodGet, "/v1/traces?status=error", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &data)
	require.Len(t, data.Traces, 1)
	assert.Equal(t, failed, data.Traces[0].ID)

	rec = env.do(t, http.MethodGet, "/v1/traces?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchTraces(t *testing.T) {
	env := newTestEnv(t)
	id := env.newTrace(t, "billing.capture", false)
	env.newTrace(t, "orders.place", false)

	rec := env.do(t, http.MethodGet, "/v1/traces/search?function_name=billing.capture", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		Traces []model.Trace `json:"traces"`
	}
	decodeData(t, rec, &data)
	require.Len(t, data.Traces, 1)
	assert.Equal(t, id, data.Traces[0].ID)

	rec = env.do(t, http.MethodGet, "/v1/traces/search", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetentionControls(t *testing.T) {
	env := newTestEnv(t)
	id := env.newTrace(t, "mut", false)
	base := "/v1/traces/" + id.String()

	rec := env.do(t, http.MethodPost, base+"/preserve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	row, err := env.store.GetTraceRow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.PreserveKeep, row.Preserve)

	rec = env.do(t, http.MethodPost, base+"/discard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	row, err = env.store.GetTraceRow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.PreserveDelete, row.Preserve)

	rec = env.do(t, http.MethodPost, base+"/sample", `{"sample_rate":0.3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	row, err = env.store.GetTraceRow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.PreserveUndecided, row.Preserve)
	assert.Equal(t, 0.3, row.SampleRate)

	rec = env.do(t, http.MethodPost, base+"/sample", `{"sample_rate":1.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/traces/"+uuid.NewString()+"/preserve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.newTrace(t, "doomed", false)

	rec := env.do(t, http.MethodPost, "/v1/traces/"+id.String()+"/discard", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/traces/"+id.String()+"/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/traces/"+id.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
