package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/caresync/internal/cache"
	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/records"
	"github.com/kimhsiao/caresync/internal/sync"
	"github.com/kimhsiao/caresync/internal/sync/connectivity"
	"github.com/kimhsiao/caresync/internal/sync/remote"
	"github.com/kimhsiao/caresync/internal/sync/remote/remotetest"
	"github.com/kimhsiao/caresync/internal/sync/retry"
	"github.com/kimhsiao/caresync/internal/testutil"
)

type testEnv struct {
	router http.Handler
	engine *sync.Engine
	server *remotetest.Server
	oracle *connectivity.Static
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := remotetest.New()
	srv.Start()
	t.Cleanup(srv.Close)

	repo := testutil.NewStore(t)
	client := remote.NewClient(remote.Config{BaseURL: srv.URL()})
	oracle := connectivity.NewStatic(true)
	clk := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))

	cfg := sync.DefaultConfig()
	cfg.Retry.MaxRetries = 1
	engine := sync.NewEngine(repo, client, oracle, cfg,
		sync.WithClock(clk),
		sync.WithRetryOptions(retry.WithWait(func(context.Context, time.Duration) error { return nil })))

	refs, err := cache.New(client, oracle, cache.DefaultConfig(), cache.WithClock(clk))
	require.NoError(t, err)

	router := NewRouter(Deps{
		Engine:  engine,
		Records: records.NewService(repo, engine.Queue(), engine.Locks(), records.WithClock(clk)),
		Cache:   refs,
	})
	return &testEnv{router: router, engine: engine, server: srv, oracle: oracle}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

const invoiceJSON = `{"patient_id":"patient-1","number":"INV-1","amount_cents":900,"currency":"USD","issued_on":"2024-05-01","status":"issued"}`

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRecordLifecycleAndPush(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/records/invoices", invoiceJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		LocalID  string `json:"local_id"`
		IsSynced bool   `json:"is_synced"`
	}
	decode(t, rec, &created)
	assert.False(t, created.IsSynced)

	rec = env.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	decode(t, rec, &status)
	assert.Equal(t, 1, status.Pending)
	assert.True(t, status.Online)

	rec = env.do(t, http.MethodPost, "/api/sync/trigger", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result sync.SyncResult
	decode(t, rec, &result)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, env.server.Count("invoices"))

	rec = env.do(t, http.MethodGet, "/api/records/invoices/"+created.LocalID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		IsSynced bool            `json:"is_synced"`
		RemoteID string          `json:"remote_id"`
		Record   json.RawMessage `json:"record"`
	}
	decode(t, rec, &got)
	assert.True(t, got.IsSynced)
	assert.NotEmpty(t, got.RemoteID)
	assert.JSONEq(t, invoiceJSON, string(got.Record))

	rec = env.do(t, http.MethodGet, "/api/records/invoices?scope=patient-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = env.do(t, http.MethodDelete, "/api/records/invoices/"+created.LocalID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateRecord_validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/records/invoices", `{"patient_id":"p1","currency":"dollars"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body ErrorResponse
	decode(t, rec, &body)
	assert.Equal(t, string(apperrors.ErrValidation), body.Code)
	assert.Contains(t, body.Fields, "currency")
	assert.Contains(t, body.Fields, "number")

	rec = env.do(t, http.MethodPost, "/api/records/prescriptions", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/records/invoices/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSync_group(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/records/invoices", invoiceJSON)

	rec := env.do(t, http.MethodPost, "/api/sync/trigger?group=discharge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"synced":0`)

	rec = env.do(t, http.MethodPost, "/api/sync/trigger?group=pharmacy", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPull(t *testing.T) {
	env := newTestEnv(t)
	env.server.Seed("payments", remote.Record{ScopeID: "patient-1", Fields: json.RawMessage(`{"amount_cents":5}`)})

	rec := env.do(t, http.MethodPost, "/api/sync/pull", PullRequest{EntityType: "payment", ScopeID: "patient-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Results []sync.PullResult `json:"results"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Results, 1)
	assert.Equal(t, 1, body.Results[0].Inserted)

	rec = env.do(t, http.MethodPost, "/api/sync/pull", PullRequest{EntityType: "x-ray"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.oracle.SetOnline(false)
	rec = env.do(t, http.MethodPost, "/api/sync/pull", PullRequest{ScopeID: "patient-1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/records/invoices", invoiceJSON)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		LocalID string `json:"local_id"`
	}
	decode(t, rec, &created)

	env.server.FailKey(created.LocalID, http.StatusUnprocessableEntity)
	for i := 0; i < env.engine.Queue().MaxAttempts(); i++ {
		env.do(t, http.MethodPost, "/api/sync/trigger", nil)
	}

	rec = env.do(t, http.MethodGet, "/api/sync/dead-letters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []struct {
			ID int64 `json:"id"`
		} `json:"items"`
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	require.Equal(t, 1, list.Count)
	id := list.Items[0].ID

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/sync/dead-letters/%d/requeue", id), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for i := 0; i < env.engine.Queue().MaxAttempts(); i++ {
		env.do(t, http.MethodPost, "/api/sync/trigger", nil)
	}
	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/sync/dead-letters/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/records/invoices/"+created.LocalID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/sync/dead-letters/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConflicts(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/sync/conflicts?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conflicts":[]}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/sync/conflicts?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReference(t *testing.T) {
	env := newTestEnv(t)
	env.server.SetReference("insurers", json.RawMessage(`["Aetna"]`))

	rec := env.do(t, http.MethodGet, "/api/reference/insurers", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"Aetna"`)

	env.oracle.SetOnline(false)
	rec = env.do(t, http.MethodGet, "/api/reference/billing-codes", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/health", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "caresync_http_requests_total"))
}
