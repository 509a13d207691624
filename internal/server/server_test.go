package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/creator-pipeline/internal/aggregate"
	"github.com/jonathan/creator-pipeline/internal/config"
	"github.com/jonathan/creator-pipeline/internal/server/ratelimit"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/store/badgerstore"
	"github.com/jonathan/creator-pipeline/internal/stream"
	"github.com/jonathan/creator-pipeline/internal/types"
)

// recordingRunner records submitted run ids without executing them.
type recordingRunner struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRunner) Submit(_ context.Context, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, runID)
}

func (r *recordingRunner) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type testServer struct {
	*Server
	store  *badgerstore.Store
	agg    *aggregate.Aggregator
	runner *recordingRunner
}

func newTestServer(t *testing.T, auth *config.JWTConfig) *testServer {
	t.Helper()
	st, err := badgerstore.OpenInMemory(nil, clockwork.NewRealClock())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	agg, err := aggregate.New(aggregate.Config{Store: st, Blobs: st.Blobs(), OverflowThreshold: 256})
	require.NoError(t, err)

	bridge, err := stream.New(stream.Config{
		Watcher:   st,
		Results:   agg,
		Heartbeat: time.Minute,
		Watchdog:  5 * time.Second,
	})
	require.NoError(t, err)

	runner := &recordingRunner{}
	srv, err := New(Config{
		Store:     st,
		Runner:    runner,
		Streamer:  bridge,
		Results:   agg,
		Auth:      auth,
		RateLimit: &ratelimit.Config{Enabled: false},
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, store: st, agg: agg, runner: runner}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func validRequest() map[string]any {
	return map[string]any{
		"search":             map[string]any{"query": "vegan bakers in Austin"},
		"business_fit_query": "plant-based snack brand launching in Texas",
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "creator_pipeline_runs_created_total")
}

func TestCreateRun(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/runs", validRequest(), "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[CreateRunResponse](t, w)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, types.RunStatusPending, resp.Status)
	assert.Equal(t, "/runs/"+resp.RunID+"/stream", resp.StreamURL)
	assert.Equal(t, []string{resp.RunID}, ts.runner.submitted())

	run, err := ts.store.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, AnonymousUser, run.UserID)
	require.NotNil(t, run.Request)
	assert.Equal(t, types.SearchMethodHybrid, run.Request.Search.Method, "defaults applied")
	assert.Equal(t, 20, run.Request.MaxProfiles)
}

func TestCreateRun_StopAtStage(t *testing.T) {
	ts := newTestServer(t, nil)
	body := validRequest()
	body["stop_at_stage"] = "search"

	w := ts.do(t, http.MethodPost, "/runs", body, "")
	require.Equal(t, http.StatusAccepted, w.Code)

	run, err := ts.store.GetRun(context.Background(), decode[CreateRunResponse](t, w).RunID)
	require.NoError(t, err)
	require.NotNil(t, run.StopAtStage)
	assert.Equal(t, types.StageSearch, *run.StopAtStage)
}

func TestCreateRun_ValidationFailsBeforeCreate(t *testing.T) {
	ts := newTestServer(t, nil)

	body := validRequest()
	body["search"] = map[string]any{"query": "", "min_followers": 500, "max_followers": 10}
	body["max_posts"] = 50

	w := ts.do(t, http.MethodPost, "/runs", body, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	resp := decode[errorBody](t, w)
	fields := make([]string, 0, len(resp.Fields))
	for _, f := range resp.Fields {
		fields = append(fields, f.Field)
	}
	assert.Contains(t, fields, "search.query")
	assert.Contains(t, fields, "search.min_followers")
	assert.Contains(t, fields, "max_posts")
	assert.Empty(t, ts.runner.submitted())
}

func TestCreateRun_MalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"search":`))
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/runs", map[string]any{"surprise": true}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	runID := decode[CreateRunResponse](t, ts.do(t, http.MethodPost, "/runs", validRequest(), "")).RunID

	_, err := ts.agg.ApplyBatch(ctx, runID, types.StageSearch, 0, []types.CreatorProfile{{Platform: "instagram", Account: "ana"}})
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/runs/"+runID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[RunResponse](t, w)
	assert.Equal(t, runID, resp.Run.ID)
	require.Len(t, resp.Stages, 1)
	assert.Equal(t, 1, resp.Stages[0].ItemCount)
	assert.Empty(t, resp.Stages[0].Items, "run view carries summaries only")
}

func TestGetRun_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/runs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStage(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	runID := decode[CreateRunResponse](t, ts.do(t, http.MethodPost, "/runs", validRequest(), "")).RunID

	// Enough items to pass the 256 byte overflow threshold
	items := []types.CreatorProfile{
		{Platform: "instagram", Account: "ana", Biography: strings.Repeat("bakes ", 40)},
		{Platform: "tiktok", Account: "bo"},
	}
	res, err := ts.agg.ApplyBatch(ctx, runID, types.StageSearch, 0, items)
	require.NoError(t, err)
	require.True(t, res.Overflowed)

	w := ts.do(t, http.MethodGet, "/runs/"+runID+"/stages/search", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	stage := decode[types.StageResult](t, w)
	require.Len(t, stage.Items, 2)
	assert.Equal(t, "ana", stage.Items[0].Account)
	assert.NotEmpty(t, stage.BlobPath)

	w = ts.do(t, http.MethodGet, "/runs/"+runID+"/stages/score", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/runs/"+runID+"/stages/render", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t, nil)
	runID := decode[CreateRunResponse](t, ts.do(t, http.MethodPost, "/runs", validRequest(), "")).RunID

	w := ts.do(t, http.MethodPost, "/runs/"+runID+"/cancel", nil, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decode[CancelResponse](t, w)
	assert.True(t, resp.CancelRequested)

	// Repeating the request is harmless
	w = ts.do(t, http.MethodPost, "/runs/"+runID+"/cancel", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodPost, "/runs/missing/cancel", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOwnership(t *testing.T) {
	ts := newTestServer(t, &config.JWTConfig{Secret: testSecret})
	alice := signToken(t, testSecret, userClaims("alice", time.Hour))
	bob := signToken(t, testSecret, userClaims("bob", time.Hour))

	w := ts.do(t, http.MethodPost, "/runs", validRequest(), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/runs", validRequest(), alice)
	require.Equal(t, http.StatusAccepted, w.Code)
	runID := decode[CreateRunResponse](t, w).RunID

	run, err := ts.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "alice", run.UserID)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/runs/"+runID, nil, alice).Code)
	for _, path := range []string{"/runs/" + runID, "/runs/" + runID + "/stages/search", "/runs/" + runID + "/stream"} {
		assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, path, nil, bob).Code, path)
	}
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/runs/"+runID+"/cancel", nil, bob).Code)

	// Probes stay open
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, "").Code)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.rateLimiter = ratelimit.NewLimiter(&ratelimit.Config{
		Enabled:         true,
		DefaultLimit:    1000,
		DefaultWindow:   time.Minute,
		EndpointConfigs: ratelimit.DefaultEndpointConfigs(),
	})

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodPost, "/runs", validRequest(), "")
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	}

	w := ts.do(t, http.MethodPost, "/runs", validRequest(), "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Len(t, ts.runner.submitted(), 2)
}

// readEvents parses an SSE body into event names, skipping comments.
func readEvents(t *testing.T, body *bufio.Scanner) []string {
	t.Helper()
	var names []string
	for body.Scan() {
		line := body.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestStream_FinishedRun(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	runID := decode[CreateRunResponse](t, ts.do(t, http.MethodPost, "/runs", validRequest(), "")).RunID

	_, err := ts.store.UpdateRun(ctx, runID, store.RunUpdate{Status: store.Ptr(types.RunStatusCancelled)})
	require.NoError(t, err)

	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/runs/" + runID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	names := readEvents(t, bufio.NewScanner(resp.Body))
	require.NotEmpty(t, names)
	assert.Equal(t, stream.EventAck, names[0])
	assert.Equal(t, stream.EventCancelled, names[len(names)-1])
}

func TestStream_UnknownRun(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/runs/missing/stream", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}
