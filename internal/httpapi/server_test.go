package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/taskgate/internal/health"
	"github.com/ChuLiYu/taskgate/internal/metrics"
	"github.com/ChuLiYu/taskgate/internal/queue"
	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/internal/store/memstore"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type lanePublisher struct {
	mu    sync.Mutex
	lanes []types.Priority
	err   error
	// onPublish runs after a successful publish, e.g. to simulate a worker.
	onPublish func(msg types.DispatchMessage)
}

func (p *lanePublisher) Publish(_ context.Context, lane types.Priority, msg types.DispatchMessage) error {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return p.err
	}
	p.lanes = append(p.lanes, lane)
	hook := p.onPublish
	p.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (p *lanePublisher) published() []types.Priority {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Priority(nil), p.lanes...)
}

type testAPI struct {
	store *memstore.Store
	pub   *lanePublisher
	srv   *httptest.Server
}

func newTestAPI(t *testing.T, mutate func(*Options)) *testAPI {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	st := memstore.New()
	pub := &lanePublisher{}

	opts := Options{
		APIPrefix:          "/api/v1",
		DefaultSyncTimeout: 200 * time.Millisecond,
		MaxSyncTimeout:     500 * time.Millisecond,
		PollAfter:          2,
		Gatherer:           reg,
		HealthChecks: []health.Check{
			{Name: "store", Ping: st.Ping},
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := New(opts,
		queue.NewSubmitter(st, pub, []string{"ocr", "ai", "isbn"}, m, logger),
		queue.NewWaiter(st, 10*time.Millisecond, m, logger),
		queue.NewController(st, m, logger),
		logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testAPI{store: st, pub: pub, srv: ts}
}

// completeOnPublish makes every published job succeed after delay.
func (a *testAPI) completeOnPublish(t *testing.T, delay time.Duration) {
	a.pub.mu.Lock()
	defer a.pub.mu.Unlock()
	a.pub.onPublish = func(msg types.DispatchMessage) {
		go func() {
			time.Sleep(delay)
			ctx := context.Background()
			_, _ = a.store.CompareAndTransition(ctx, msg.ID, []types.JobStatus{types.StatusQueued}, types.StatusRunning, store.Fields{IncrementTries: true})
			ref := "r"
			_, _ = a.store.CompareAndTransition(ctx, msg.ID, []types.JobStatus{types.StatusRunning}, types.StatusSucceeded, store.Fields{ResultRef: &ref})
		}()
	}
}

type response struct {
	status int
	body   map[string]any
}

func (r response) data() map[string]any {
	d, _ := r.body["data"].(map[string]any)
	return d
}

func (r response) errorCode() string {
	e, _ := r.body["error"].(map[string]any)
	s, _ := e["code"].(string)
	return s
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers map[string]string) response {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return response{status: resp.StatusCode, body: out}
}

// ============================================================================
// Submit
// ============================================================================

func TestSubmitAcceptedWhenNotFinished(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"r2://bucket/key","syncTimeoutMs":0}`,
		map[string]string{"X-Task-Class": "interactive"})

	require.Equal(t, http.StatusAccepted, resp.status)
	assert.Equal(t, true, resp.body["success"])
	assert.Equal(t, "object", resp.body["dataType"])
	assert.EqualValues(t, 202, resp.body["code"])

	data := resp.data()
	id, _ := data["jobId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "/api/v1/tasks/"+id, data["statusUrl"])
	assert.EqualValues(t, 2, data["pollAfter"])
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, []types.Priority{types.PriorityHigh}, api.pub.published())
}

func TestSubmitFastPathReturnsTerminalJob(t *testing.T) {
	api := newTestAPI(t, nil)
	api.completeOnPublish(t, 20*time.Millisecond)

	resp := api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"inline://x","syncTimeoutMs":400}`, nil)

	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "job", resp.body["dataType"])
	assert.Equal(t, "succeeded", resp.data()["status"])
	assert.Equal(t, "r", resp.data()["resultRef"])
}

func TestSubmitFastPathTimesOut(t *testing.T) {
	api := newTestAPI(t, nil)
	api.completeOnPublish(t, 2*time.Second)

	start := time.Now()
	resp := api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"inline://x","syncTimeoutMs":100}`, nil)

	assert.Equal(t, http.StatusAccepted, resp.status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubmitSyncTimeoutAboveMaxIsRejected(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"inline://x","syncTimeoutMs":60000}`, nil)

	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, "validation_error", resp.errorCode())
	e := resp.body["error"].(map[string]any)
	assert.Equal(t, "syncTimeoutMs", e["field"])
	assert.Contains(t, e["message"], "500")
	assert.Empty(t, api.pub.published(), "a rejected request must not create a job")
}

func TestSubmitSyncTimeoutAtMaxIsAccepted(t *testing.T) {
	api := newTestAPI(t, nil)

	start := time.Now()
	resp := api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"inline://x","syncTimeoutMs":500}`, nil)

	assert.Equal(t, http.StatusAccepted, resp.status)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Len(t, api.pub.published(), 1)
}

func TestSubmitBulkSkipsFastPath(t *testing.T) {
	api := newTestAPI(t, nil)
	api.completeOnPublish(t, 10*time.Millisecond)

	resp := api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"inline://x","syncTimeoutMs":400}`,
		map[string]string{"X-Task-Class": "bulk"})

	assert.Equal(t, http.StatusAccepted, resp.status)
	assert.Equal(t, []types.Priority{types.PriorityLow}, api.pub.published())
}

func TestSubmitPriorityHeaderOverridesClass(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(t, http.MethodPost, "/api/v1/tasks/isbn", `{"payloadRef":"inline://x","syncTimeoutMs":0}`,
		map[string]string{"X-Task-Class": "bulk", "X-Priority": "normal"})

	assert.Equal(t, http.StatusAccepted, resp.status)
	assert.Equal(t, []types.Priority{types.PriorityNormal}, api.pub.published())
}

func TestSubmitIdempotencyKeyReplay(t *testing.T) {
	api := newTestAPI(t, nil)
	headers := map[string]string{"Idempotency-Key": "abc"}
	body := `{"payloadRef":"r2://bucket/key","syncTimeoutMs":0}`

	first := api.do(t, http.MethodPost, "/api/v1/tasks/ai", body, headers)
	second := api.do(t, http.MethodPost, "/api/v1/tasks/ai", body, headers)

	assert.Equal(t, first.data()["jobId"], second.data()["jobId"])
	assert.Len(t, api.pub.published(), 1)
}

func TestSubmitValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		body    string
		headers map[string]string
		field   string
	}{
		{"missing payloadRef", "/api/v1/tasks/ocr", `{}`, nil, "payloadRef"},
		{"empty payloadRef", "/api/v1/tasks/ocr", `{"payloadRef":""}`, nil, "payloadRef"},
		{"not json", "/api/v1/tasks/ocr", `{`, nil, "body"},
		{"batch parallel out of range", "/api/v1/tasks/ocr", `{"payloadRef":"x","batchMaxParallel":9}`, nil, "batchMaxParallel"},
		{"negative sync timeout", "/api/v1/tasks/ocr", `{"payloadRef":"x","syncTimeoutMs":-1}`, nil, "syncTimeoutMs"},
		{"sync timeout above max", "/api/v1/tasks/ocr", `{"payloadRef":"x","syncTimeoutMs":501}`, nil, "syncTimeoutMs"},
		{"unknown type", "/api/v1/tasks/transcode", `{"payloadRef":"x"}`, nil, "type"},
		{"unknown class", "/api/v1/tasks/ocr", `{"payloadRef":"x"}`, map[string]string{"X-Task-Class": "urgent"}, "taskClass"},
		{"unknown priority", "/api/v1/tasks/ocr", `{"payloadRef":"x"}`, map[string]string{"X-Priority": "asap"}, "priority"},
		{"relative callback", "/api/v1/tasks/ocr", `{"payloadRef":"x","callbackUrl":"/hook"}`, nil, "callbackUrl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, nil)
			resp := api.do(t, http.MethodPost, tt.path, tt.body, tt.headers)

			assert.Equal(t, http.StatusBadRequest, resp.status)
			assert.Equal(t, false, resp.body["success"])
			assert.Equal(t, "validation_error", resp.errorCode())
			e := resp.body["error"].(map[string]any)
			assert.Equal(t, tt.field, e["field"])
			assert.Empty(t, api.pub.published())
		})
	}
}

func TestSubmitCallbackAllowList(t *testing.T) {
	api := newTestAPI(t, func(o *Options) { o.CallbackDomains = []string{"example.com"} })

	bad := api.do(t, http.MethodPost, "/api/v1/tasks/isbn",
		`{"payloadRef":"r2://bucket/key","callbackUrl":"https://evil.example.org/hook"}`, nil)
	assert.Equal(t, http.StatusBadRequest, bad.status)
	msg := bad.body["error"].(map[string]any)["message"].(string)
	assert.True(t, strings.HasSuffix(msg, "callbackUrl not allowed by whitelist"), msg)

	ok := api.do(t, http.MethodPost, "/api/v1/tasks/isbn",
		`{"payloadRef":"r2://bucket/key","callbackUrl":"https://hooks.example.com/done","syncTimeoutMs":0}`, nil)
	assert.Equal(t, http.StatusAccepted, ok.status)
}

func TestSubmitUnavailable(t *testing.T) {
	api := newTestAPI(t, nil)
	api.pub.err = errors.New("redis down")

	resp := api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"x"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.Equal(t, "unavailable", resp.errorCode())
}

// ============================================================================
// Query / Cancel
// ============================================================================

func TestGetAndCancel(t *testing.T) {
	for _, prefix := range []string{"/api/v1/tasks/", "/api/v1/jobs/"} {
		t.Run(prefix, func(t *testing.T) {
			api := newTestAPI(t, nil)
			created := api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"x","syncTimeoutMs":0}`, nil)
			id := created.data()["jobId"].(string)

			got := api.do(t, http.MethodGet, prefix+id, "", nil)
			require.Equal(t, http.StatusOK, got.status)
			assert.Equal(t, id, got.data()["id"])
			assert.Equal(t, "queued", got.data()["status"])

			canceled := api.do(t, http.MethodDelete, prefix+id, "", nil)
			require.Equal(t, http.StatusOK, canceled.status)
			assert.Equal(t, id, canceled.data()["jobId"])

			again := api.do(t, http.MethodDelete, prefix+id, "", nil)
			assert.Equal(t, http.StatusConflict, again.status)
			assert.Equal(t, "conflict", again.errorCode())
		})
	}
}

func TestUnknownJob(t *testing.T) {
	api := newTestAPI(t, nil)

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/v1/tasks/nope", "", nil).status)
	resp := api.do(t, http.MethodDelete, "/api/v1/jobs/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "not_found", resp.errorCode())
}

func TestReplayOfFinishedJobReturnsIt(t *testing.T) {
	api := newTestAPI(t, nil)
	api.completeOnPublish(t, 0)
	headers := map[string]string{"Idempotency-Key": "k", "X-Task-Class": "offline"}

	first := api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"x"}`, headers)
	require.Equal(t, http.StatusAccepted, first.status)
	id := first.data()["jobId"].(string)

	require.Eventually(t, func() bool {
		j, err := api.store.FindByID(context.Background(), id)
		return err == nil && j.Status == types.StatusSucceeded
	}, time.Second, 5*time.Millisecond)

	again := api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"x"}`, headers)
	assert.Equal(t, http.StatusOK, again.status)
	assert.Equal(t, id, again.data()["id"])
}

// ============================================================================
// Health / metrics
// ============================================================================

func TestHealthDegrades(t *testing.T) {
	api := newTestAPI(t, func(o *Options) {
		o.HealthChecks = append(o.HealthChecks, health.Check{
			Name: "broker",
			Ping: func(context.Context) error { return errors.New("connection refused") },
		})
	})

	resp := api.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "health", resp.body["dataType"])
	assert.Equal(t, "unhealthy", resp.data()["status"])
	services := resp.data()["services"].(map[string]any)
	assert.Equal(t, "healthy", services["store"].(map[string]any)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	api.do(t, http.MethodPost, "/api/v1/tasks/ocr", `{"payloadRef":"x","syncTimeoutMs":0}`, nil)

	resp, err := http.Get(api.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Contains(t, sb.String(), `taskgate_jobs_submitted_total{lane="high",type="ocr"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	api := newTestAPI(t, nil)
	resp := api.do(t, http.MethodGet, "/api/v2/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
}

// ============================================================================
// Allow-list
// ============================================================================

func TestCallbackAllowList(t *testing.T) {
	l := newCallbackAllowList([]string{"Example.com", ".hooks.io"})

	assert.NoError(t, l.check("https://example.com/cb"))
	assert.NoError(t, l.check("http://a.b.example.com:8080/cb"))
	assert.NoError(t, l.check("https://x.hooks.io"))
	assert.Error(t, l.check("https://notexample.com/cb"))
	assert.Error(t, l.check("https://example.com.evil.net/cb"))
	assert.Error(t, l.check("ftp://example.com/cb"))

	assert.NoError(t, newCallbackAllowList(nil).check("https://anything.net/x"))
	assert.Error(t, newCallbackAllowList(nil).check("not a url"))
}
