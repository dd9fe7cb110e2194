package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/internal/hub"
	"github.com/ramiqadoumi/crosslink/internal/queue"
	"github.com/ramiqadoumi/crosslink/internal/stats"
	"github.com/ramiqadoumi/crosslink/services/crosslink/handler"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSampler struct{}

func (fakeSampler) Sample(context.Context) (*domain.MachineStats, error) {
	return &domain.MachineStats{Hostname: "archon", CPUPercent: 3.5, MemoryTotalGB: 32}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyLimiter) Limit() int                                  { return 10 }

type downStore struct{ queue.Store }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

type recordingSub struct {
	mu  sync.Mutex
	got [][]byte
}

func (s *recordingSub) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, p)
	return nil
}

func (s *recordingSub) Close() error { return nil }

type fixture struct {
	router http.Handler
	hub    *hub.Hub
}

func newFixture(t *testing.T, store queue.Store, opts ...queue.Option) *fixture {
	t.Helper()
	opts = append(opts, queue.WithLogger(discard))
	q := queue.New(store, opts...)
	collector := stats.NewCollector(stats.NewStore(), fakeSampler{},
		stats.Identity{Role: domain.RoleLinux, IPAddress: "192.168.50.2"},
		[]stats.Identity{{Role: domain.RoleWindows, Hostname: "Windows PC", OS: "Windows 11", IPAddress: "192.168.50.1"}},
		stats.WithCollectorLogger(discard),
	)
	h := hub.New(collector, hub.WithLogger(discard))
	rest := handler.NewREST(q, collector, h, discard)
	return &fixture{router: handler.NewRouter(rest, h, discard), hub: h}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestBanner(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore())
	rec, body := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "crosslink", body["service"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, []any{"linux", "windows"}, body["machines"])
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore())

	rec, body := f.do(t, http.MethodPost, "/tasks",
		`{"prompt":"run the test suite","from_machine":"linux","to_machine":"windows","context":{"repo":"crosslink"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "pending", body["status"])
	id, _ := body["task_id"].(string)
	require.Len(t, id, 8)

	rec, body = f.do(t, http.MethodGet, "/tasks/pending/windows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "windows", body["machine"])
	assert.EqualValues(t, 1, body["pending_count"])

	rec, body = f.do(t, http.MethodGet, "/tasks/pending/linux", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["pending_count"])
	assert.Equal(t, []any{}, body["tasks"])

	rec, body = f.do(t, http.MethodGet, "/tasks/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run the test suite", body["prompt"])
	assert.Equal(t, map[string]any{"repo": "crosslink"}, body["context"])
	assert.Nil(t, body["completed_at"])

	rec, body = f.do(t, http.MethodPost, "/tasks/"+id+"/complete", `{"result":"all green"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, id, body["task_id"])

	rec, _ = f.do(t, http.MethodPost, "/tasks/"+id+"/complete", `{"result":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/tasks/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "all green", body["result"])
	assert.Equal(t, "completed", body["status"])
	assert.NotNil(t, body["completed_at"])

	rec, body = f.do(t, http.MethodGet, "/tasks/pending/windows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["pending_count"])

	rec, body = f.do(t, http.MethodGet, "/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 0, body["pending"])
	assert.EqualValues(t, 1, body["completed"])
}

func TestCompleteTask_EmptyBody(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore())
	_, body := f.do(t, http.MethodPost, "/tasks", `{"prompt":"p","from_machine":"windows","to_machine":"linux"}`)

	rec, _ := f.do(t, http.MethodPost, "/tasks/"+body["task_id"].(string)+"/complete", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTaskErrors(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore())

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, "/tasks", `{"prompt":`, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/tasks", "", http.StatusBadRequest},
		{"empty prompt", http.MethodPost, "/tasks", `{"prompt":"  ","from_machine":"linux","to_machine":"windows"}`, http.StatusUnprocessableEntity},
		{"unknown role", http.MethodPost, "/tasks", `{"prompt":"p","from_machine":"macos","to_machine":"windows"}`, http.StatusUnprocessableEntity},
		{"missing role", http.MethodPost, "/tasks", `{"prompt":"p","from_machine":"linux"}`, http.StatusUnprocessableEntity},
		{"role not a string", http.MethodPost, "/tasks", `{"prompt":"p","from_machine":5,"to_machine":"windows"}`, http.StatusUnprocessableEntity},
		{"prompt not a string", http.MethodPost, "/tasks", `{"prompt":["p"],"from_machine":"linux","to_machine":"windows"}`, http.StatusUnprocessableEntity},
		{"result not a string", http.MethodPost, "/tasks/deadbeef/complete", `{"result":42}`, http.StatusUnprocessableEntity},
		{"context not object", http.MethodPost, "/tasks", `{"prompt":"p","from_machine":"linux","to_machine":"windows","context":[1]}`, http.StatusUnprocessableEntity},
		{"pending unknown machine", http.MethodGet, "/tasks/pending/macos", "", http.StatusUnprocessableEntity},
		{"get unknown", http.MethodGet, "/tasks/deadbeef", "", http.StatusNotFound},
		{"complete unknown", http.MethodPost, "/tasks/deadbeef/complete", `{"result":"x"}`, http.StatusNotFound},
		{"complete malformed", http.MethodPost, "/tasks/deadbeef/complete", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}

	_, body := f.do(t, http.MethodGet, "/tasks", "")
	assert.EqualValues(t, 0, body["total"], "rejected requests must not create tasks")
}

func TestSubmitTask_RateLimited(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore(), queue.WithLimiter(denyLimiter{}))
	rec, body := f.do(t, http.MethodPost, "/tasks", `{"prompt":"p","from_machine":"linux","to_machine":"windows"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, body["error"], "rate limit")
}

func TestSubmitTask_BodyTooLarge(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore())
	big := `{"prompt":"` + strings.Repeat("x", 2<<20) + `","from_machine":"linux","to_machine":"windows"}`
	rec, _ := f.do(t, http.MethodPost, "/tasks", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStats_LocalIsSampledAndRemoteIsPushed(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore())

	rec, body := f.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, body, "windows")
	assert.Nil(t, body["windows"])
	linux, ok := body["linux"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "192.168.50.2", linux["ip_address"])
	assert.Equal(t, 3.5, linux["cpu_percent"])

	rec, _ = f.do(t, http.MethodGet, "/stats/windows", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sub := &recordingSub{}
	f.hub.Add(sub)

	rec, body = f.do(t, http.MethodPost, "/stats/windows",
		`{"hostname":"DESKTOP-7Q","cpu":{"usage":42},"memory":{"total":17179869184,"used":8589934592,"usage":50},"gpu_percent":12}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "received", body["status"])
	assert.Equal(t, "windows", body["machine"])
	data := body["data"].(map[string]any)
	assert.Equal(t, 42.0, data["cpu_percent"])
	assert.Equal(t, 16.0, data["memory_total_gb"])
	assert.Equal(t, "Windows 11", data["os"])
	assert.Equal(t, 12.0, data["gpu_percent"])

	sub.mu.Lock()
	require.Len(t, sub.got, 1)
	var snap map[string]map[string]any
	require.NoError(t, json.Unmarshal(sub.got[0], &snap))
	sub.mu.Unlock()
	assert.Equal(t, 42.0, snap["windows"]["cpu_percent"])
	assert.NotNil(t, snap["linux"])

	rec, body = f.do(t, http.MethodGet, "/stats/windows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DESKTOP-7Q", body["hostname"])

	rec, body = f.do(t, http.MethodGet, "/stats/linux", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "linux", body["machine_id"])
}

func TestIngestStats_FlatAndEmptyPayloads(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore())

	rec, body := f.do(t, http.MethodPost, "/stats/windows", `{"cpu_percent":42}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 42.0, body["data"].(map[string]any)["cpu_percent"])

	rec, body = f.do(t, http.MethodPost, "/stats/windows", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, 0.0, data["cpu_percent"])
	assert.Equal(t, "Windows PC", data["hostname"])
}

func TestIngestStats_Errors(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore())

	rec, _ := f.do(t, http.MethodPost, "/stats/linux", `{"cpu_percent":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/stats/macos", `{"cpu_percent":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/stats/windows", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/stats/windows", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/stats/macos", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore())

	rec, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["has_local_stats"])
	assert.Equal(t, false, body["has_remote_stats"])
	assert.EqualValues(t, 0, body["subscriber_count"])

	f.hub.Add(&recordingSub{})
	f.do(t, http.MethodGet, "/stats", "")
	f.do(t, http.MethodPost, "/stats/windows", `{}`)

	_, body = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, true, body["has_local_stats"])
	assert.Equal(t, true, body["has_remote_stats"])
	assert.EqualValues(t, 1, body["subscriber_count"])
}

func TestReadyz(t *testing.T) {
	f := newFixture(t, queue.NewMemoryStore())
	rec, body := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])

	f = newFixture(t, downStore{queue.NewMemoryStore()})
	rec, _ = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
