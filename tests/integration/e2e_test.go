//go:build integration

// Package integration runs the crosslink HTTP surface against real
// PostgreSQL, Redis and Kafka provided by testcontainers-go.
//
// Run with: go test -tags=integration -v ./tests/integration/
package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/internal/hub"
	"github.com/ramiqadoumi/crosslink/internal/kafka"
	"github.com/ramiqadoumi/crosslink/internal/postgres"
	"github.com/ramiqadoumi/crosslink/internal/queue"
	redisstore "github.com/ramiqadoumi/crosslink/internal/redis"
	"github.com/ramiqadoumi/crosslink/internal/stats"
	"github.com/ramiqadoumi/crosslink/services/crosslink/handler"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type staticSampler struct{}

func (staticSampler) Sample(context.Context) (*domain.MachineStats, error) {
	return &domain.MachineStats{Hostname: "archon", CPUPercent: 7.25}, nil
}

type server struct {
	url   string
	queue *queue.Queue
	hub   *hub.Hub
}

// startServer wires the same components as the serve command: Postgres
// store, Redis submission limit and Kafka lifecycle events.
func startServer(t *testing.T, topic string, submitLimit int) *server {
	t.Helper()
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE tasks") //nolint:errcheck
		pool.Close()
	})

	redisClient := redisstore.NewClient(testRedisAddr)
	t.Cleanup(func() {
		redisClient.FlushDB(ctx) //nolint:errcheck
		redisClient.Close()      //nolint:errcheck
	})

	sink := kafka.NewEventSink(kafka.NewProducer(testKafkaBrokers), topic)
	q := queue.New(postgres.NewRepository(pool),
		queue.WithLogger(discard),
		queue.WithSinks(sink),
		queue.WithLimiter(redisstore.NewRateLimiter(redisClient, submitLimit, time.Minute)),
	)
	t.Cleanup(func() {
		q.Wait()
		sink.Close() //nolint:errcheck
	})

	local := stats.Identity{Role: domain.RoleLinux, Hostname: "archon", OS: "Linux", IPAddress: "192.168.50.2"}
	remote := stats.Identity{Role: domain.RoleWindows, Hostname: "Windows PC", OS: "Windows 11", IPAddress: "192.168.50.1"}
	collector := stats.NewCollector(stats.NewStore(), staticSampler{}, local, []stats.Identity{remote},
		stats.WithCollectorLogger(discard))

	schedule, err := hub.ParseSchedule("@every 1h")
	require.NoError(t, err)
	h := hub.New(collector, hub.WithLogger(discard), hub.WithSchedule(schedule))

	srv := httptest.NewServer(handler.NewRouter(handler.NewREST(q, collector, h, discard), h, discard))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &server{url: srv.URL, queue: q, hub: h}
}

func (s *server) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.url+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

// TestE2E_TaskLifecycle submits a task from the windows agent, polls it as
// the linux agent, completes it, and reads both lifecycle events back from
// Kafka.
func TestE2E_TaskLifecycle(t *testing.T) {
	topic := uniqueTopic("e2e-tasks")
	createTopic(t, topic)
	s := startServer(t, topic, 100)

	code, body := s.do(t, http.MethodPost, "/tasks",
		`{"prompt":"rebuild the index","from_machine":"windows","to_machine":"linux","context":{"repo":"crosslink"}}`)
	require.Equal(t, http.StatusCreated, code)
	taskID := body["task_id"].(string)
	assert.Len(t, taskID, 8)

	code, body = s.do(t, http.MethodGet, "/tasks/pending/linux", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["pending_count"])

	code, _ = s.do(t, http.MethodPost, "/tasks/"+taskID+"/complete", `{"result":"done"}`)
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPost, "/tasks/"+taskID+"/complete", `{"result":"again"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, body = s.do(t, http.MethodGet, "/tasks/"+taskID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "done", body["result"])
	assert.Equal(t, map[string]any{"repo": "crosslink"}, body["context"])

	code, body = s.do(t, http.MethodGet, "/tasks/pending/linux", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["pending_count"])

	s.queue.Wait()

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       testKafkaBrokers,
		Topic:         topic,
		GroupID:       "e2e-" + taskID,
		FromBeginning: true,
	}, discard)
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var seen []queue.EventType
	err := consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		ev, err := kafka.DecodeEvent(msg)
		if err != nil {
			return err
		}
		assert.Equal(t, taskID, ev.Task.ID)
		seen = append(seen, ev.Type)
		if len(seen) == 2 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []queue.EventType{queue.EventSubmitted, queue.EventCompleted}, seen)
}

func TestE2E_SubmissionRateLimit(t *testing.T) {
	topic := uniqueTopic("e2e-limit")
	createTopic(t, topic)
	s := startServer(t, topic, 2)

	submit := `{"prompt":"p","from_machine":"linux","to_machine":"windows"}`
	for i := 0; i < 2; i++ {
		code, _ := s.do(t, http.MethodPost, "/tasks", submit)
		require.Equal(t, http.StatusCreated, code)
	}
	code, _ := s.do(t, http.MethodPost, "/tasks", submit)
	assert.Equal(t, http.StatusTooManyRequests, code)

	// The limit is per sending machine.
	code, _ = s.do(t, http.MethodPost, "/tasks", `{"prompt":"p","from_machine":"windows","to_machine":"linux"}`)
	assert.Equal(t, http.StatusCreated, code)
}

// TestE2E_PushReachesSubscriber checks that a stats push is fanned out to a
// connected WebSocket client without waiting for its next tick.
func TestE2E_PushReachesSubscriber(t *testing.T) {
	s := startServer(t, uniqueTopic("e2e-ws"), 100)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.url, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	readSnapshot := func() domain.Snapshot {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var snap domain.Snapshot
		require.NoError(t, json.Unmarshal(data, &snap))
		return snap
	}

	first := readSnapshot()
	require.NotNil(t, first[domain.RoleLinux])
	assert.Nil(t, first[domain.RoleWindows])

	code, _ := s.do(t, http.MethodPost, "/stats/windows",
		`{"hostname":"DESKTOP-1","cpu":{"usage":41.5},"memory":{"total":17179869184,"used":8589934592,"usage":50}}`)
	require.Equal(t, http.StatusOK, code)

	pushed := readSnapshot()
	require.NotNil(t, pushed[domain.RoleWindows])
	assert.Equal(t, "DESKTOP-1", pushed[domain.RoleWindows].Hostname)
	assert.Equal(t, 41.5, pushed[domain.RoleWindows].CPUPercent)
	assert.Equal(t, 16.0, pushed[domain.RoleWindows].MemoryTotalGB)
	assert.Equal(t, "192.168.50.1", pushed[domain.RoleWindows].IPAddress)
}
