// Package hub pushes the combined stats snapshot to real-time subscribers.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/pkg/telemetry"
)

// DefaultSchedule is the per-subscriber refresh cadence.
const DefaultSchedule = "@every 2s"

// Trigger labels why a broadcast happened.
type Trigger string

const (
	TriggerPush Trigger = "push"
	TriggerTick Trigger = "tick"
)

// SnapshotSource yields the current stats of every role.
type SnapshotSource interface {
	Snapshot(ctx context.Context) domain.Snapshot
}

// Subscriber is one connected consumer. Send must be safe for concurrent
// use; Close must be idempotent.
type Subscriber interface {
	Send(payload []byte) error
	Close() error
}

// Hub tracks subscribers and fans snapshots out to them. A subscriber whose
// send fails is removed without affecting the others.
type Hub struct {
	mu       sync.RWMutex
	subs     map[Subscriber]struct{}
	source   SnapshotSource
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(l *slog.Logger) Option      { return func(h *Hub) { h.logger = l } }
func WithSchedule(s cron.Schedule) Option   { return func(h *Hub) { h.schedule = s } }
func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// ParseSchedule accepts a standard five-field cron expression or a
// descriptor such as "@every 2s".
func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		expr = DefaultSchedule
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse broadcast schedule %q: %w", expr, err)
	}
	return s, nil
}

func New(source SnapshotSource, opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[Subscriber]struct{}),
		source: source,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	if h.schedule == nil {
		h.schedule, _ = ParseSchedule(DefaultSchedule)
	}
	return h
}

func (h *Hub) Add(sub Subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	telemetry.HubSubscribers.Set(float64(n))
	h.logger.Info("subscriber connected", slog.Int("subscribers", n))
}

// Remove drops and closes sub. Removing an unknown subscriber is a no-op.
func (h *Hub) Remove(sub Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = sub.Close()
	telemetry.HubSubscribers.Set(float64(n))
	h.logger.Info("subscriber disconnected", slog.Int("subscribers", n))
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast sends the current snapshot to every subscriber concurrently and
// returns how many received it. It returns once every send has finished,
// which is bounded by the slowest subscriber's write deadline.
func (h *Hub) Broadcast(ctx context.Context, trigger Trigger) int {
	payload, err := h.encode(ctx)
	if err != nil {
		h.logger.Error("encode snapshot", slog.String("error", err.Error()))
		return 0
	}

	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subs))
	for s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	// Each send may block for up to the transport's write deadline, so a
	// stalled subscriber only delays its own delivery.
	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, s := range targets {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			if h.send(s, payload, trigger) == nil {
				delivered.Add(1)
			}
		}(s)
	}
	wg.Wait()
	return int(delivered.Load())
}

func (h *Hub) send(s Subscriber, payload []byte, trigger Trigger) error {
	telemetry.HubBroadcasts.WithLabelValues(string(trigger)).Inc()
	if err := s.Send(payload); err != nil {
		telemetry.HubDropped.Inc()
		h.logger.Debug("send failed, dropping subscriber",
			slog.String("trigger", string(trigger)),
			slog.String("error", err.Error()),
		)
		h.Remove(s)
		return err
	}
	return nil
}

func (h *Hub) encode(ctx context.Context) ([]byte, error) {
	return json.Marshal(h.source.Snapshot(ctx))
}

// Run delivers a fresh snapshot to sub immediately and then on every tick
// of the schedule, until ctx ends, done closes or a send fails. sub is
// removed on return.
func (h *Hub) Run(ctx context.Context, sub Subscriber, done <-chan struct{}) {
	h.Add(sub)
	defer h.Remove(sub)

	for {
		payload, err := h.encode(ctx)
		if err != nil {
			h.logger.Error("encode snapshot", slog.String("error", err.Error()))
			return
		}
		if err := h.send(sub, payload, TriggerTick); err != nil {
			return
		}

		now := h.now()
		timer := time.NewTimer(h.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Close disconnects every subscriber. Their Run loops return on the
// resulting send or read failure.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subs))
	for s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.Remove(s)
	}
}
