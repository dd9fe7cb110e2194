package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/pkg/telemetry"
)

// Sampler reads the current figures of the machine the service runs on.
type Sampler interface {
	Sample(ctx context.Context) (*domain.MachineStats, error)
}

// Collector owns the stats store. The local role is sampled on demand;
// every other role is pushed by its own collector.
type Collector struct {
	store   *Store
	sampler Sampler
	local   Identity
	remotes map[domain.Role]Identity
	logger  *slog.Logger
	now     func() time.Time
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

func WithCollectorLogger(l *slog.Logger) CollectorOption {
	return func(c *Collector) { c.logger = l }
}

func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// NewCollector returns a collector for local plus the remote identities.
func NewCollector(store *Store, sampler Sampler, local Identity, remotes []Identity, opts ...CollectorOption) *Collector {
	c := &Collector{
		store:   store,
		sampler: sampler,
		local:   local,
		remotes: make(map[domain.Role]Identity, len(remotes)),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, id := range remotes {
		c.remotes[id.Role] = id
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Collector) LocalRole() domain.Role { return c.local.Role }

// IsRemote reports whether role is ingested by push.
func (c *Collector) IsRemote(role domain.Role) bool {
	_, ok := c.remotes[role]
	return ok
}

// RefreshLocal samples the host and stores the result. When sampling fails
// the previous record is kept and returned; the error is returned only if
// there is no record at all.
func (c *Collector) RefreshLocal(ctx context.Context) (*domain.MachineStats, error) {
	rec, err := c.sampler.Sample(ctx)
	if err != nil {
		telemetry.LocalSampleFailures.Inc()
		c.logger.Warn("local stats sample failed", slog.String("error", err.Error()))
		if prev, ok := c.store.Get(c.local.Role); ok {
			return prev, nil
		}
		return nil, fmt.Errorf("sample %s: %w", c.local.Role, err)
	}

	rec.MachineID = c.local.Role
	if c.local.IPAddress != "" {
		rec.IPAddress = c.local.IPAddress
	}
	if rec.Hostname == "" {
		rec.Hostname = c.local.Hostname
	}
	if rec.OS == "" {
		rec.OS = c.local.OS
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now().UTC()
	}
	c.store.Put(c.local.Role, rec)
	return rec, nil
}

// Snapshot refreshes the local record and returns every role's latest.
func (c *Collector) Snapshot(ctx context.Context) domain.Snapshot {
	// A failed sample is already logged and leaves the store as it was.
	_, _ = c.RefreshLocal(ctx)
	return c.store.GetAll()
}

// Stored returns the latest record for role without sampling.
func (c *Collector) Stored(role domain.Role) (*domain.MachineStats, bool) {
	return c.store.Get(role)
}

// Has reports whether role has a record.
func (c *Collector) Has(role domain.Role) bool { return c.store.Has(role) }

// Ingest normalizes a pushed payload for a remote role and stores it,
// replacing that role's previous record.
func (c *Collector) Ingest(role domain.Role, payload map[string]any) (*domain.MachineStats, error) {
	id, ok := c.remotes[role]
	if !ok {
		reason := fmt.Sprintf("role %q is not a remote machine", role)
		if role == c.local.Role {
			reason = fmt.Sprintf("role %q is sampled locally and cannot be pushed", role)
		}
		return nil, &domain.ValidationError{Field: "machine", Reason: reason}
	}
	rec := Normalize(payload, id, c.now())
	c.store.Put(role, rec)
	telemetry.StatsIngested.WithLabelValues(string(role)).Inc()
	c.logger.Debug("remote stats ingested",
		slog.String("machine", string(role)),
		slog.String("hostname", rec.Hostname),
	)
	return rec, nil
}
