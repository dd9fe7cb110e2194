// Package stats turns collector self-reports into canonical MachineStats
// and keeps the latest record per machine role.
package stats

import (
	"math"
	"time"

	"github.com/spf13/cast"

	"github.com/ramiqadoumi/crosslink/internal/domain"
)

const (
	bytesPerGB = 1024 * 1024 * 1024
	bytesPerMB = 1024 * 1024
	secPerHour = 3600
)

// Identity is what configuration, not the payload, says about a machine.
type Identity struct {
	Role      domain.Role
	Hostname  string // used when the payload has none
	OS        string
	IPAddress string
}

// knownKeys are consumed by Normalize; anything else lands in Extra.
var knownKeys = map[string]struct{}{
	"machine_id": {}, "hostname": {}, "os": {}, "ip_address": {}, "timestamp": {},
	"cpu": {}, "memory": {}, "disk": {}, "network": {}, "uptime": {},
	"cpu_percent": {}, "memory_total_gb": {}, "memory_used_gb": {}, "memory_percent": {},
	"disk_total_gb": {}, "disk_used_gb": {}, "disk_percent": {},
	"network_sent_mb": {}, "network_recv_mb": {}, "uptime_hours": {},
}

// Normalize maps payload into a canonical record. Each metric family is
// read from its nested object when present (converting bytes and seconds),
// otherwise from the flat field of the same meaning, otherwise zero. It
// never fails: malformed values degrade to zero.
func Normalize(payload map[string]any, id Identity, now time.Time) *domain.MachineStats {
	rec := &domain.MachineStats{
		MachineID: id.Role,
		Hostname:  id.Hostname,
		OS:        id.OS,
		IPAddress: id.IPAddress,
		Timestamp: now.UTC(),
	}
	if h, err := cast.ToStringE(payload["hostname"]); err == nil && h != "" {
		rec.Hostname = h
	}
	if t, ok := timestamp(payload["timestamp"]); ok {
		rec.Timestamp = t
	}

	if cpu, ok := family(payload, "cpu"); ok {
		rec.CPUPercent = number(cpu["usage"])
	} else {
		rec.CPUPercent = number(payload["cpu_percent"])
	}

	if mem, ok := family(payload, "memory"); ok {
		rec.MemoryTotalGB = round2(number(mem["total"]) / bytesPerGB)
		rec.MemoryUsedGB = round2(number(mem["used"]) / bytesPerGB)
		rec.MemoryPercent = number(mem["usage"])
	} else {
		rec.MemoryTotalGB = number(payload["memory_total_gb"])
		rec.MemoryUsedGB = number(payload["memory_used_gb"])
		rec.MemoryPercent = number(payload["memory_percent"])
	}

	if disk, ok := family(payload, "disk"); ok {
		rec.DiskTotalGB = round2(number(disk["total"]) / bytesPerGB)
		rec.DiskUsedGB = round2(number(disk["used"]) / bytesPerGB)
		rec.DiskPercent = number(disk["usage"])
	} else {
		rec.DiskTotalGB = number(payload["disk_total_gb"])
		rec.DiskUsedGB = number(payload["disk_used_gb"])
		rec.DiskPercent = number(payload["disk_percent"])
	}

	if net, ok := family(payload, "network"); ok {
		rec.NetworkSentMB = round2(number(net["sent"]) / bytesPerMB)
		rec.NetworkRecvMB = round2(number(net["received"]) / bytesPerMB)
	} else {
		rec.NetworkSentMB = number(payload["network_sent_mb"])
		rec.NetworkRecvMB = number(payload["network_recv_mb"])
	}

	if up, ok := family(payload, "uptime"); ok {
		rec.UptimeHours = round2(number(up["seconds"]) / secPerHour)
	} else {
		rec.UptimeHours = number(payload["uptime_hours"])
	}

	for k, v := range payload {
		if _, known := knownKeys[k]; known {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]any)
		}
		rec.Extra[k] = v
	}
	return rec
}

// epochMillisAbove separates Unix seconds from Unix milliseconds; 1e11
// seconds is past the year 5000.
const epochMillisAbove = 1e11

// timestamp reads a collector's timestamp as text or as a Unix epoch in
// seconds or milliseconds. Only times that encode as RFC 3339 in UTC are
// accepted.
func timestamp(v any) (time.Time, bool) {
	var t time.Time
	switch v := v.(type) {
	case nil, bool:
		return time.Time{}, false
	case string, time.Time:
		parsed, err := cast.ToTimeE(v)
		if err != nil {
			return time.Time{}, false
		}
		t = parsed
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64/2 {
			return time.Time{}, false
		}
		n, err := cast.ToInt64E(f)
		if err != nil {
			return time.Time{}, false
		}
		if n > epochMillisAbove || n < -epochMillisAbove {
			t = time.UnixMilli(n)
		} else {
			t = time.Unix(n, 0)
		}
	}
	if t.IsZero() {
		return time.Time{}, false
	}
	t = t.UTC()
	if y := t.Year(); y < 0 || y > 9999 {
		return time.Time{}, false
	}
	return t, true
}

func family(payload map[string]any, name string) (map[string]any, bool) {
	m, ok := payload[name].(map[string]any)
	return m, ok
}

// number coerces v leniently. Anything unusable, including NaN and
// infinities, is zero.
func number(v any) float64 {
	if v == nil {
		return 0
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
