package domain

import (
	"encoding/json"
	"time"
)

// MachineStats is the canonical, unit-consistent snapshot of one machine.
// Gauges left unset are zero. Extra carries fields a collector reported
// that have no canonical slot.
type MachineStats struct {
	MachineID     Role      `json:"machine_id"`
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os"`
	IPAddress     string    `json:"ip_address"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryTotalGB float64   `json:"memory_total_gb"`
	MemoryUsedGB  float64   `json:"memory_used_gb"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskTotalGB   float64   `json:"disk_total_gb"`
	DiskUsedGB    float64   `json:"disk_used_gb"`
	DiskPercent   float64   `json:"disk_percent"`
	NetworkSentMB float64   `json:"network_sent_mb"`
	NetworkRecvMB float64   `json:"network_recv_mb"`
	UptimeHours   float64   `json:"uptime_hours"`
	Timestamp     time.Time `json:"timestamp"`

	Extra map[string]any `json:"-"`
}

// machineStatsFields prevents MarshalJSON from recursing.
type machineStatsFields MachineStats

// MarshalJSON flattens Extra next to the canonical fields. Canonical fields
// win on key collisions.
func (m MachineStats) MarshalJSON() ([]byte, error) {
	canonical, err := json.Marshal(machineStatsFields(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return canonical, nil
	}

	merged := make(map[string]any, len(m.Extra)+16)
	for k, v := range m.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Clone returns a copy that shares nothing mutable with m.
func (m *MachineStats) Clone() *MachineStats {
	c := *m
	if m.Extra != nil {
		c.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Snapshot is the combined view of every role's latest stats. Roles that
// have never reported map to nil.
type Snapshot map[Role]*MachineStats
