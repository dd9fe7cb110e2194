// Package hostmetrics samples the machine the service runs on.
package hostmetrics

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/ramiqadoumi/crosslink/internal/domain"
)

// Config selects what the sampler measures.
type Config struct {
	// DiskPath is the mount whose usage is reported. Defaults to "/".
	DiskPath string
	// CPUInterval is how long CPU usage is measured over. Defaults to 100ms.
	CPUInterval time.Duration
}

// Sampler reads CPU, memory, disk, network and uptime through gopsutil.
type Sampler struct {
	cfg Config
}

func NewSampler(cfg Config) *Sampler {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.CPUInterval <= 0 {
		cfg.CPUInterval = 100 * time.Millisecond
	}
	return &Sampler{cfg: cfg}
}

// readings are the raw counters one sample is built from.
type readings struct {
	hostname      string
	os            string
	cpuPercent    float64
	memTotal      uint64
	memUsed       uint64
	memPercent    float64
	diskTotal     uint64
	diskUsed      uint64
	diskPercent   float64
	netSent       uint64
	netRecv       uint64
	uptimeSeconds uint64
}

// Sample takes one reading. Machine identity beyond hostname and OS is
// left to the caller.
func (s *Sampler) Sample(ctx context.Context) (*domain.MachineStats, error) {
	var r readings

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	r.hostname = info.Hostname
	r.os = describeOS(info)
	r.uptimeSeconds = info.Uptime

	percents, err := cpu.PercentWithContext(ctx, s.cfg.CPUInterval, false)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	if len(percents) > 0 {
		r.cpuPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	r.memTotal, r.memUsed, r.memPercent = vm.Total, vm.Used, vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, s.cfg.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("disk usage %s: %w", s.cfg.DiskPath, err)
	}
	r.diskTotal, r.diskUsed, r.diskPercent = du.Total, du.Used, du.UsedPercent

	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("network counters: %w", err)
	}
	if len(counters) > 0 {
		r.netSent, r.netRecv = counters[0].BytesSent, counters[0].BytesRecv
	}

	return r.stats(time.Now().UTC()), nil
}

func (r readings) stats(at time.Time) *domain.MachineStats {
	return &domain.MachineStats{
		Hostname:      r.hostname,
		OS:            r.os,
		CPUPercent:    round2(r.cpuPercent),
		MemoryTotalGB: toGB(r.memTotal),
		MemoryUsedGB:  toGB(r.memUsed),
		MemoryPercent: round2(r.memPercent),
		DiskTotalGB:   toGB(r.diskTotal),
		DiskUsedGB:    toGB(r.diskUsed),
		DiskPercent:   round2(r.diskPercent),
		NetworkSentMB: toMB(r.netSent),
		NetworkRecvMB: toMB(r.netRecv),
		UptimeHours:   round2(float64(r.uptimeSeconds) / 3600),
		Timestamp:     at,
	}
}

func describeOS(info *host.InfoStat) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{info.Platform, info.PlatformVersion} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return info.OS
	}
	return strings.Join(parts, " ")
}

func toGB(b uint64) float64 { return round2(float64(b) / (1 << 30)) }
func toMB(b uint64) float64 { return round2(float64(b) / (1 << 20)) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
