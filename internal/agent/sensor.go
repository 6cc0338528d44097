package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/store"
)

// Sensor collects host metrics every cycle, broadcasts the snapshot, and
// raises alerts for threshold breaches. Collection is tolerant: a probe that
// fails leaves its field zero rather than failing the cycle, but a cycle
// where the primary CPU probe fails counts as an error.
type Sensor struct {
	*Base
	thresholds config.Thresholds
	diskPaths  []string
	store      *store.Store
}

// NewSensor builds a sensor agent. st may be nil to disable persistence.
func NewSensor(cfg *config.Config, b *bus.Bus, st *store.Store) (*Sensor, error) {
	base, err := NewBase("sensor", cfg, b)
	if err != nil {
		return nil, err
	}
	s := &Sensor{
		Base:       base,
		thresholds: cfg.Thresholds,
		diskPaths:  cfg.DiskPaths,
		store:      st,
	}
	s.SetCheck(s.collect)
	return s, nil
}

func (s *Sensor) collect(ctx context.Context) error {
	snap := bus.MetricSnapshot{Timestamp: time.Now()}

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("cpu probe: %w", err)
	}
	if len(cpuPercent) > 0 {
		snap.CPUPercent = cpuPercent[0]
	}

	if info, err := host.InfoWithContext(ctx); err == nil && info != nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.UptimeSec = info.Uptime
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemPercent = vm.UsedPercent
		snap.MemUsed = vm.Used
		snap.MemTotal = vm.Total
	}

	snap.DiskPercent = make(map[string]float64, len(s.diskPaths))
	for _, path := range s.diskPaths {
		if usage, err := disk.UsageWithContext(ctx, path); err == nil && usage != nil {
			snap.DiskPercent[path] = usage.UsedPercent
		}
	}

	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		snap.NetBytesIn = counters[0].BytesRecv
		snap.NetBytesOut = counters[0].BytesSent
	}
	if pids, err := process.PidsWithContext(ctx); err == nil {
		snap.ProcCount = len(pids)
	}

	s.Bus().Broadcast(ctx, s.Name(), bus.TypeMetricData, bus.PriorityNormal, snap,
		bus.WithTTL(5*time.Minute))
	s.raiseThresholdAlerts(ctx, snap)

	if s.store != nil {
		if err := s.store.RecordEntry(ctx, snap.Timestamp, s.Name(), store.CategoryMetrics, snap); err != nil {
			s.AddIssue("metrics persistence failed: "+err.Error(), "warning")
		}
	}
	return nil
}

// raiseThresholdAlerts compares the snapshot against the configured red
// lines. Critical breaches publish at critical priority, warnings at high.
func (s *Sensor) raiseThresholdAlerts(ctx context.Context, snap bus.MetricSnapshot) {
	s.checkLimit(ctx, "cpu_percent", snap.CPUPercent, s.thresholds.CPUWarning, s.thresholds.CPUCritical)
	s.checkLimit(ctx, "mem_percent", snap.MemPercent, s.thresholds.MemWarning, s.thresholds.MemCritical)
	for path, pct := range snap.DiskPercent {
		s.checkLimit(ctx, "disk_percent:"+path, pct, s.thresholds.DiskWarning, s.thresholds.DiskCritical)
	}
}

func (s *Sensor) checkLimit(ctx context.Context, metric string, value, warn, crit float64) {
	var severity string
	var limit float64
	switch {
	case crit > 0 && value >= crit:
		severity, limit = "critical", crit
	case warn > 0 && value >= warn:
		severity, limit = "warning", warn
	default:
		return
	}

	priority := bus.PriorityHigh
	if severity == "critical" {
		priority = bus.PriorityCritical
	}
	s.Bus().Broadcast(ctx, s.Name(), bus.TypeAlert, priority, bus.AlertPayload{
		Source:   s.Name(),
		Metric:   metric,
		Value:    value,
		Limit:    limit,
		Severity: severity,
		Detail:   fmt.Sprintf("%s at %.1f exceeds %s limit %.1f", metric, value, severity, limit),
	})
	s.AddIssue(fmt.Sprintf("%s at %.1f (limit %.1f)", metric, value, limit), severity)
}
