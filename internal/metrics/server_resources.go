package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	serverCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgdesk",
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage of the postmaster process.",
		},
	)
	serverMemoryMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgdesk",
			Subsystem: "server",
			Name:      "memory_mb",
			Help:      "Resident memory of the postmaster process in MB.",
		},
	)
)

// ServerResources is a point-in-time sample of the postmaster process.
type ServerResources struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleServer reads resource usage of pid and updates the gauges when registered.
func SampleServer(ctx context.Context, pid int) (ServerResources, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ServerResources{}, err
	}
	out := ServerResources{PID: p.Pid, Timestamp: time.Now()}
	if name, err := p.NameWithContext(ctx); err == nil {
		out.Name = name
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		out.MemoryMB = float64(mem.RSS) / 1024 / 1024
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		out.NumThreads = n
	}
	if regOK.Load() {
		serverCPUPercent.Set(out.CPUPercent)
		serverMemoryMB.Set(out.MemoryMB)
	}
	return out, nil
}
