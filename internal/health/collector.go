// Package health collects host metrics attached to agent heartbeats.
package health

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Metrics contains host metrics reported alongside a heartbeat.
type Metrics struct {
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryUsage       float64 `json:"memory_usage"`
	DiskUsage         float64 `json:"disk_usage"`
	DiskFreeBytes     int64   `json:"disk_free_bytes"`
	DiskTotalBytes    int64   `json:"disk_total_bytes"`
	NetworkUp         bool    `json:"network_up"`
	HostUptimeSeconds int64   `json:"host_uptime_seconds"`
	AgentUptimeSecs   int64   `json:"agent_uptime_seconds"`
}

// Collector collects host metrics.
type Collector struct {
	startTime time.Time
	cpuSample time.Duration
	diskPath  string
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	diskPath := "/"
	if runtime.GOOS == "windows" {
		diskPath = "C:\\"
	}
	return &Collector{
		startTime: time.Now(),
		cpuSample: 500 * time.Millisecond,
		diskPath:  diskPath,
	}
}

// Collect gathers host metrics. Individual probes that fail leave their
// fields zero; Collect itself never fails.
func (c *Collector) Collect(ctx context.Context) *Metrics {
	m := &Metrics{
		AgentUptimeSecs: int64(time.Since(c.startTime).Seconds()),
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, c.cpuSample, false)
	if err == nil && len(cpuPercent) > 0 {
		m.CPUUsage = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		m.MemoryUsage = memStat.UsedPercent
	}

	diskStat, err := disk.UsageWithContext(ctx, c.diskPath)
	if err == nil {
		m.DiskUsage = diskStat.UsedPercent
		m.DiskFreeBytes = int64(diskStat.Free)
		m.DiskTotalBytes = int64(diskStat.Total)
	}

	uptime, err := host.UptimeWithContext(ctx)
	if err == nil {
		m.HostUptimeSeconds = int64(uptime)
	}

	m.NetworkUp = hasActiveInterface(ctx)

	return m
}

// hasActiveInterface reports whether any non-loopback interface has an address.
func hasActiveInterface(ctx context.Context) bool {
	interfaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		name := strings.ToLower(iface.Name)
		if name == "lo" || strings.Contains(name, "loopback") {
			continue
		}
		if len(iface.Addrs) > 0 {
			return true
		}
	}

	return false
}

// OSInfo describes the host operating system.
type OSInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
	Version  string `json:"version,omitempty"`
}

// GetOSInfo returns operating system information.
func GetOSInfo() OSInfo {
	hostname, _ := os.Hostname()
	return OSInfo{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Hostname: hostname,
		Version:  getOSVersion(),
	}
}

// getOSVersion returns the distribution name from /etc/os-release on Linux
// and the platform string reported by gopsutil elsewhere.
func getOSVersion() string {
	if runtime.GOOS == "linux" {
		data, err := os.ReadFile("/etc/os-release")
		if err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "PRETTY_NAME=") {
					return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
				}
			}
		}
	}

	platform, _, version, err := host.PlatformInformation()
	if err == nil && platform != "" {
		return strings.TrimSpace(platform + " " + version)
	}
	return runtime.GOOS
}
