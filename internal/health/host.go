package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSample is one memory and disk reading.
type HostSample struct {
	RAMPercent  float64
	DiskFreeMB  uint64
	DiskPercent float64
}

// SampleHost reads memory usage and free space on the volume holding dataDir.
func SampleHost(ctx context.Context, dataDir string) (HostSample, error) {
	var s HostSample

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("read memory: %w", err)
	}
	s.RAMPercent = vmem.UsedPercent

	usage, err := disk.UsageWithContext(ctx, dataDir)
	if err != nil {
		return s, fmt.Errorf("read disk usage of %s: %w", dataDir, err)
	}
	s.DiskFreeMB = usage.Free / (1024 * 1024)
	s.DiskPercent = usage.UsedPercent
	return s, nil
}

// Classify maps a host sample to a status. Less than a quarter of
// minFreeDiskMB is unhealthy.
func Classify(s HostSample, minFreeDiskMB uint64) (Status, string) {
	msg := fmt.Sprintf("ram %.0f%%, disk free %d MB", s.RAMPercent, s.DiskFreeMB)
	switch {
	case s.DiskFreeMB < minFreeDiskMB/4:
		return Unhealthy, msg
	case s.DiskFreeMB < minFreeDiskMB, s.RAMPercent >= 95:
		return Degraded, msg
	}
	return Healthy, msg
}

// ProbeHost samples the host every interval and records the result under
// ComponentHost until ctx is done.
func (m *Monitor) ProbeHost(ctx context.Context, dataDir string, minFreeDiskMB int, interval time.Duration) {
	probe := func() {
		sample, err := SampleHost(ctx, dataDir)
		if err != nil {
			m.Update(ComponentHost, Unknown, err.Error())
			return
		}
		status, msg := Classify(sample, uint64(max(minFreeDiskMB, 0)))
		m.Update(ComponentHost, status, msg)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
