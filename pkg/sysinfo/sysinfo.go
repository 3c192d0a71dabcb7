package sysinfo

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Prober reports host-wide resource availability. The scheduler's
// admission gate and the monitor's percentage math both consume it;
// tests substitute a fake.
type Prober interface {
	// FreeCPUPercent returns 100 minus the system-wide CPU
	// utilization sampled since the previous call.
	FreeCPUPercent() (float64, error)
	// AvailableMemMiB returns OS-reported available memory in MiB.
	AvailableMemMiB() (float64, error)
	// TotalMemMiB returns total physical memory in MiB.
	TotalMemMiB() (float64, error)
	// Cores returns the logical CPU count.
	Cores() (int, error)
}

// HostProber probes the local machine.
type HostProber struct{}

func NewHostProber() *HostProber {
	return &HostProber{}
}

func (p *HostProber) FreeCPUPercent() (float64, error) {
	// Interval 0 compares against the counters read last time, the
	// same sampling model the rest of the node assumes.
	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return 0, fmt.Errorf("failed to sample cpu utilization: %w", err)
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("no cpu utilization sample available")
	}
	return 100 - pcts[0], nil
}

func (p *HostProber) AvailableMemMiB() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read memory stats: %w", err)
	}
	return float64(vm.Available) / 1024 / 1024, nil
}

func (p *HostProber) TotalMemMiB() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read memory stats: %w", err)
	}
	return float64(vm.Total) / 1024 / 1024, nil
}

func (p *HostProber) Cores() (int, error) {
	n, err := cpu.Counts(true)
	if err != nil {
		return 0, fmt.Errorf("failed to count cpus: %w", err)
	}
	return n, nil
}
