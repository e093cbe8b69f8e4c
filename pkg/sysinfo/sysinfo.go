package sysinfo

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// Snapshot describes the machine a suite ran on. Recorded once per suite
// so timing results can be compared across hosts.
type Snapshot struct {
	Hostname      string    `json:"hostname,omitempty"`
	OS            string    `json:"os,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	KernelVersion string    `json:"kernel_version,omitempty"`
	CPUModel      string    `json:"cpu_model,omitempty"`
	CPUCores      int       `json:"cpu_cores,omitempty"`
	MemoryTotal   uint64    `json:"memory_total_bytes,omitempty"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collect gathers a best-effort host snapshot. Individual probe failures
// are logged and leave their fields empty; collection never fails.
func Collect(ctx context.Context, log logrus.FieldLogger) *Snapshot {
	log = log.WithField("component", "sysinfo")

	snap := &Snapshot{CollectedAt: time.Now()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.OS = info.OS
		snap.Platform = info.Platform
		snap.KernelVersion = info.KernelVersion
	} else {
		log.WithError(err).Debug("Host probe failed")
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPUModel = infos[0].ModelName
	} else if err != nil {
		log.WithError(err).Debug("CPU probe failed")
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = counts
	} else {
		log.WithError(err).Debug("CPU count probe failed")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryTotal = vm.Total
	} else {
		log.WithError(err).Debug("Memory probe failed")
	}

	return snap
}
