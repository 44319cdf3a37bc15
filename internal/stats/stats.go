// Package stats samples host resource usage for the dispatcher's periodic
// stats log line: a daemon meant to run unattended for weeks benefits from
// basic host-resource visibility there. Backed by
// github.com/shirou/gopsutil/v3.
package stats

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler takes one-shot host resource samples. The zero value is ready to
// use.
type Sampler struct{}

// NewSampler returns a Sampler.
func NewSampler() *Sampler {
	return &Sampler{}
}

// Sample reports a formatted cpu/mem/load snapshot, suitable for appending
// to a single log line. It returns an error only if every underlying
// gopsutil call failed; partial failures degrade gracefully to "?".
func (s *Sampler) Sample() (string, error) {
	cpuStr := "?"
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuStr = fmt.Sprintf("%.1f%%", percents[0])
	}

	memStr := "?"
	if vm, err := mem.VirtualMemory(); err == nil {
		memStr = fmt.Sprintf("%.1f%%", vm.UsedPercent)
	}

	loadStr := "?"
	if avg, err := load.Avg(); err == nil {
		loadStr = fmt.Sprintf("%.2f", avg.Load1)
	}

	if cpuStr == "?" && memStr == "?" && loadStr == "?" {
		return "", fmt.Errorf("stats: all host samplers failed")
	}
	return fmt.Sprintf("cpu=%s mem=%s load1=%s", cpuStr, memStr, loadStr), nil
}
