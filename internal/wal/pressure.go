// Copyright 2025 James Ross
package wal

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// pressureSampler reports current memory and CPU utilization as
// percentages. Implemented by gopsutil in production and faked in tests.
type pressureSampler interface {
	sample() (memPct, cpuPct float64, err error)
}

type gopsutilSampler struct{}

func (gopsutilSampler) sample() (float64, float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	pct, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}
	return vm.UsedPercent, cpuPct, nil
}

// batchSizer implements spec §5's adaptive resource control: batch size
// clamps toward the floor when either memory or CPU exceeds its
// threshold, and relaxes toward the ceiling otherwise.
type batchSizer struct {
	sampler               pressureSampler
	floor, ceiling        int
	memThreshold, cpuThreshold float64
	current               int
}

func newBatchSizer(floor, ceiling int, memThreshold, cpuThreshold float64) *batchSizer {
	return &batchSizer{
		sampler:      gopsutilSampler{},
		floor:        floor,
		ceiling:      ceiling,
		memThreshold: memThreshold,
		cpuThreshold: cpuThreshold,
		current:      floor,
	}
}

// next samples current pressure and returns the batch size to use for
// the upcoming sync pass, stepping halfway toward the target bound each
// call so a single noisy sample doesn't cause a hard swing.
func (b *batchSizer) next() int {
	memPct, cpuPct, err := b.sampler.sample()
	if err != nil {
		return b.floor
	}

	target := b.ceiling
	if memPct >= b.memThreshold || cpuPct >= b.cpuThreshold {
		target = b.floor
	}

	if b.current == 0 {
		b.current = b.floor
	}
	b.current += stepToward(target, b.current)
	if b.current < b.floor {
		b.current = b.floor
	}
	if b.current > b.ceiling {
		b.current = b.ceiling
	}
	if b.current == 0 {
		b.current = b.floor
	}
	return b.current
}

// stepToward returns half the distance from current to target, rounded
// away from zero so repeated calls actually reach target instead of
// stalling one unit short of it.
func stepToward(target, current int) int {
	diff := target - current
	if diff > 0 {
		return (diff + 1) / 2
	}
	return -((-diff + 1) / 2)
}
