// Copyright 2025 James Ross
package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSampler struct{ memPct, cpuPct float64 }

func (f fakeSampler) sample() (float64, float64, error) { return f.memPct, f.cpuPct, nil }

func TestBatchSizerRelaxesTowardCeilingUnderLowPressure(t *testing.T) {
	b := newBatchSizer(50, 200, 80, 80)
	b.sampler = fakeSampler{memPct: 10, cpuPct: 10}

	last := b.current
	for i := 0; i < 20; i++ {
		n := b.next()
		assert.GreaterOrEqual(t, n, last)
		last = n
	}
	assert.Equal(t, 200, last)
}

func TestBatchSizerClampsTowardFloorUnderHighPressure(t *testing.T) {
	b := newBatchSizer(50, 200, 80, 80)
	b.current = 200
	b.sampler = fakeSampler{memPct: 95, cpuPct: 10}

	for i := 0; i < 20; i++ {
		b.next()
	}
	assert.Equal(t, 50, b.current)
}

func TestBatchSizerNeverExceedsBounds(t *testing.T) {
	b := newBatchSizer(50, 200, 80, 80)
	for i := 0; i < 50; i++ {
		n := b.next()
		assert.GreaterOrEqual(t, n, 50)
		assert.LessOrEqual(t, n, 200)
	}
}
