// SPDX-License-Identifier: AGPL-3.0-only
package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shareswarm/engine/config"
)

type fakeSampler struct {
	rtt      time.Duration
	buffered int
}

func (f *fakeSampler) BufferedAmount() int { return f.buffered }
func (f *fakeSampler) LatestRTT() (time.Duration, bool) {
	return f.rtt, true
}

func TestCongestionRespondsToRTTInflation(t *testing.T) {
	cfg := config.Default()
	sampler := &fakeSampler{rtt: 50 * time.Millisecond}
	c := New(cfg, sampler, "peer-1", nil)

	// establish the minRTT baseline with a couple of quiet samples.
	c.tick()
	c.tick()
	before := c.Cwnd()

	// RTT rises to 150ms: expect cwnd to drop to <= 0.7x its pre-spike
	// value within a couple of controller ticks.
	sampler.rtt = 150 * time.Millisecond
	dropped := false
	for i := 0; i < 3 && !dropped; i++ {
		c.tick()
		if c.Cwnd() <= int(float64(before)*0.7)+1 {
			dropped = true
		}
	}
	require.True(t, dropped, "cwnd did not fall to <= 0.7x previous after RTT inflation")

	// once RTT falls back under 1.2x baseline and the ring has fully
	// flushed the inflated samples, cwnd grows by 64KiB per tick.
	sampler.rtt = 55 * time.Millisecond
	for i := 0; i < rttRingSize; i++ {
		c.tick()
	}
	afterDrop := c.Cwnd()
	c.tick()
	require.Equal(t, afterDrop+additiveIncrease, c.Cwnd())
}

func TestCwndNeverExceedsBounds(t *testing.T) {
	cfg := config.Default()
	sampler := &fakeSampler{rtt: 10 * time.Millisecond}
	c := New(cfg, sampler, "peer-2", nil)
	for i := 0; i < 10000; i++ {
		c.tick()
	}
	require.LessOrEqual(t, c.Cwnd(), cfg.CwndMax)
	require.GreaterOrEqual(t, c.Cwnd(), cfg.CwndMin)
}

func TestPausedResumedSignals(t *testing.T) {
	cfg := config.Default()
	sampler := &fakeSampler{rtt: 10 * time.Millisecond, buffered: 0}
	var signals []Signal
	c := New(cfg, sampler, "peer-3", func(s Signal) { signals = append(signals, s) })

	sampler.buffered = cfg.HighWaterMark + 1
	c.tick()
	require.True(t, c.Paused())

	sampler.buffered = cfg.LowWaterMark - 1
	c.tick()
	require.False(t, c.Paused())

	require.Contains(t, signals, SignalPaused)
	require.Contains(t, signals, SignalResumed)
}

func TestBatchAndChunkSizeBounds(t *testing.T) {
	cfg := config.Default()
	sampler := &fakeSampler{rtt: 10 * time.Millisecond}
	c := New(cfg, sampler, "peer-4", nil)

	cs := c.ChunkSize()
	require.GreaterOrEqual(t, cs, cfg.ChunkSizeMin)
	require.LessOrEqual(t, cs, cfg.ChunkSizeMax)

	bs := c.BatchSize()
	require.GreaterOrEqual(t, bs, minBatchSize)
	require.LessOrEqual(t, bs, maxBatchSize)
}
