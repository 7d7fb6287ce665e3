// SPDX-License-Identifier: AGPL-3.0-only

// Package congestion implements a delay-based AIMD controller: it
// maintains a congestion window of allowed in-flight bytes, RTT
// statistics, and derives batch/chunk sizes for the chunk producer,
// emitting paused/resumed backpressure signals. The sampling loop
// follows the worker.Worker-driven ticker idiom used by client2
// connection management, and exports its state as Prometheus gauges the
// way the PKI/mix metrics are exposed elsewhere in this codebase.
package congestion

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shareswarm/engine/config"
	"github.com/shareswarm/engine/internal/worker"
)

// tickInterval is the controller's sampling period.
const tickInterval = 100 * time.Millisecond

const (
	rttRingSize      = 20
	congestionFactor = 0.7
	additiveIncrease = 64 * 1 << 10 // 64 KiB

	batchTargetFraction = 0.2
	minBatchSize        = 32
	maxBatchSize         = 128
)

// Signal is the backpressure event emitted when buffered-send amount
// crosses the high or low water mark.
type Signal int

const (
	SignalNone Signal = iota
	SignalPaused
	SignalResumed
)

// Sampler is supplied by the transport layer so the controller can read
// the current buffered-send amount and latest RTT sample each tick.
type Sampler interface {
	BufferedAmount() int
	LatestRTT() (time.Duration, bool)
}

// Controller implements the congestion-controller contract for a single
// peer connection: one Controller per transferring peer, since each peer
// paces independently.
type Controller struct {
	worker.Worker

	mu sync.Mutex

	cwnd      int
	minCwnd   int
	maxCwnd   int
	chunkMin  int
	chunkMax  int
	highWater int
	lowWater  int

	rttRing    [rttRingSize]time.Duration
	rttCount   int
	rttIdx     int
	estimated  time.Duration
	minRTT     time.Duration
	haveMinRTT bool

	paused bool

	sampler Sampler

	onSignal func(Signal)

	gCwnd prometheus.Gauge
	gRTT  prometheus.Gauge
}

// New constructs a Controller for one peer connection. label identifies
// the peer in exported metrics (e.g. the peer id).
func New(cfg config.Config, sampler Sampler, label string, onSignal func(Signal)) *Controller {
	c := &Controller{
		cwnd:      cfg.CwndInitial,
		minCwnd:   cfg.CwndMin,
		maxCwnd:   cfg.CwndMax,
		chunkMin:  cfg.ChunkSizeMin,
		chunkMax:  cfg.ChunkSizeMax,
		highWater: cfg.HighWaterMark,
		lowWater:  cfg.LowWaterMark,
		sampler:   sampler,
		onSignal:  onSignal,
		gCwnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "swarm_cwnd_bytes",
			Help:        "Current congestion window in bytes.",
			ConstLabels: prometheus.Labels{"peer": label},
		}),
		gRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "swarm_estimated_rtt_ms",
			Help:        "Estimated RTT in milliseconds.",
			ConstLabels: prometheus.Labels{"peer": label},
		}),
	}
	return c
}

// Collectors returns the Prometheus collectors this controller owns, for
// registration by the caller.
func (c *Controller) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.gCwnd, c.gRTT}
}

// Start begins the 100ms sampling loop. Must be called once.
func (c *Controller) Start() {
	c.Go(c.run)
}

func (c *Controller) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// SampleRTT feeds a fresh RTT observation into the ring buffer, updating
// the mean estimate and (if lower) the session baseline minRTT, which is
// never reset within a session.
func (c *Controller) SampleRTT(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rttRing[c.rttIdx] = d
	c.rttIdx = (c.rttIdx + 1) % rttRingSize
	if c.rttCount < rttRingSize {
		c.rttCount++
	}
	var sum time.Duration
	for i := 0; i < c.rttCount; i++ {
		sum += c.rttRing[i]
	}
	c.estimated = sum / time.Duration(c.rttCount)

	if !c.haveMinRTT || d < c.minRTT {
		c.minRTT = d
		c.haveMinRTT = true
	}
	c.gRTT.Set(float64(c.estimated.Milliseconds()))
}

func (c *Controller) tick() {
	if c.sampler == nil {
		return
	}
	if d, ok := c.sampler.LatestRTT(); ok {
		c.SampleRTT(d)
	}
	buffered := c.sampler.BufferedAmount()

	c.mu.Lock()
	minRTT := c.minRTT
	if minRTT <= 0 {
		minRTT = time.Millisecond
	}
	rttRatio := float64(c.estimated) / float64(minRTT)

	switch {
	case rttRatio > 2.0 || buffered > c.cwnd:
		c.cwnd = int(float64(c.cwnd) * congestionFactor)
		if c.cwnd < c.minCwnd {
			c.cwnd = c.minCwnd
		}
	case rttRatio < 1.2 && float64(buffered) < 0.8*float64(c.cwnd):
		c.cwnd += additiveIncrease
		if c.cwnd > c.maxCwnd {
			c.cwnd = c.maxCwnd
		}
	}
	c.gCwnd.Set(float64(c.cwnd))

	wasPaused := c.paused
	if buffered > c.highWater {
		c.paused = true
	} else if buffered < c.lowWater {
		c.paused = false
	}
	nowPaused := c.paused
	c.mu.Unlock()

	if c.onSignal != nil {
		if nowPaused && !wasPaused {
			c.onSignal(SignalPaused)
		} else if !nowPaused && wasPaused {
			c.onSignal(SignalResumed)
		}
	}
}

// Cwnd returns the current congestion window in bytes.
func (c *Controller) Cwnd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd
}

// Paused reports whether the controller currently asserts backpressure.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// ChunkSize derives the current per-packet payload size as
// cwnd/minBatchSize, bounded by [chunkMin, chunkMax]. It is recomputed
// from the current cwnd on every call; it does not move gradually toward
// a bandwidth-delay-product target.
func (c *Controller) ChunkSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.cwnd / minBatchSize
	return clamp(target, c.chunkMin, c.chunkMax)
}

// BatchSize derives the current packets-per-pull from cwnd and the
// current chunk size: batchTargetBytes = 0.2*cwnd, batchSize =
// clamp(batchTargetBytes/chunkSize, 32, 128).
func (c *Controller) BatchSize() int {
	c.mu.Lock()
	cwnd := c.cwnd
	c.mu.Unlock()

	chunkSize := c.ChunkSize()
	if chunkSize <= 0 {
		return minBatchSize
	}
	target := int(batchTargetFraction * float64(cwnd) / float64(chunkSize))
	return clamp(target, minBatchSize, maxBatchSize)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
