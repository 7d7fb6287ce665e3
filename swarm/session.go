// SPDX-License-Identifier: AGPL-3.0-only

package swarm

import (
	"sync"
	"time"
)

// idleAckTimeout is how long a chunk may stay in flight with no ACK
// before the peer's idle monitor drops the peer with a Timeout error.
const idleAckTimeout = 30 * time.Second

// inFlightChunk records when a chunk was sent and its size, for
// idle-timeout detection and accurate in-flight-byte accounting on ack.
type inFlightChunk struct {
	sentAt time.Time
	size   int
}

// peerSession is the ephemeral per-peer session state: inFlightBytes,
// inFlightChunks (sequence -> send time), lastAckSequence, highWaterSent,
// lastRttSample. It exclusively owns the in-flight table for its peer.
type peerSession struct {
	mu sync.Mutex

	inFlightBytes   int64
	inFlightChunks  map[uint32]inFlightChunk
	lastAckSequence uint32
	highWaterSent   int64
	lastRTT         time.Duration
	haveRTT         bool
}

func newPeerSession() *peerSession {
	return &peerSession{inFlightChunks: make(map[uint32]inFlightChunk)}
}

// onSent records a freshly transmitted chunk.
func (s *peerSession) onSent(seq uint32, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlightChunks[seq] = inFlightChunk{sentAt: time.Now(), size: n}
	s.inFlightBytes += int64(n)
	sent := s.highWaterSent + int64(n)
	if sent > s.highWaterSent {
		s.highWaterSent = sent
	}
}

// onAck retires a chunk from the in-flight table and samples its RTT.
func (s *peerSession) onAck(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.inFlightChunks[seq]; ok {
		s.lastRTT = time.Since(c.sentAt)
		s.haveRTT = true
		delete(s.inFlightChunks, seq)
		s.inFlightBytes -= int64(c.size)
		if s.inFlightBytes < 0 {
			s.inFlightBytes = 0
		}
	}
	if seq > s.lastAckSequence {
		s.lastAckSequence = seq
	}
}

// BufferedAmount implements congestion.Sampler: the bytes currently
// in-flight (sent, not yet acked) stand in for the transport's buffered
// send amount, since this peer's own session state is the cheapest
// available signal without reaching into the QUIC stack's internals.
func (s *peerSession) BufferedAmount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.inFlightBytes)
}

// LatestRTT implements congestion.Sampler.
func (s *peerSession) LatestRTT() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRTT, s.haveRTT
}

// abandonAll clears every in-flight chunk without counting them as
// acknowledged, used when a peer disconnects mid-batch.
func (s *peerSession) abandonAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlightChunks = make(map[uint32]inFlightChunk)
	s.inFlightBytes = 0
}

// staleSince returns sequence numbers still in flight whose send time is
// at least timeout old; the idle monitor treats any such chunk as a
// stalled peer.
func (s *peerSession) staleSince(now time.Time, timeout time.Duration) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for seq, c := range s.inFlightChunks {
		if now.Sub(c.sentAt) >= timeout {
			out = append(out, seq)
		}
	}
	return out
}
