// SPDX-License-Identifier: AGPL-3.0-only
package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerSessionOnSentOnAckTracksInFlight(t *testing.T) {
	s := newPeerSession()
	s.onSent(1, 100)
	s.onSent(2, 50)
	require.Equal(t, 150, s.BufferedAmount())

	_, ok := s.LatestRTT()
	require.False(t, ok)

	time.Sleep(time.Millisecond)
	s.onAck(1)
	require.Equal(t, 50, s.BufferedAmount())

	rtt, ok := s.LatestRTT()
	require.True(t, ok)
	require.Greater(t, rtt, time.Duration(0))

	s.onAck(2)
	require.Equal(t, 0, s.BufferedAmount())
}

func TestPeerSessionOnAckIgnoresUnknownSequence(t *testing.T) {
	s := newPeerSession()
	s.onSent(1, 10)
	s.onAck(99) // never sent: must not panic or go negative
	require.Equal(t, 10, s.BufferedAmount())
}

func TestPeerSessionAbandonAllClearsInFlight(t *testing.T) {
	s := newPeerSession()
	s.onSent(1, 10)
	s.onSent(2, 20)
	s.abandonAll()
	require.Equal(t, 0, s.BufferedAmount())
	require.Empty(t, s.staleSince(time.Now().Add(time.Hour), time.Millisecond))
}

func TestPeerSessionStaleSinceFindsOldChunks(t *testing.T) {
	s := newPeerSession()
	s.onSent(1, 10)
	stale := s.staleSince(time.Now().Add(time.Minute), 10*time.Millisecond)
	require.Equal(t, []uint32{1}, stale)

	fresh := s.staleSince(time.Now(), time.Hour)
	require.Empty(t, fresh)
}

func TestPeerSessionHighWaterSentIsCumulative(t *testing.T) {
	s := newPeerSession()
	s.onSent(1, 100)
	s.onAck(1)
	s.onSent(2, 10)
	require.Equal(t, int64(110), s.highWaterSent)
}
