// SPDX-License-Identifier: AGPL-3.0-only
package scheduler

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitfieldBasics(t *testing.T) {
	bf := NewBitfield(10)
	require.False(t, bf.Has(3))
	bf.Set(3)
	require.True(t, bf.Has(3))
	require.Equal(t, 1, bf.PopCount())
	bf.Clear(3)
	require.False(t, bf.Has(3))
	require.False(t, bf.Complete())
	for i := 0; i < 10; i++ {
		bf.Set(i)
	}
	require.True(t, bf.Complete())
	require.Equal(t, 1.0, bf.Fraction())
}

func TestRandomFirstRequestsOnlyFirstPieces(t *testing.T) {
	s := New(20, 8, nil, 1)
	s.AddPeer("p1")
	for i := 0; i < 20; i++ {
		s.SetPeerHasPiece("p1", i)
	}
	require.Equal(t, Bootstrapping, s.Mode())

	reqs := s.NextRequests("p1", 100)
	require.NotEmpty(t, reqs)
	require.LessOrEqual(t, len(reqs), 8) // bounded by maxPendingPerPeer

	// Completing fewer than 4 pieces keeps us in bootstrapping mode.
	for i, r := range reqs {
		if i >= 3 {
			break
		}
		require.NoError(t, s.CompletePiece(r.PieceIndex, []byte("data"), "p1"))
	}
	require.Equal(t, Bootstrapping, s.Mode())
}

func TestRarestFirstPrefersLeastReplicatedPiece(t *testing.T) {
	s := New(10, 8, nil, 2)
	s.AddPeer("p1")
	s.AddPeer("p2")

	// Bootstrap past the random-first threshold.
	for i := 0; i < 4; i++ {
		s.SetPeerHasPiece("p1", i)
		require.NoError(t, s.CompletePiece(i, []byte("x"), "p1"))
	}
	require.NotEqual(t, Bootstrapping, s.Mode())

	// Piece 5 is owned by both peers; piece 6 only by p2: piece 6 is rarer.
	s.SetPeerHasPiece("p1", 5)
	s.SetPeerHasPiece("p2", 5)
	s.SetPeerHasPiece("p2", 6)

	reqs := s.NextRequests("p2", 1)
	require.Len(t, reqs, 1)
	require.Equal(t, 6, reqs[0].PieceIndex)
}

func TestEndgameDuplicatesRequests(t *testing.T) {
	const numPieces = 20
	s := New(numPieces, numPieces, nil, 3)
	s.AddPeer("p1")
	s.AddPeer("p2")
	for i := 0; i < numPieces; i++ {
		s.SetPeerHasPiece("p1", i)
		s.SetPeerHasPiece("p2", i)
	}
	// Complete all but the last piece (19/20 = 95%) to reach endgame.
	for i := 0; i < numPieces-1; i++ {
		require.NoError(t, s.CompletePiece(i, []byte("x"), "p1"))
	}
	require.Equal(t, Endgame, s.Mode())

	last := numPieces - 1
	r1 := s.NextRequests("p1", numPieces)
	r2 := s.NextRequests("p2", numPieces)
	require.Len(t, r1, 1)
	require.Len(t, r2, 1)
	require.Equal(t, last, r1[0].PieceIndex)
	require.Equal(t, last, r2[0].PieceIndex)

	cancelled := s.CancelOtherRequests(last, "p1")
	require.Contains(t, cancelled, "p2")
}

func TestCompletePieceVerifiesHashAndPenalizesOnMismatch(t *testing.T) {
	good := []byte("the correct bytes")
	hashes := map[int][32]byte{0: sha256.Sum256(good)}
	s := New(1, 4, hashes, 4)
	s.AddPeer("p1")
	s.SetPeerHasPiece("p1", 0)
	s.NextRequests("p1", 4)

	err := s.CompletePiece(0, []byte("wrong bytes"), "p1")
	require.Error(t, err)
	require.False(t, s.Have(0))
	// the peer's claim to own the piece is revoked so it can be
	// re-requested from someone else.
	require.Equal(t, 0, s.rarity.Count(0))

	require.NoError(t, s.CompletePiece(0, good, "p1"))
	require.True(t, s.Have(0))
}

func TestRemovePeerRequeuesInFlightRequests(t *testing.T) {
	s := New(4, 8, nil, 5)
	s.AddPeer("p1")
	for i := 0; i < 4; i++ {
		s.SetPeerHasPiece("p1", i)
	}
	reqs := s.NextRequests("p1", 8)
	require.NotEmpty(t, reqs)

	s.RemovePeer("p1")
	require.Empty(t, s.requestedFrom)

	s.AddPeer("p2")
	for i := 0; i < 4; i++ {
		s.SetPeerHasPiece("p2", i)
	}
	reqs2 := s.NextRequests("p2", 8)
	require.NotEmpty(t, reqs2)
}

func TestMaxPendingPerPeerBoundsInFlightRequests(t *testing.T) {
	s := New(100, 2, nil, 6)
	s.AddPeer("p1")
	for i := 0; i < 100; i++ {
		s.SetPeerHasPiece("p1", i)
	}
	reqs := s.NextRequests("p1", 100)
	require.Len(t, reqs, 2)

	more := s.NextRequests("p1", 100)
	require.Empty(t, more)
}
