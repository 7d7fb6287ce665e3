// SPDX-License-Identifier: AGPL-3.0-only
package swarm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPieceAssemblerSingleChunkCompletesPiece(t *testing.T) {
	a := newPieceAssembler(10, 30)
	require.Equal(t, []int{0}, a.ingest(0, 10))
	require.Empty(t, a.ingest(10, 5)) // piece 1 only half filled so far
}

func TestPieceAssemblerChunkSpanningTwoPieces(t *testing.T) {
	a := newPieceAssembler(10, 30)
	// One chunk straddling the boundary between piece 0 and piece 1
	// completes piece 0 but only partially fills piece 1.
	require.Equal(t, []int{0}, a.ingest(0, 15))
	// The remaining half of piece 1 arrives in a second chunk.
	require.Equal(t, []int{1}, a.ingest(15, 5))
}

func TestPieceAssemblerFinalShortPiece(t *testing.T) {
	// totalSize isn't a multiple of pieceSize: the final piece is shorter
	// than pieceSize and must still report complete once its truncated
	// span is filled.
	a := newPieceAssembler(10, 25)
	require.Equal(t, []int{0}, a.ingest(0, 10))
	require.Equal(t, []int{1}, a.ingest(10, 10))
	require.Equal(t, []int{2}, a.ingest(20, 5)) // piece 2 is only 5 bytes long
}

func TestPieceAssemblerDoesNotDoubleReportCompletion(t *testing.T) {
	a := newPieceAssembler(10, 10)
	require.Equal(t, []int{0}, a.ingest(0, 10))
	// A retransmitted duplicate write over the same already-complete span
	// must not re-report the piece as newly completed.
	require.Empty(t, a.ingest(0, 10))
}

func TestPieceAssemblerOutOfOrderChunksWithinAPiece(t *testing.T) {
	a := newPieceAssembler(20, 20)
	require.Empty(t, a.ingest(10, 10)) // second half arrives first
	require.Equal(t, []int{0}, a.ingest(0, 10))
}

func TestPieceAssemblerCompleteTracksAllPieces(t *testing.T) {
	a := newPieceAssembler(10, 25)
	require.False(t, a.complete())
	a.ingest(0, 10)
	require.False(t, a.complete())
	a.ingest(10, 10)
	require.False(t, a.complete())
	a.ingest(20, 5)
	require.True(t, a.complete())
}

func TestPieceAssemblerEmptyManifestIsImmediatelyComplete(t *testing.T) {
	a := newPieceAssembler(10, 0)
	require.True(t, a.complete())
}
