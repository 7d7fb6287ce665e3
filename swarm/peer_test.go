// SPDX-License-Identifier: AGPL-3.0-only
package swarm

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shareswarm/engine/config"
	enginelog "github.com/shareswarm/engine/internal/log"
	"github.com/shareswarm/engine/manifest"
	"github.com/shareswarm/engine/wire"
)

// ackingClient drains wire frames off conn exactly as a real receiver's
// read loop would, acking each one and accumulating the payload bytes, so
// the room's "good" peer in TestRoomDropsDisconnectedPeerMidBatch can
// actually complete its batch.
func ackingClient(t *testing.T, conn net.Conn, want int) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		var got bytes.Buffer
		header := make([]byte, wire.HeaderLen)
		for got.Len() < want {
			if _, err := io.ReadFull(conn, header); err != nil {
				return
			}
			h, err := wire.PeekHeader(header)
			if err != nil {
				return
			}
			payload := make([]byte, h.PayloadLen)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			got.Write(payload)
			ack := wire.Encode(wire.Header{FileIndex: ackFileIndex, ChunkSequence: h.ChunkSequence}, nil)
			if _, err := conn.Write(ack); err != nil {
				return
			}
		}
	}()
	return done
}

// TestRoomDropsDisconnectedPeerMidBatch verifies that a peer whose
// connection is severed while the batch is running never
// blocks the batch for the surviving peer, and is placed back on the
// queue rather than left in limbo.
func TestRoomDropsDisconnectedPeerMidBatch(t *testing.T) {
	content := bytes.Repeat([]byte("room broadcast payload "), 200)
	man := manifest.Manifest{
		TransferID: "xfer-drop",
		RootName:   "blob.bin",
		TotalFiles: 1,
		TotalSize:  int64(len(content)),
		Files:      []manifest.FileEntry{{Index: 0, RelativePath: "blob.bin", Size: int64(len(content))}},
	}

	cfg := config.Default()
	cfg.PieceSize = 256
	cfg.AllReadyCountdown = time.Hour // never fires; the second Join fills the room and starts the batch

	source := func() (io.Reader, io.Closer, error) {
		return bytes.NewReader(content), nopCloser{}, nil
	}

	log := enginelog.Nop()
	policy := manifest.AdmissionPolicy{MaxDirectPeers: 2}
	room := NewRoom("ROOM-DROP", "owner", man, policy, cfg, source, log)
	room.Open()
	defer room.Close()

	goodServer, goodClient := net.Pipe()
	badServer, badClient := net.Pipe()

	require.NoError(t, room.Join("good-peer", goodServer, nil))
	require.NoError(t, room.Join("bad-peer", badServer, nil))

	// Sever the bad peer's connection; the batch's write to it then fails.
	require.NoError(t, badClient.Close())

	ackDone := ackingClient(t, goodClient, len(content))

	room.promoteBatch()

	select {
	case <-ackDone:
	case <-time.After(5 * time.Second):
		t.Fatal("surviving peer never finished receiving its batch")
	}

	room.MarkPeerComplete("good-peer", int64(len(content)))

	require.Eventually(t, func() bool {
		room.mu.Lock()
		defer room.mu.Unlock()
		for _, id := range room.queue {
			if id == "bad-peer" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "dropped peer should be re-queued")
}
