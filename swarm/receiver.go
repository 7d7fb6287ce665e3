// SPDX-License-Identifier: AGPL-3.0-only

package swarm

import (
	"time"

	charm "github.com/charmbracelet/log"

	"github.com/shareswarm/engine/config"
	"github.com/shareswarm/engine/errcode"
	"github.com/shareswarm/engine/internal/worker"
	"github.com/shareswarm/engine/manifest"
	"github.com/shareswarm/engine/scheduler"
	"github.com/shareswarm/engine/signaling"
	"github.com/shareswarm/engine/transport"
	"github.com/shareswarm/engine/wire"
)

// Receiver drives the receive side of a transfer: it reads wire packets
// from a single connected sender, writes them through a FileWriter, and
// tracks piece completion through the piece scheduler. This topology has
// exactly one source, so the scheduler degenerates to the trivial case of
// requesting everything from the one sender in order: this Receiver
// never issues NextRequests over the wire (there is no request message
// in this protocol's wire table) and instead feeds every arriving piece
// straight to CompletePiece for hash verification, rarity/progress
// bookkeeping, and the mismatch-driven peer penalty, exercising the same
// policy machinery a multi-sender topology would use to select requests.
type Receiver struct {
	worker.Worker

	senderID string
	selfID   string
	conn     transport.Conn
	cipher   *wire.Cipher
	sig      *signaling.Client

	man   manifest.Manifest
	files *FileWriter
	sched *scheduler.Scheduler

	assembler *pieceAssembler

	events *eventBus
	log    *charm.Logger

	total int64
}

// NewReceiver opens the save directory and prepares to receive man's
// bytes from a single sender connection. pieceSize matches the sender's
// session configuration, which is fixed at session start and equal on
// both sides. sig and selfID are used to acknowledge a completed
// transfer back to the room host over signaling; sig may be nil (e.g.
// in tests), in which case the acknowledgement is skipped.
func NewReceiver(senderID string, conn transport.Conn, cipher *wire.Cipher, man manifest.Manifest, dir string, cfg config.Config, log *charm.Logger, sig *signaling.Client, selfID string) (*Receiver, error) {
	files, err := OpenFiles(man, dir)
	if err != nil {
		return nil, err
	}
	numPieces := man.PieceCount(cfg.PieceSize)
	sched := scheduler.New(numPieces, cfg.MaxPendingRequests, pieceHashesOf(man, cfg.PieceSize), time.Now().UnixNano())
	sched.AddPeer(senderID)
	for i := 0; i < numPieces; i++ {
		sched.SetPeerHasPiece(senderID, i)
	}
	sched.SetInterested(senderID, true)
	sched.SetChoked(senderID, false)

	return &Receiver{
		senderID:  senderID,
		selfID:    selfID,
		conn:      conn,
		cipher:    cipher,
		sig:       sig,
		man:       man,
		files:     files,
		sched:     sched,
		assembler: newPieceAssembler(cfg.PieceSize, man.TotalSize),
		events:    newEventBus(),
		log:       log.WithPrefix("receiver").With("peer_id", senderID),
	}, nil
}

func pieceHashesOf(man manifest.Manifest, pieceSize int64) map[int][32]byte {
	// Per-piece hashes are optional; this engine's manifest only ever
	// carries per-file hashes, so no piece-granularity hash map is
	// populated here and CompletePiece falls back to the already
	// chunk-verified CRC-32/AEAD path.
	return nil
}

// Events returns the receiver's outbound progress/state event stream.
func (r *Receiver) Events() <-chan interface{} { return r.events.Out() }

// Run reads packets until the connection closes or the stream completes,
// returning the final error (nil on a clean, fully-received transfer).
func (r *Receiver) Run() error {
	if r.assembler.complete() {
		// A zero-byte manifest (or one whose pieces somehow arrived
		// before Run started) needs no further reads.
		return r.finish(nil)
	}
	header := make([]byte, wire.HeaderLen)
	sealedExtra := wire.TagLen
	for {
		select {
		case <-r.HaltCh():
			return nil
		default:
		}
		if _, err := readFull(r.conn, header); err != nil {
			return r.finish(errcode.New(errcode.ConnectionLost, err))
		}
		h, err := wire.PeekHeader(header)
		if err != nil {
			return r.finish(err)
		}

		var payload []byte
		if r.cipher != nil {
			rest := make([]byte, int(h.PayloadLen)+sealedExtra)
			if _, err := readFull(r.conn, rest); err != nil {
				return r.finish(errcode.New(errcode.ConnectionLost, err))
			}
			full := append(append([]byte{}, header...), rest...)
			_, payload, err = r.cipher.Open(full)
			if err != nil {
				return r.finish(err)
			}
		} else {
			payload = make([]byte, h.PayloadLen)
			if _, err := readFull(r.conn, payload); err != nil {
				return r.finish(errcode.New(errcode.ConnectionLost, err))
			}
			if wire.ChecksumPayload(payload) != h.CRC32 {
				return r.finish(errcode.New(errcode.ChecksumMismatch, nil))
			}
		}

		if err := r.ingest(h, payload); err != nil {
			return r.finish(err)
		}
		if err := r.sendAck(h.ChunkSequence); err != nil {
			return r.finish(err)
		}
		if r.assembler.complete() {
			return r.finish(nil)
		}
	}
}

// sendAck acknowledges a received chunk back to the sender, the signal
// the sender's peerSession uses for RTT sampling and in-flight-byte
// accounting.
func (r *Receiver) sendAck(seq uint32) error {
	h := wire.Header{FileIndex: ackFileIndex, ChunkSequence: seq}
	pkt := wire.Encode(h, nil)
	if _, err := r.conn.Write(pkt); err != nil {
		return errcode.New(errcode.ConnectionLost, err)
	}
	return nil
}

func (r *Receiver) ingest(h wire.Header, payload []byte) error {
	if err := r.files.WriteAt(int(h.FileIndex), int64(h.AbsoluteOffset), payload); err != nil {
		return err
	}
	for _, idx := range r.assembler.ingest(int64(h.AbsoluteOffset), len(payload)) {
		if err := r.sched.CompletePiece(idx, nil, r.senderID); err != nil {
			r.log.Warn("piece failed verification", "piece", idx, "err", err)
			continue
		}
		r.events.push(Event{Kind: EventProgress, PeerID: r.senderID, Progress: r.sched.Progress(), Timestamp: time.Now()})
	}
	return nil
}

// finish closes the file writer, verifies totals, and reports the final
// outcome. readErr is the read loop's terminating error, if any; when it
// is non-nil it is the reported outcome, whatever Close() returns.
func (r *Receiver) finish(readErr error) error {
	total, closeErr := r.files.Close()
	r.total = total
	if readErr != nil {
		r.events.push(Event{Kind: EventAborted, PeerID: r.senderID, Err: readErr, Timestamp: time.Now()})
		r.events.close()
		return readErr
	}
	if closeErr != nil {
		r.events.push(Event{Kind: EventAborted, PeerID: r.senderID, Err: closeErr, Timestamp: time.Now()})
		r.events.close()
		return closeErr
	}
	r.acknowledgeComplete(total)
	r.events.push(Event{Kind: EventPeerComplete, PeerID: r.senderID, Bytes: total, Progress: 1, Timestamp: time.Now()})
	r.events.close()
	return nil
}

// acknowledgeComplete notifies the room host over signaling that this
// receiver has the full manifest, the trigger for the host's
// Room.MarkPeerComplete. Best-effort: the local transfer has already
// succeeded by this point regardless of whether the host hears about it,
// so a send failure is logged rather than turned into a final error.
func (r *Receiver) acknowledgeComplete(total int64) {
	if r.sig == nil {
		return
	}
	env, err := signaling.ReceiverComplete(r.selfID, total)
	if err != nil {
		r.log.Warn("failed to build receiver-complete envelope", "err", err)
		return
	}
	if err := r.sig.Send(env); err != nil {
		r.log.Warn("failed to send receiver-complete acknowledgement", "err", err)
	}
}

// BytesWritten reports the total bytes durably written so far.
func (r *Receiver) BytesWritten() int64 { return r.total }

// pieceAssembler tracks, per piece, how many bytes have arrived so far
// (every ingested byte is counted; repeated or overlapping chunks are not
// deduplicated), without buffering payload content (the optional per-piece
// SHA-256 path is unused here since no piece hash map is populated; see
// pieceHashesOf).
type pieceAssembler struct {
	pieceSize int64
	totalSize int64
	numPieces int
	received  map[int]int64
	done      map[int]bool
}

func newPieceAssembler(pieceSize, totalSize int64) *pieceAssembler {
	if pieceSize <= 0 {
		pieceSize = totalSize
		if pieceSize <= 0 {
			pieceSize = 1
		}
	}
	numPieces := 0
	if totalSize > 0 {
		numPieces = int((totalSize + pieceSize - 1) / pieceSize)
	}
	return &pieceAssembler{
		pieceSize: pieceSize,
		totalSize: totalSize,
		numPieces: numPieces,
		received:  make(map[int]int64),
		done:      make(map[int]bool),
	}
}

// complete reports whether every byte of totalSize has been received. A
// non-positive totalSize (an empty manifest) is vacuously complete.
func (a *pieceAssembler) complete() bool {
	return a.totalSize <= 0 || len(a.done) >= a.numPieces
}

// ingest records n freshly-written bytes at offset and returns any piece
// indices that just became fully received.
func (a *pieceAssembler) ingest(offset int64, n int) []int {
	var completed []int
	pos := offset
	remaining := int64(n)
	for remaining > 0 {
		idx := int(pos / a.pieceSize)
		pieceStart := int64(idx) * a.pieceSize
		pieceEnd := pieceStart + a.pieceSize
		if pieceEnd > a.totalSize {
			pieceEnd = a.totalSize
		}
		pieceLen := pieceEnd - pieceStart
		offsetInPiece := pos - pieceStart
		span := pieceLen - offsetInPiece
		if span > remaining {
			span = remaining
		}
		if span <= 0 {
			break
		}
		a.received[idx] += span
		if !a.done[idx] && a.received[idx] >= pieceLen {
			a.done[idx] = true
			completed = append(completed, idx)
		}
		pos += span
		remaining -= span
	}
	return completed
}
