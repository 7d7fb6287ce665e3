// SPDX-License-Identifier: AGPL-3.0-only

package swarm

import (
	"io"
	"sync"
	"time"

	charm "github.com/charmbracelet/log"

	"github.com/shareswarm/engine/config"
	"github.com/shareswarm/engine/errcode"
	"github.com/shareswarm/engine/internal/worker"
	"github.com/shareswarm/engine/manifest"
	"github.com/shareswarm/engine/producer"
	"github.com/shareswarm/engine/transport"
	"github.com/shareswarm/engine/wire"
)

// RoomState is the room-level lifecycle: created -> open (admitting
// peers) -> transferring (batch active) -> ready-for-next -> closed.
type RoomState int

const (
	RoomCreated RoomState = iota
	RoomOpen
	RoomTransferring
	RoomReadyForNext
	RoomClosed
)

// SourceFactory opens a fresh byte source for one batch: the manager
// immediately starts the next batch with a fresh producer built from a
// freshly opened source. In single-file mode this reopens the file at
// offset 0; in packaged mode it re-runs the ZIP64 packager over the same
// file set.
type SourceFactory func() (io.Reader, io.Closer, error)

// Room owns one room's peer set, admission queue, and the currently
// running batch.
type Room struct {
	worker.Worker

	ID       string
	OwnerID  string
	Manifest manifest.Manifest
	Policy   manifest.AdmissionPolicy

	cfg    config.Config
	log    *charm.Logger
	source SourceFactory

	mu    sync.Mutex
	state RoomState
	peers map[string]*peer
	ready []string
	queue []string

	countdownTimer *time.Timer

	peerComplete chan string

	events *eventBus

	lastErr error
}

// NewRoom constructs a Room in the created state. Call Open to begin
// admitting peers.
func NewRoom(id, owner string, man manifest.Manifest, policy manifest.AdmissionPolicy, cfg config.Config, source SourceFactory, log *charm.Logger) *Room {
	return &Room{
		ID:           id,
		OwnerID:      owner,
		Manifest:     man,
		Policy:       policy,
		cfg:          cfg,
		log:          log.WithPrefix("room").With("room_id", id),
		source:       source,
		state:        RoomCreated,
		peers:        make(map[string]*peer),
		peerComplete: make(chan string, 64),
		events:       newEventBus(),
	}
}

// Open transitions the room into peer admission.
func (r *Room) Open() {
	r.mu.Lock()
	r.state = RoomOpen
	r.mu.Unlock()
}

// Events returns the room's outbound progress/state event stream.
func (r *Room) Events() <-chan interface{} { return r.events.Out() }

// Join admits peerID into the room: directly into the ready set (and, if
// applicable, an admission countdown is started) when the room has
// capacity and is not already running a batch, or into the queue
// otherwise — including every late arrival while a batch is running,
// which is admitted to the queue rather than the running batch.
func (r *Room) Join(peerID string, conn transport.Conn, cipher *wire.Cipher) error {
	r.mu.Lock()
	if r.state == RoomClosed {
		r.mu.Unlock()
		return errcode.New(errcode.RoomNotFound, nil)
	}
	p := newPeer(peerID, conn, cipher, r.cfg, r.log)
	r.peers[peerID] = p

	admitDirect := r.state != RoomTransferring && len(r.ready) < r.Policy.MaxDirectPeers
	if admitDirect {
		p.info.State = manifest.PeerReady
		r.ready = append(r.ready, peerID)
	} else {
		p.info.State = manifest.PeerQueued
		r.queue = append(r.queue, peerID)
	}
	r.mu.Unlock()

	p.start()
	if admitDirect {
		r.events.push(Event{Kind: EventPeerJoined, RoomID: r.ID, PeerID: peerID, Timestamp: time.Now()})
		r.maybeStartCountdown()
	} else {
		r.events.push(Event{Kind: EventPeerQueued, RoomID: r.ID, PeerID: peerID, Timestamp: time.Now()})
	}
	return nil
}

// maybeStartCountdown begins (or immediately fires, once the batch is
// full) the all-ready countdown.
func (r *Room) maybeStartCountdown() {
	r.mu.Lock()
	full := len(r.ready) >= r.Policy.MaxDirectPeers
	alreadyArmed := r.countdownTimer != nil
	if full && r.countdownTimer != nil {
		r.countdownTimer.Stop()
		r.countdownTimer = nil
	}
	shouldArm := !full && !alreadyArmed && len(r.ready) > 0
	if shouldArm {
		r.countdownTimer = time.AfterFunc(r.cfg.AllReadyCountdown, r.promoteBatch)
	}
	r.mu.Unlock()
	if full {
		r.promoteBatch()
	}
}

// promoteBatch moves the current ready set into transferring and starts a
// send batch. Safe to call more than once; a no-op if there's nothing
// ready or a batch is already running.
func (r *Room) promoteBatch() {
	r.mu.Lock()
	if r.state == RoomTransferring || len(r.ready) == 0 {
		r.mu.Unlock()
		return
	}
	batchIDs := r.ready
	r.ready = nil
	r.countdownTimer = nil
	r.state = RoomTransferring
	batchPeers := make([]*peer, 0, len(batchIDs))
	for _, id := range batchIDs {
		p := r.peers[id]
		p.info.State = manifest.PeerTransferring
		batchPeers = append(batchPeers, p)
	}
	r.mu.Unlock()

	r.events.push(Event{Kind: EventBatchStarted, RoomID: r.ID, Timestamp: time.Now()})
	r.Go(func() { r.runBatch(batchPeers) })
}

// MarkPeerComplete records a receiver's completion acknowledgement,
// delivered out-of-band over signaling as a ReceiverComplete envelope.
func (r *Room) MarkPeerComplete(peerID string, actualBytes int64) {
	r.mu.Lock()
	if p, ok := r.peers[peerID]; ok {
		p.info.State = manifest.PeerComplete
	}
	r.mu.Unlock()
	select {
	case r.peerComplete <- peerID:
	default:
	}
	r.events.push(Event{Kind: EventPeerComplete, RoomID: r.ID, PeerID: peerID, Bytes: actualBytes, Timestamp: time.Now()})
}

// runBatch drives one chunk producer, multicasting every produced packet
// to each transferring peer at the pace the slowest peer's congestion
// controller allows.
func (r *Room) runBatch(batchPeers []*peer) {
	src, closer, err := r.source()
	if err != nil {
		r.abortBatch(batchPeers, errcode.New(errcode.IoError, err))
		return
	}
	defer closer.Close()

	stream := producer.NewStream(src, producer.DefaultHalfSize)
	defer stream.Close()

	sizer := &batchSizer{peers: batchPeers}
	prod := stream.Shard(0, sizer, nil, 1, 0)

	alive := make(map[string]*peer, len(batchPeers))
	for _, p := range batchPeers {
		alive[p.id] = p
	}

	for !prod.IsExhausted() {
		if r.Done() {
			return
		}
		if len(alive) == 0 {
			break
		}
		waitForCapacity(alive, r.HaltCh())

		pkts, err := prod.NextBatch(sizer.batchSize())
		if err != nil {
			r.abortBatch(batchPeers, err)
			return
		}
		for _, pkt := range pkts {
			h, payload, err := wire.Decode(pkt)
			if err != nil {
				r.abortBatch(batchPeers, errcode.New(errcode.MalformedFrame, err))
				return
			}
			for id, p := range alive {
				if p.disconnected() {
					r.dropPeer(id, alive)
					continue
				}
				if err := p.sendFrame(h, payload); err != nil {
					r.dropPeer(id, alive)
				}
			}
		}
	}

	r.awaitBatchCompletion(alive)
	r.finishBatch()
}

func (r *Room) dropPeer(id string, alive map[string]*peer) {
	if p, ok := alive[id]; ok {
		p.info.State = manifest.PeerDisconnected
		p.session.abandonAll()
		delete(alive, id)
		r.log.Warn("peer dropped from batch", "peer_id", id, "cause", p.err())
		r.events.push(Event{Kind: EventPeerDisconnected, RoomID: r.ID, PeerID: id, Timestamp: time.Now()})
	}
	r.mu.Lock()
	r.queue = append(r.queue, id) // the dropped peer may rejoin the queue
	r.mu.Unlock()
}

// awaitBatchCompletion blocks until every surviving peer in the batch has
// acknowledged completion or disconnected.
func (r *Room) awaitBatchCompletion(alive map[string]*peer) {
	remaining := make(map[string]bool, len(alive))
	for id := range alive {
		remaining[id] = true
	}
	disconnects := make(chan string, len(alive))
	for id, p := range alive {
		id, p := id, p
		go func() {
			select {
			case <-p.doneCh:
				select {
				case disconnects <- id:
				default:
				}
			case <-r.HaltCh():
			}
		}()
	}
	for len(remaining) > 0 {
		select {
		case id := <-r.peerComplete:
			delete(remaining, id)
		case id := <-disconnects:
			delete(remaining, id)
		case <-r.HaltCh():
			return
		}
	}
}

func (r *Room) finishBatch() {
	r.mu.Lock()
	nextCount := r.Policy.MaxDirectPeers
	if nextCount > len(r.queue) {
		nextCount = len(r.queue)
	}
	var nextBatch []string
	if nextCount > 0 {
		nextBatch = r.queue[:nextCount]
		r.queue = r.queue[nextCount:]
	}
	if len(nextBatch) == 0 {
		r.state = RoomReadyForNext
		r.mu.Unlock()
		r.events.push(Event{Kind: EventBatchComplete, RoomID: r.ID, Timestamp: time.Now()})
		return
	}
	batchPeers := make([]*peer, 0, len(nextBatch))
	for _, id := range nextBatch {
		p := r.peers[id]
		p.info.State = manifest.PeerTransferring
		batchPeers = append(batchPeers, p)
	}
	r.state = RoomTransferring
	r.mu.Unlock()

	r.events.push(Event{Kind: EventBatchComplete, RoomID: r.ID, Timestamp: time.Now()})
	r.events.push(Event{Kind: EventBatchStarted, RoomID: r.ID, Timestamp: time.Now()})
	r.Go(func() { r.runBatch(batchPeers) })
}

// abortBatch surfaces TransferAborted to every batch peer and closes the
// room: a producer error aborts the current batch, signals
// TransferAborted to all peers, closes the room, and surfaces the error.
func (r *Room) abortBatch(batchPeers []*peer, err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	for _, p := range batchPeers {
		p.info.State = manifest.PeerDisconnected
	}
	r.events.push(Event{Kind: EventAborted, RoomID: r.ID, Err: err, Timestamp: time.Now()})
	r.Close()
}

// Close tears down every peer connection and the room's event bus.
func (r *Room) Close() {
	r.mu.Lock()
	if r.state == RoomClosed {
		r.mu.Unlock()
		return
	}
	r.state = RoomClosed
	if r.countdownTimer != nil {
		r.countdownTimer.Stop()
	}
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	r.Halt()
	for _, p := range peers {
		p.close()
	}
	r.events.push(Event{Kind: EventRoomClosed, RoomID: r.ID, Timestamp: time.Now()})
	r.events.close()
}

// Err returns the error that aborted the room, if any.
func (r *Room) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (p *peer) disconnected() bool {
	select {
	case <-p.doneCh:
		return true
	default:
		return false
	}
}

// batchSizer derives the shared chunk/batch size for a multicast batch
// from the slowest peer's congestion controller, so the producer yields
// the slowest peer's pace.
type batchSizer struct {
	peers []*peer
}

func (b *batchSizer) ChunkSize() int {
	min := -1
	for _, p := range b.peers {
		cs := p.controller.ChunkSize()
		if min < 0 || cs < min {
			min = cs
		}
	}
	if min < 0 {
		return producer.DefaultHalfSize / 512
	}
	return min
}

func (b *batchSizer) batchSize() int {
	min := -1
	for _, p := range b.peers {
		bs := p.controller.BatchSize()
		if min < 0 || bs < min {
			min = bs
		}
	}
	if min < 0 {
		return 32
	}
	return min
}

// waitForCapacity blocks until no live peer's congestion controller is
// asserting backpressure and every live peer's in-flight bytes sit at or
// under its own cwnd, polling at a short interval since both pause/resume
// and cwnd are signals the batch loop samples rather than blocks on
// directly. The cwnd check is the hard per-peer admission gate: Paused
// only trips at the fixed high-water mark (12 MiB by default), far above
// the starting cwnd (1 MiB by default), so without this check a peer's in-flight
// bytes could run far past what its controller has actually granted it.
func waitForCapacity(alive map[string]*peer, halt <-chan struct{}) {
	const pollInterval = 10 * time.Millisecond
	for {
		blocked := false
		for _, p := range alive {
			if p.controller.Paused() {
				blocked = true
				break
			}
			if p.session.BufferedAmount() >= p.controller.Cwnd() {
				blocked = true
				break
			}
		}
		if !blocked {
			return
		}
		select {
		case <-time.After(pollInterval):
		case <-halt:
			return
		}
	}
}
