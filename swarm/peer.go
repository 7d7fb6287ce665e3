// SPDX-License-Identifier: AGPL-3.0-only

package swarm

import (
	"sync"
	"time"

	charm "github.com/charmbracelet/log"

	"github.com/shareswarm/engine/config"
	"github.com/shareswarm/engine/congestion"
	"github.com/shareswarm/engine/errcode"
	"github.com/shareswarm/engine/internal/worker"
	"github.com/shareswarm/engine/manifest"
	"github.com/shareswarm/engine/transport"
	"github.com/shareswarm/engine/wire"
)

// ackFileIndex is a sentinel FileIndex value identifying an
// acknowledgement frame rather than a data chunk on the wire. Acks are
// framed with wire.Encode (never sealed) since they carry no payload
// worth protecting beyond the outer transport.
const ackFileIndex = 0xFFFF

// peer binds one room participant's connection, session state, and
// congestion controller together: the unit the session/swarm manager
// multicasts chunks to and tracks completion for.
type peer struct {
	worker.Worker

	id   string
	info manifest.Peer

	conn    transport.Conn
	cipher  *wire.Cipher
	writeMu sync.Mutex

	session    *peerSession
	controller *congestion.Controller

	log *charm.Logger

	doneCh chan struct{}
	errVal error
	errMu  sync.Mutex
}

func newPeer(id string, conn transport.Conn, cipher *wire.Cipher, cfg config.Config, log *charm.Logger) *peer {
	sess := newPeerSession()
	p := &peer{
		id:      id,
		info:    manifest.Peer{PeerID: id, State: manifest.PeerJoining, JoinedAt: time.Now()},
		conn:    conn,
		cipher:  cipher,
		session: sess,
		log:     log.WithPrefix("peer").With("peer_id", id),
		doneCh:  make(chan struct{}),
	}
	p.controller = congestion.New(cfg, sess, id, p.onSignal)
	return p
}

func (p *peer) onSignal(congestion.Signal) {
	// Pause/resume is read on demand via p.controller.Paused() by the
	// batch send loop; no separate action needed here.
}

// start begins the congestion sampler and the background ack-read loop
// (sender side) or the nothing (receiver side manages its own read loop
// directly; see receiver.go).
func (p *peer) start() {
	p.controller.Start()
	p.Go(p.ackReadLoop)
	p.Go(p.idleMonitorLoop)
}

// idleMonitorLoop watches for chunks that have been in flight longer than
// idleAckTimeout with no ack. This implementation escalates straight to
// a Timeout error on the peer rather than re-issuing the stale chunks individually,
// since the broadcast batch loop has no per-peer retransmit queue to draw
// from; the dropped peer simply rejoins the room queue and resumes from
// its next batch.
func (p *peer) idleMonitorLoop() {
	ticker := time.NewTicker(idleAckTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-p.HaltCh():
			return
		case <-ticker.C:
			if len(p.session.staleSince(time.Now(), idleAckTimeout)) > 0 {
				p.setErr(errcode.New(errcode.Timeout, nil))
				return
			}
		}
	}
}

// sendFrame frames h+payload for this specific peer (sealing with the
// peer's own cipher when encryption is enabled, since each peer
// negotiates independent key material and AEAD counter state) and writes
// it to the connection, recording it as in-flight.
func (p *peer) sendFrame(h wire.Header, payload []byte) error {
	var pkt []byte
	var err error
	if p.cipher != nil {
		pkt, err = p.cipher.Seal(h, payload)
	} else {
		pkt = wire.Encode(h, payload)
	}
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	_, err = p.conn.Write(pkt)
	p.writeMu.Unlock()
	if err != nil {
		return errcode.New(errcode.ConnectionLost, err)
	}
	p.session.onSent(h.ChunkSequence, len(pkt))
	return nil
}

// ackReadLoop consumes ack frames arriving on the peer's connection and
// retires the corresponding in-flight chunk. It exits once the
// connection errors or the worker halts.
func (p *peer) ackReadLoop() {
	header := make([]byte, wire.HeaderLen)
	for {
		select {
		case <-p.HaltCh():
			return
		default:
		}
		if _, err := readFull(p.conn, header); err != nil {
			p.setErr(errcode.New(errcode.ConnectionLost, err))
			return
		}
		h, err := wire.PeekHeader(header)
		if err != nil {
			p.setErr(err)
			return
		}
		if h.FileIndex != ackFileIndex {
			// Not an ack frame on this stream direction; surface as a
			// protocol violation rather than silently discarding it.
			p.setErr(errcode.New(errcode.UnexpectedMessage, nil))
			return
		}
		p.session.onAck(h.ChunkSequence)
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *peer) setErr(err error) {
	p.errMu.Lock()
	if p.errVal == nil {
		p.errVal = err
	}
	p.errMu.Unlock()
	select {
	case <-p.doneCh:
	default:
		close(p.doneCh)
	}
}

func (p *peer) err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.errVal
}

// close halts the peer's background loops and its connection.
func (p *peer) close() {
	p.Halt()
	p.controller.Halt()
	p.conn.Close()
}
