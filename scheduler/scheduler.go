// SPDX-License-Identifier: AGPL-3.0-only
package scheduler

import (
	"crypto/sha256"
	"math/rand"
	"sync"

	"github.com/shareswarm/engine/errcode"
)

// PeerState is the per-peer scheduling state machine: connected ->
// interested -> unchoked -> requesting <-> choked, and -> disconnected.
type PeerState int

const (
	PeerConnected PeerState = iota
	PeerInterested
	PeerUnchoked
	PeerRequesting
	PeerChoked
	PeerDisconnected
)

// GlobalMode is the scheduler-wide state machine: bootstrapping ->
// rarest-first -> endgame -> complete.
type GlobalMode int

const (
	Bootstrapping GlobalMode = iota
	RarestFirst
	Endgame
	Complete
)

// randomFirstThreshold and endgameFraction implement the mode
// transitions: random-first for the first 4 pieces, rarest-first
// thereafter until 95% complete, then endgame.
const (
	randomFirstThreshold = 4
	endgameFraction       = 0.95
)

// Request is a (piece, peer) assignment the caller should issue over the
// wire.
type Request struct {
	PieceIndex int
	PeerID     string
}

type peerInfo struct {
	bitfield   *Bitfield
	choked     bool // they are choking us; contributes to rarity only
	interested bool // we are interested in them
	state      PeerState
	inFlight   map[int]struct{}
}

// Scheduler implements the piece scheduler. One Scheduler exists per
// receive-side manifest; it degenerates to "request everything from the
// one sender in order" when there is exactly one peer.
type Scheduler struct {
	mu sync.Mutex

	numPieces         int
	have              *Bitfield
	rarity            *rarityIndex
	peers             map[string]*peerInfo
	requestedFrom     map[int]map[string]bool
	maxPendingPerPeer int
	pieceHashes       map[int][32]byte
	completedCount    int
	rng               *rand.Rand
}

// New constructs a Scheduler for a manifest with numPieces pieces.
// pieceHashes is optional; a nil/absent entry falls back to per-chunk
// CRC-32 + AEAD verification done upstream.
func New(numPieces, maxPendingPerPeer int, pieceHashes map[int][32]byte, seed int64) *Scheduler {
	return &Scheduler{
		numPieces:         numPieces,
		have:              NewBitfield(numPieces),
		rarity:            newRarityIndex(numPieces),
		peers:             make(map[string]*peerInfo),
		requestedFrom:     make(map[int]map[string]bool),
		maxPendingPerPeer: maxPendingPerPeer,
		pieceHashes:       pieceHashes,
		rng:               rand.New(rand.NewSource(seed)),
	}
}

// AddPeer registers a newly connected peer.
func (s *Scheduler) AddPeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[peerID]; ok {
		return
	}
	s.peers[peerID] = &peerInfo{
		bitfield: NewBitfield(s.numPieces),
		state:    PeerConnected,
		inFlight: make(map[int]struct{}),
	}
}

// RemovePeer drops a peer, re-queueing all its in-flight requests for
// reassignment to other peers.
func (s *Scheduler) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		return
	}
	for idx := 0; idx < s.numPieces; idx++ {
		if p.bitfield.Has(idx) {
			s.rarity.Decrement(idx)
		}
	}
	for idx := range p.inFlight {
		if set, ok := s.requestedFrom[idx]; ok {
			delete(set, peerID)
			if len(set) == 0 {
				delete(s.requestedFrom, idx)
			}
		}
	}
	p.state = PeerDisconnected
	delete(s.peers, peerID)
}

// SetPeerHasPiece records that peerID advertises ownership of index
// (e.g. from a bitfield or have message), updating rarity.
func (s *Scheduler) SetPeerHasPiece(peerID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok || p.bitfield.Has(index) {
		return
	}
	p.bitfield.Set(index)
	s.rarity.Increment(index)
}

// SetChoked records whether peerID is choking us. A peer that chokes us
// still contributes to rarity counting but receives no requests.
func (s *Scheduler) SetChoked(peerID string, choked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[peerID]; ok {
		p.choked = choked
		if choked {
			p.state = PeerChoked
		} else if p.interested {
			p.state = PeerUnchoked
		}
	}
}

// SetInterested records our interest in peerID.
func (s *Scheduler) SetInterested(peerID string, interested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[peerID]; ok {
		p.interested = interested
		if interested {
			p.state = PeerInterested
		}
	}
}

// Mode reports the current global scheduling mode.
func (s *Scheduler) Mode() GlobalMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modeLocked()
}

func (s *Scheduler) modeLocked() GlobalMode {
	if s.have.Complete() {
		return Complete
	}
	if s.completedCount < randomFirstThreshold {
		return Bootstrapping
	}
	if s.have.Fraction() >= endgameFraction {
		return Endgame
	}
	return RarestFirst
}

// NextRequests returns up to limit new (piece, peer) requests to issue to
// peerID right now, respecting maxPendingPerPeer and the current global
// mode.
func (s *Scheduler) NextRequests(peerID string, limit int) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[peerID]
	if !ok || p.choked {
		return nil
	}
	room := s.maxPendingPerPeer - len(p.inFlight)
	if room <= 0 {
		return nil
	}
	if limit > room {
		limit = room
	}

	mode := s.modeLocked()
	if mode != Complete && len(s.peers) == 1 {
		// With one peer every piece it has shares rarity 1, so rarest-first
		// order is plain piece-index order.
		return s.pickRarestFirst(peerID, p, limit)
	}
	switch mode {
	case Complete:
		return nil
	case Bootstrapping:
		return s.pickRandomFirst(peerID, p, limit)
	case Endgame:
		return s.pickEndgame(peerID, p, limit)
	default:
		return s.pickRarestFirst(peerID, p, limit)
	}
}

func (s *Scheduler) wantLocked(index int) bool {
	return !s.have.Has(index)
}

func (s *Scheduler) assign(peerID string, p *peerInfo, index int) Request {
	p.inFlight[index] = struct{}{}
	p.state = PeerRequesting
	set, ok := s.requestedFrom[index]
	if !ok {
		set = make(map[string]bool)
		s.requestedFrom[index] = set
	}
	set[peerID] = true
	return Request{PieceIndex: index, PeerID: peerID}
}

func (s *Scheduler) pickRandomFirst(peerID string, p *peerInfo, limit int) []Request {
	var candidates []int
	for idx := 0; idx < s.numPieces; idx++ {
		if s.wantLocked(idx) && p.bitfield.Has(idx) && len(s.requestedFrom[idx]) == 0 {
			if _, inFlight := p.inFlight[idx]; !inFlight {
				candidates = append(candidates, idx)
			}
		}
	}
	s.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Request, 0, len(candidates))
	for _, idx := range candidates {
		out = append(out, s.assign(peerID, p, idx))
	}
	return out
}

func (s *Scheduler) pickRarestFirst(peerID string, p *peerInfo, limit int) []Request {
	eligible := s.rarity.RarestEligible(func(idx int) bool {
		if !s.wantLocked(idx) || !p.bitfield.Has(idx) {
			return false
		}
		if _, inFlight := p.inFlight[idx]; inFlight {
			return false
		}
		// "not already requested from enough peers": cap duplicate
		// outstanding requests for one piece outside endgame mode.
		return len(s.requestedFrom[idx]) == 0
	}, limit)

	out := make([]Request, 0, len(eligible))
	for _, idx := range eligible {
		out = append(out, s.assign(peerID, p, idx))
	}
	return out
}

// pickEndgame duplicates remaining piece requests across all capable
// peers: the first arriving copy wins.
func (s *Scheduler) pickEndgame(peerID string, p *peerInfo, limit int) []Request {
	var out []Request
	for idx := 0; idx < s.numPieces && len(out) < limit; idx++ {
		if !s.wantLocked(idx) || !p.bitfield.Has(idx) {
			continue
		}
		if _, inFlight := p.inFlight[idx]; inFlight {
			continue
		}
		out = append(out, s.assign(peerID, p, idx))
	}
	return out
}

// CompletePiece verifies and records a completed piece. If the manifest
// supplied a SHA-256 for the piece and it fails to verify, the piece is
// discarded and originatingPeer is penalized by one rarity-rank slot and
// must be re-requested from a different peer.
func (s *Scheduler) CompletePiece(index int, data []byte, originatingPeer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want, ok := s.pieceHashes[index]; ok {
		got := sha256.Sum256(data)
		if got != want {
			s.penalize(index, originatingPeer)
			return errcode.New(errcode.ChecksumMismatch, nil)
		}
	}

	s.have.Set(index)
	s.completedCount++
	delete(s.requestedFrom, index)
	for _, p := range s.peers {
		delete(p.inFlight, index)
	}
	return nil
}

// penalize drops a failed piece's in-flight bookkeeping and clears the
// originating peer's claim on it so it is re-requested from a different
// peer. "Dropping rank one slot" is modeled as deprioritizing the peer by
// treating its copy of the piece as absent until it readvertises it.
func (s *Scheduler) penalize(index int, originatingPeer string) {
	if set, ok := s.requestedFrom[index]; ok {
		delete(set, originatingPeer)
		if len(set) == 0 {
			delete(s.requestedFrom, index)
		}
	}
	if p, ok := s.peers[originatingPeer]; ok {
		delete(p.inFlight, index)
		if p.bitfield.Has(index) {
			p.bitfield.Clear(index)
			s.rarity.Decrement(index)
		}
	}
}

// CancelOtherRequests is called once a piece completes in endgame mode to
// cancel the now-redundant duplicate requests outstanding on other peers:
// the first arriving copy wins and the others are cancelled. It returns
// the peer ids that had an outstanding, now cancelled, request for index.
func (s *Scheduler) CancelOtherRequests(index int, winner string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []string
	for peerID, p := range s.peers {
		if peerID == winner {
			continue
		}
		if _, ok := p.inFlight[index]; ok {
			delete(p.inFlight, index)
			cancelled = append(cancelled, peerID)
		}
	}
	return cancelled
}

// Have reports whether we already have piece index.
func (s *Scheduler) Have(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Has(index)
}

// Progress returns the fraction of pieces completed, in [0, 1].
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Fraction()
}
