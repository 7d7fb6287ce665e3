// SPDX-License-Identifier: AGPL-3.0-only
package manifest

import "time"

// Role distinguishes the two sides of a peer connection.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// PeerState is the per-peer-in-room lifecycle state.
type PeerState int

const (
	PeerJoining PeerState = iota
	PeerReady
	PeerTransferring
	PeerQueued
	PeerComplete
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerJoining:
		return "joining"
	case PeerReady:
		return "ready"
	case PeerTransferring:
		return "transferring"
	case PeerQueued:
		return "queued"
	case PeerComplete:
		return "complete"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Peer is the data-model record the session/swarm manager tracks for each
// participant in a room. Rate estimates and RTT are filled in by the
// congestion controller and transport layer.
type Peer struct {
	PeerID     string
	RemoteAddr string
	Role       Role
	State      PeerState

	ObservedRTTMillis float64
	DownloadRateBps   float64
	UploadRateBps     float64

	// Bitfield indicates which pieces this peer owns (receive side, or
	// all-ones for the sender).
	Bitfield []byte

	Choked     bool
	Interested bool

	JoinedAt time.Time
}
