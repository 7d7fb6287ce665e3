// SPDX-License-Identifier: AGPL-3.0-only

// Package swarm implements the session/swarm manager: room admission and
// batch promotion on the send side, the receive-side file-writer
// abstraction, and the outbound event channel a driver consumes instead
// of a collection of discrete event-emitter callbacks.
package swarm

import (
	"time"

	"gopkg.in/eapache/channels.v1"
)

// EventKind distinguishes the outbound event types a driver observes for
// a room, collapsing "metadata"/"progress"/"complete"/"peer-joined"
// notifications into a single typed channel.
type EventKind int

const (
	EventPeerJoined EventKind = iota
	EventPeerQueued
	EventBatchStarted
	EventProgress
	EventPeerComplete
	EventPeerDisconnected
	EventBatchComplete
	EventRoomClosed
	EventAborted
)

// Event is one notification pushed to a Room's outbound channel.
type Event struct {
	Kind      EventKind
	RoomID    string
	PeerID    string
	Progress  float64
	Bytes     int64
	Err       error
	Timestamp time.Time
}

// eventBus wraps an eapache/channels.v1 InfiniteChannel so producers
// (the batch send loop, peer read loops) never block pushing an event
// even if the driver is momentarily slow to drain it.
type eventBus struct {
	ch *channels.InfiniteChannel
}

func newEventBus() *eventBus {
	return &eventBus{ch: channels.NewInfiniteChannel()}
}

func (b *eventBus) push(e Event) {
	b.ch.In() <- e
}

// Out returns the receive side of the bus for a driver to range over.
func (b *eventBus) Out() <-chan interface{} {
	return b.ch.Out()
}

func (b *eventBus) close() {
	b.ch.Close()
}
