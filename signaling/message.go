// SPDX-License-Identifier: AGPL-3.0-only

// Package signaling implements the JSON-over-WebSocket rendezvous
// protocol: room join/leave, peer discovery, SDP/ICE relay, and a
// receiver-complete acknowledgement with a minimal shape.
package signaling

import "encoding/json"

// Tag identifies a signaling message's payload shape.
type Tag string

const (
	TagJoinRoom         Tag = "JoinRoom"
	TagRoomJoined       Tag = "RoomJoined"
	TagPeerJoined       Tag = "PeerJoined"
	TagOffer            Tag = "Offer"
	TagAnswer           Tag = "Answer"
	TagIceCandidate     Tag = "IceCandidate"
	TagLeaveRoom        Tag = "LeaveRoom"
	TagError            Tag = "Error"
	TagReceiverComplete Tag = "ReceiverComplete"
)

// Envelope is the wire shape every signaling message takes: { "type":
// Tag, "payload": {...} }. Payload is decoded lazily into the concrete
// type matching Type.
type Envelope struct {
	Type    Tag             `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newEnvelope(tag Tag, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: tag, Payload: raw}, nil
}

type JoinRoomPayload struct {
	RoomID string `json:"room_id"`
}

type RoomJoinedPayload struct {
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
}

type PeerJoinedPayload struct {
	PeerID string `json:"peer_id"`
}

// SDPPayload is the shared shape of Offer and Answer: target identifies
// the destination peer, sdp carries the session description verbatim
// (opaque to this layer).
type SDPPayload struct {
	RoomID string `json:"room_id"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

type IceCandidatePayload struct {
	RoomID    string `json:"room_id"`
	Target    string `json:"target"`
	Candidate string `json:"candidate"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ReceiverCompletePayload carries a receiver's completion acknowledgement
// back to the room owner: which peer finished, and how many bytes it
// actually wrote.
type ReceiverCompletePayload struct {
	PeerID      string `json:"peer_id"`
	ActualBytes int64  `json:"actual_bytes"`
}

// JoinRoom builds a JoinRoom envelope.
func JoinRoom(roomID string) (Envelope, error) {
	return newEnvelope(TagJoinRoom, JoinRoomPayload{RoomID: roomID})
}

// LeaveRoom builds a LeaveRoom envelope.
func LeaveRoom(roomID string) (Envelope, error) {
	return newEnvelope(TagLeaveRoom, LeaveRoomPayload{RoomID: roomID})
}

// Offer builds an Offer envelope.
func Offer(roomID, target, sdp string) (Envelope, error) {
	return newEnvelope(TagOffer, SDPPayload{RoomID: roomID, Target: target, SDP: sdp})
}

// Answer builds an Answer envelope.
func Answer(roomID, target, sdp string) (Envelope, error) {
	return newEnvelope(TagAnswer, SDPPayload{RoomID: roomID, Target: target, SDP: sdp})
}

// IceCandidate builds an IceCandidate envelope.
func IceCandidate(roomID, target, candidate string) (Envelope, error) {
	return newEnvelope(TagIceCandidate, IceCandidatePayload{RoomID: roomID, Target: target, Candidate: candidate})
}

// ReceiverComplete builds a ReceiverComplete envelope.
func ReceiverComplete(peerID string, actualBytes int64) (Envelope, error) {
	return newEnvelope(TagReceiverComplete, ReceiverCompletePayload{PeerID: peerID, ActualBytes: actualBytes})
}

// DecodeJoinRoom, DecodeRoomJoined, ... unmarshal an Envelope's Payload
// into its concrete type once the caller has switched on Type.

func DecodeJoinRoom(e Envelope) (JoinRoomPayload, error) {
	var p JoinRoomPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func DecodeRoomJoined(e Envelope) (RoomJoinedPayload, error) {
	var p RoomJoinedPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func DecodePeerJoined(e Envelope) (PeerJoinedPayload, error) {
	var p PeerJoinedPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func DecodeSDP(e Envelope) (SDPPayload, error) {
	var p SDPPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func DecodeIceCandidate(e Envelope) (IceCandidatePayload, error) {
	var p IceCandidatePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func DecodeLeaveRoom(e Envelope) (LeaveRoomPayload, error) {
	var p LeaveRoomPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func DecodeError(e Envelope) (ErrorPayload, error) {
	var p ErrorPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func DecodeReceiverComplete(e Envelope) (ReceiverCompletePayload, error) {
	var p ReceiverCompletePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
