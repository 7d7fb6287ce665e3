// SPDX-License-Identifier: AGPL-3.0-only

package swarm

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	charm "github.com/charmbracelet/log"

	"github.com/shareswarm/engine/config"
	"github.com/shareswarm/engine/errcode"
	"github.com/shareswarm/engine/internal/worker"
	"github.com/shareswarm/engine/manifest"
	"github.com/shareswarm/engine/signaling"
	"github.com/shareswarm/engine/transport"
	"github.com/shareswarm/engine/wire"
)

// manifestFileIndex is the sentinel FileIndex identifying the one-time
// manifest frame sent immediately after a peer's QUIC stream is
// established, before any chunk or ack traffic: transmitted once per
// session as the first payload after peer admission.
const manifestFileIndex = 0xFFFE

// connectDescriptor is carried, JSON-encoded, in an Offer envelope's
// opaque sdp field: the host's QUIC listen address and, when encryption
// is enabled, the random nonce prefix this connection's Cipher should
// use. The nonce prefix only needs to be established out-of-band; the
// signaling channel already carried here serves that purpose.
type connectDescriptor struct {
	Addr   string `json:"addr"`
	Prefix string `json:"prefix,omitempty"`
}

// Manager drives one room's lifecycle end to end: the JSON-over-WebSocket
// rendezvous of package signaling, and the direct QUIC peer connections
// of package transport, owning the interplay between the two. A Manager
// hosts or joins exactly one room at a time, the natural scope of a
// single CLI invocation.
type Manager struct {
	worker.Worker

	sig *signaling.Client
	cfg config.Config
	log *charm.Logger

	listener *transport.Listener

	mu             sync.Mutex
	selfPeerID     string
	room           *Room
	pendingCiphers map[string]*wire.Cipher

	roomJoinedCh chan signaling.RoomJoinedPayload
	peerJoinedCh chan signaling.PeerJoinedPayload
	offerCh      chan signaling.SDPPayload
}

// NewManager prepares a Manager bound to a signaling server and a local
// QUIC listen address. listenAddr may be "" (ephemeral port); it is only
// ever dialed to by peers joining a room this Manager hosts.
func NewManager(signalingURL, listenAddr string, cfg config.Config, log *charm.Logger) (*Manager, error) {
	listener, err := transport.Listen(listenAddr, nil, nil)
	if err != nil {
		return nil, err
	}
	return &Manager{
		sig:            signaling.NewClient(signalingURL, log),
		cfg:            cfg,
		log:            log.WithPrefix("manager"),
		listener:       listener,
		pendingCiphers: make(map[string]*wire.Cipher),
		roomJoinedCh:   make(chan signaling.RoomJoinedPayload, 1),
		peerJoinedCh:   make(chan signaling.PeerJoinedPayload, 16),
		offerCh:        make(chan signaling.SDPPayload, 4),
	}, nil
}

// Start connects to the signaling server and begins dispatching inbound
// envelopes and accepting inbound peer connections. Call before HostRoom
// or JoinRoom.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.sig.Connect(ctx); err != nil {
		return err
	}
	m.Go(func() { m.dispatchLoop(ctx) })
	m.Go(func() { m.acceptLoop(ctx) })
	return nil
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	for {
		select {
		case env, ok := <-m.sig.Incoming():
			if !ok {
				return
			}
			m.handleEnvelope(env)
		case <-ctx.Done():
			return
		case <-m.HaltCh():
			return
		}
	}
}

func (m *Manager) handleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.TagRoomJoined:
		p, err := signaling.DecodeRoomJoined(env)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.selfPeerID = p.PeerID
		m.mu.Unlock()
		select {
		case m.roomJoinedCh <- p:
		default:
		}
	case signaling.TagPeerJoined:
		p, err := signaling.DecodePeerJoined(env)
		if err != nil {
			return
		}
		select {
		case m.peerJoinedCh <- p:
		default:
		}
	case signaling.TagOffer:
		p, err := signaling.DecodeSDP(env)
		if err != nil {
			return
		}
		m.mu.Lock()
		self := m.selfPeerID
		m.mu.Unlock()
		if p.Target == self {
			select {
			case m.offerCh <- p:
			default:
			}
		}
	case signaling.TagReceiverComplete:
		p, err := signaling.DecodeReceiverComplete(env)
		if err != nil {
			return
		}
		if room := m.getRoom(); room != nil {
			room.MarkPeerComplete(p.PeerID, p.ActualBytes)
		}
	case signaling.TagError:
		p, _ := signaling.DecodeError(env)
		m.log.Error("signaling server reported an error", "message", p.Message)
	}
}

func (m *Manager) getRoom() *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

func (m *Manager) setRoom(r *Room) {
	m.mu.Lock()
	m.room = r
	m.mu.Unlock()
}

// acceptLoop admits every incoming QUIC connection, demuxing it to the
// hosted room by the handshake peer id the dialing side writes first.
func (m *Manager) acceptLoop(ctx context.Context) {
	for {
		conn, err := m.listener.Accept(ctx)
		if err != nil {
			return
		}
		m.Go(func() { m.handleIncoming(conn) })
	}
}

func (m *Manager) handleIncoming(conn transport.Conn) {
	peerID, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}
	m.mu.Lock()
	cipher := m.pendingCiphers[peerID]
	delete(m.pendingCiphers, peerID)
	room := m.room
	m.mu.Unlock()

	if room == nil {
		conn.Close()
		return
	}
	if err := writeManifestFrame(conn, room.Manifest); err != nil {
		conn.Close()
		return
	}
	if err := room.Join(peerID, conn, cipher); err != nil {
		conn.Close()
	}
}

// HostRoom mints a fresh room id, registers as its owner with the
// signaling server, and begins answering joiners with direct QUIC offers.
// The returned Room is already Open and admitting peers.
func (m *Manager) HostRoom(ctx context.Context, man manifest.Manifest, policy manifest.AdmissionPolicy, source SourceFactory) (*Room, error) {
	roomID, err := manifest.NewRoomID()
	if err != nil {
		return nil, err
	}
	env, err := signaling.JoinRoom(roomID)
	if err != nil {
		return nil, err
	}
	if err := m.sig.Send(env); err != nil {
		return nil, err
	}

	var ownerID string
	select {
	case p := <-m.roomJoinedCh:
		ownerID = p.PeerID
	case <-time.After(m.cfg.ConnectTimeout):
		return nil, errcode.New(errcode.SignalingUnavailable, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	room := NewRoom(roomID, ownerID, man, policy, m.cfg, source, m.log)
	room.Open()
	m.setRoom(room)
	m.Go(func() { m.hostJoinLoop(ctx) })
	return room, nil
}

// hostJoinLoop answers every PeerJoined notification with an Offer
// carrying this host's listen address (and, under encryption, a fresh
// per-peer nonce prefix); handleIncoming completes the admission once
// the joiner dials back in.
func (m *Manager) hostJoinLoop(ctx context.Context) {
	for {
		select {
		case p := <-m.peerJoinedCh:
			room := m.getRoom()
			if room == nil {
				continue
			}
			m.offerTo(room.ID, p.PeerID)
		case <-ctx.Done():
			return
		case <-m.HaltCh():
			return
		}
	}
}

func (m *Manager) offerTo(roomID, peerID string) {
	desc := connectDescriptor{Addr: m.listener.Addr().String()}
	var cipher *wire.Cipher
	if m.cfg.Encryption.Enabled {
		prefix, err := wire.NewRandomPrefix()
		if err != nil {
			m.log.Error("failed to mint session nonce prefix", "err", err)
			return
		}
		c, err := wire.NewCipher(m.cfg.Encryption.Key, prefix)
		if err != nil {
			m.log.Error("failed to construct peer cipher", "err", err)
			return
		}
		cipher = c
		desc.Prefix = fmt.Sprintf("%x", prefix)
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.pendingCiphers[peerID] = cipher
	m.mu.Unlock()

	env, err := signaling.Offer(roomID, peerID, string(raw))
	if err != nil {
		return
	}
	if err := m.sig.Send(env); err != nil {
		m.log.Error("failed to send offer", "peer_id", peerID, "err", err)
	}
}

// JoinRoom joins roomID as a guest, dials the host's direct QUIC listener
// once its Offer arrives, exchanges the manifest, and returns a Receiver
// ready to Run.
func (m *Manager) JoinRoom(ctx context.Context, roomID, saveDir string) (*Receiver, error) {
	env, err := signaling.JoinRoom(roomID)
	if err != nil {
		return nil, err
	}
	if err := m.sig.Send(env); err != nil {
		return nil, err
	}

	var selfID string
	select {
	case p := <-m.roomJoinedCh:
		selfID = p.PeerID
	case <-time.After(m.cfg.ConnectTimeout):
		return nil, errcode.New(errcode.SignalingUnavailable, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var offer signaling.SDPPayload
	select {
	case offer = <-m.offerCh:
	case <-time.After(m.cfg.ConnectTimeout):
		return nil, errcode.New(errcode.PeerUnreachable, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var desc connectDescriptor
	if err := json.Unmarshal([]byte(offer.SDP), &desc); err != nil {
		return nil, errcode.New(errcode.ManifestMismatch, err)
	}

	conn, err := transport.Dial(ctx, desc.Addr, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshake(conn, selfID); err != nil {
		conn.Close()
		return nil, err
	}

	var cipher *wire.Cipher
	if m.cfg.Encryption.Enabled && desc.Prefix != "" {
		var prefix [4]byte
		raw, err := hex.DecodeString(desc.Prefix)
		if err == nil && len(raw) != len(prefix) {
			err = fmt.Errorf("nonce prefix is %d bytes, want %d", len(raw), len(prefix))
		}
		if err != nil {
			conn.Close()
			return nil, errcode.New(errcode.KeyCorruption, err)
		}
		copy(prefix[:], raw)
		c, err := wire.NewCipher(m.cfg.Encryption.Key, prefix)
		if err != nil {
			conn.Close()
			return nil, err
		}
		cipher = c
	}

	man, err := readManifestFrame(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	recv, err := NewReceiver("sender", conn, cipher, man, saveDir, m.cfg, m.log, m.sig, selfID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return recv, nil
}

// Close halts the manager's background loops, the signaling client and
// its listener, and the active room, if any.
func (m *Manager) Close() {
	m.Halt()
	m.sig.Close()
	m.listener.Close()
	if room := m.getRoom(); room != nil {
		room.Close()
	}
	m.Wait()
}

func writeManifestFrame(conn transport.Conn, man manifest.Manifest) error {
	payload, err := man.Marshal()
	if err != nil {
		return err
	}
	pkt := wire.Encode(wire.Header{FileIndex: manifestFileIndex}, payload)
	if _, err := conn.Write(pkt); err != nil {
		return errcode.New(errcode.ConnectionLost, err)
	}
	return nil
}

func readManifestFrame(conn transport.Conn) (manifest.Manifest, error) {
	header := make([]byte, wire.HeaderLen)
	if _, err := readFull(conn, header); err != nil {
		return manifest.Manifest{}, errcode.New(errcode.ConnectionLost, err)
	}
	h, err := wire.PeekHeader(header)
	if err != nil {
		return manifest.Manifest{}, err
	}
	if h.FileIndex != manifestFileIndex {
		return manifest.Manifest{}, errcode.New(errcode.UnexpectedMessage, nil)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := readFull(conn, payload); err != nil {
		return manifest.Manifest{}, errcode.New(errcode.ConnectionLost, err)
	}
	if wire.ChecksumPayload(payload) != h.CRC32 {
		return manifest.Manifest{}, errcode.New(errcode.ChecksumMismatch, nil)
	}
	return manifest.Unmarshal(payload)
}

// writeHandshake/readHandshake exchange the dialing peer's id as the
// first bytes on a freshly opened stream, before any wire-framed traffic,
// so the host's accept loop can demux the connection to the right
// pending join.
func writeHandshake(conn transport.Conn, peerID string) error {
	b := []byte(peerID)
	if len(b) > 0xFFFF {
		return errcode.New(errcode.MalformedFrame, nil)
	}
	buf := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(b)))
	copy(buf[2:], b)
	if _, err := conn.Write(buf); err != nil {
		return errcode.New(errcode.ConnectionLost, err)
	}
	return nil
}

func readHandshake(conn transport.Conn) (string, error) {
	lenBuf := make([]byte, 2)
	if _, err := readFull(conn, lenBuf); err != nil {
		return "", errcode.New(errcode.ConnectionLost, err)
	}
	n := binary.BigEndian.Uint16(lenBuf)
	buf := make([]byte, n)
	if _, err := readFull(conn, buf); err != nil {
		return "", errcode.New(errcode.ConnectionLost, err)
	}
	return string(buf), nil
}
