// SPDX-License-Identifier: AGPL-3.0-only
package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == TagJoinRoom {
				joined, _ := newEnvelope(TagRoomJoined, RoomJoinedPayload{RoomID: "abc123", PeerID: "peer-1"})
				if err := conn.WriteJSON(joined); err != nil {
					return
				}
				continue
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}))
}

func TestClientJoinRoomRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	env, err := JoinRoom("abc123")
	require.NoError(t, err)
	require.NoError(t, c.Send(env))

	select {
	case reply := <-c.Incoming():
		require.Equal(t, TagRoomJoined, reply.Type)
		p, err := DecodeRoomJoined(reply)
		require.NoError(t, err)
		require.Equal(t, "abc123", p.RoomID)
		require.Equal(t, "peer-1", p.PeerID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RoomJoined")
	}
}

func TestClientEchoesOfferEnvelope(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	env, err := Offer("abc123", "peer-2", "v=0...")
	require.NoError(t, err)
	require.NoError(t, c.Send(env))

	select {
	case reply := <-c.Incoming():
		require.Equal(t, TagOffer, reply.Type)
		p, err := DecodeSDP(reply)
		require.NoError(t, err)
		require.Equal(t, "peer-2", p.Target)
		require.Equal(t, "v=0...", p.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed offer")
	}
}
