// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shareswarm/engine/config"
	enginelog "github.com/shareswarm/engine/internal/log"
	"github.com/shareswarm/engine/manifest"
	"github.com/shareswarm/engine/swarm"
)

func runHost(args []string) int {
	fs := newFlagSet("host")
	signalingURL := fs.String("signaling", "ws://127.0.0.1:8080/ws", "signaling server URL")
	listenAddr := fs.String("listen", "", "local QUIC listen address (default: ephemeral port)")
	keyHex := fs.String("key", "", "64 hex character session encryption key (enables wire encryption)")
	maxPeers := fs.Int("max-peers", 0, "maximum concurrent direct peers (0: engine default)")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return exitInternal
	}
	if fs.NArg() != 1 {
		usage()
		return exitInternal
	}
	path := fs.Arg(0)

	cfg := config.Default()
	if *maxPeers > 0 {
		cfg.MaxDirectPeers = *maxPeers
	}
	if *keyHex != "" {
		key, err := parseKeyHex(*keyHex)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitInternal
		}
		cfg.Encryption.Enabled = true
		cfg.Encryption.Key = key
	}

	level := enginelog.LevelInfo
	if *verbose {
		level = enginelog.LevelDebug
	}
	log := enginelog.New(os.Stderr, level)

	man, sources, err := buildManifest(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl: building manifest:", err)
		return exitInternal
	}
	source := newSourceFactory(man, sources)

	policy := manifest.AdmissionPolicy{MaxDirectPeers: cfg.MaxDirectPeers}

	mgr, err := swarm.NewManager(*signalingURL, *listenAddr, cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl: creating manager:", err)
		return exitCodeFor(err)
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl: connecting to signaling server:", err)
		return exitCodeFor(err)
	}

	room, err := mgr.HostRoom(ctx, man, policy, source)
	if err != nil {
		if ctx.Err() != nil {
			return exitUserCancelled
		}
		fmt.Fprintln(os.Stderr, "swarmctl: hosting room:", err)
		return exitCodeFor(err)
	}

	fmt.Printf("room %s is open; share this id with receivers\n", room.ID)

	return watchRoom(ctx, room)
}

func watchRoom(ctx context.Context, room *swarm.Room) int {
	for {
		select {
		case raw, ok := <-room.Events():
			if !ok {
				return exitSuccess
			}
			ev := raw.(swarm.Event)
			switch ev.Kind {
			case swarm.EventPeerJoined:
				fmt.Printf("peer %s joined\n", ev.PeerID)
			case swarm.EventPeerQueued:
				fmt.Printf("peer %s queued\n", ev.PeerID)
			case swarm.EventBatchStarted:
				fmt.Println("batch started")
			case swarm.EventProgress:
				fmt.Printf("peer %s progress %.1f%%\n", ev.PeerID, ev.Progress*100)
			case swarm.EventPeerComplete:
				fmt.Printf("peer %s complete\n", ev.PeerID)
			case swarm.EventPeerDisconnected:
				fmt.Printf("peer %s disconnected\n", ev.PeerID)
			case swarm.EventBatchComplete:
				fmt.Println("batch complete")
			case swarm.EventRoomClosed:
				fmt.Println("room closed")
				return exitSuccess
			case swarm.EventAborted:
				fmt.Fprintln(os.Stderr, "transfer aborted:", ev.Err)
				return exitCodeFor(ev.Err)
			}
		case <-ctx.Done():
			room.Close()
			return exitUserCancelled
		}
	}
}
