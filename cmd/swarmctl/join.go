// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shareswarm/engine/config"
	enginelog "github.com/shareswarm/engine/internal/log"
	"github.com/shareswarm/engine/swarm"
)

func runJoin(args []string) int {
	fs := newFlagSet("join")
	signalingURL := fs.String("signaling", "ws://127.0.0.1:8080/ws", "signaling server URL")
	keyHex := fs.String("key", "", "64 hex character session encryption key, matching the host's")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return exitInternal
	}
	if fs.NArg() != 2 {
		usage()
		return exitInternal
	}
	roomID := fs.Arg(0)
	saveDir := fs.Arg(1)

	cfg := config.Default()
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

	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl: preparing save directory:", err)
		return exitInternal
	}

	mgr, err := swarm.NewManager(*signalingURL, "", cfg, log)
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

	recv, err := mgr.JoinRoom(ctx, roomID, saveDir)
	if err != nil {
		if ctx.Err() != nil {
			return exitUserCancelled
		}
		fmt.Fprintln(os.Stderr, "swarmctl: joining room:", err)
		return exitCodeFor(err)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- recv.Run() }()

	code := watchReceiver(ctx, recv)
	if runErr := <-runErrCh; runErr != nil && code == exitSuccess {
		code = exitCodeFor(runErr)
	}
	return code
}

func watchReceiver(ctx context.Context, recv *swarm.Receiver) int {
	for {
		select {
		case raw, ok := <-recv.Events():
			if !ok {
				return exitSuccess
			}
			ev := raw.(swarm.Event)
			switch ev.Kind {
			case swarm.EventProgress:
				fmt.Printf("progress %.1f%% (%d bytes)\n", ev.Progress*100, ev.Bytes)
			case swarm.EventPeerComplete, swarm.EventBatchComplete:
				fmt.Println("transfer complete")
			case swarm.EventRoomClosed:
				return exitSuccess
			case swarm.EventAborted:
				fmt.Fprintln(os.Stderr, "transfer aborted:", ev.Err)
				return exitCodeFor(ev.Err)
			}
		case <-ctx.Done():
			return exitUserCancelled
		}
	}
}
