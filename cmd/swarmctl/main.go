// SPDX-License-Identifier: AGPL-3.0-only

// Command swarmctl is a small CLI driver exercising the swarm, signaling,
// and transport packages end to end: host a room from a local file or
// directory, or join one and save its contents to disk.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
)

// Exit codes for a programmatic driver: distinct from errcode.Code, which
// is this engine's internal error taxonomy; these are the coarser result
// categories a calling shell or script observes.
const (
	exitSuccess = iota
	exitUserCancelled
	exitTransferAborted
	exitNetworkUnreachable
	exitUnauthorized
	exitInternal
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitInternal
	}

	switch args[0] {
	case "--version", "-version":
		fmt.Println(versioninfo.Version)
		return exitSuccess
	case "host":
		return runHost(args[1:])
	case "join":
		return runJoin(args[1:])
	default:
		usage()
		return exitInternal
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  swarmctl host [-signaling url] [-listen addr] [-key hex] [-max-peers n] [-v] <path>
  swarmctl join [-signaling url] [-key hex] [-v] <room-id> <save-dir>
  swarmctl --version`)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}
