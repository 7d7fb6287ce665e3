// SPDX-License-Identifier: AGPL-3.0-only

// Package errcode implements a taxonomy of machine-readable error codes,
// each carrying a short English message and a human remediation hint,
// wrapping an inner error exactly as client2/connection.go's
// ConnectError/PKIError/ProtocolError wrap theirs.
package errcode

import "fmt"

// Code is a machine-readable error category.
type Code int

const (
	// Connectivity
	SignalingUnavailable Code = iota
	PeerUnreachable
	ConnectionLost
	Timeout

	// Protocol
	MalformedFrame
	ChecksumMismatch
	AuthenticationFailure
	NonceReplay
	UnexpectedMessage
	ManifestMismatch

	// Resource
	OutOfMemory
	DiskFull
	UnsafePath
	IoError

	// Logical
	RoomFull
	RoomNotFound
	TransferAborted
	AlreadyComplete
	PackagingFailed

	// Fatal
	CounterOverflow
	KeyCorruption
)

var names = map[Code]string{
	SignalingUnavailable:  "SignalingUnavailable",
	PeerUnreachable:       "PeerUnreachable",
	ConnectionLost:        "ConnectionLost",
	Timeout:               "Timeout",
	MalformedFrame:        "MalformedFrame",
	ChecksumMismatch:      "ChecksumMismatch",
	AuthenticationFailure: "AuthenticationFailure",
	NonceReplay:           "NonceReplay",
	UnexpectedMessage:     "UnexpectedMessage",
	ManifestMismatch:      "ManifestMismatch",
	OutOfMemory:           "OutOfMemory",
	DiskFull:              "DiskFull",
	UnsafePath:            "UnsafePath",
	IoError:               "IoError",
	RoomFull:              "RoomFull",
	RoomNotFound:          "RoomNotFound",
	TransferAborted:       "TransferAborted",
	AlreadyComplete:       "AlreadyComplete",
	PackagingFailed:       "PackagingFailed",
	CounterOverflow:       "CounterOverflow",
	KeyCorruption:         "KeyCorruption",
}

var hints = map[Code]string{
	SignalingUnavailable:  "check network: the signaling server could not be reached",
	PeerUnreachable:       "check network: sender may be offline",
	ConnectionLost:        "check network and retry the transfer",
	Timeout:               "check network: the peer did not respond in time",
	MalformedFrame:        "the peer sent a corrupt packet; disconnecting it",
	ChecksumMismatch:      "a chunk failed its checksum and will be re-requested",
	AuthenticationFailure: "the connection appears tampered with; session aborted",
	NonceReplay:           "a duplicate packet counter was observed; session aborted",
	UnexpectedMessage:     "the peer sent an out-of-protocol message",
	ManifestMismatch:      "the peer's manifest does not match the room's manifest",
	OutOfMemory:           "free up memory and retry",
	DiskFull:              "free disk space and retry",
	UnsafePath:            "the manifest contains an unsafe file path",
	IoError:               "a local file I/O error occurred",
	RoomFull:              "the room has no free direct-peer slots; you are queued",
	RoomNotFound:          "the room id is not known to the signaling server",
	TransferAborted:       "the transfer was aborted",
	AlreadyComplete:       "this transfer has already completed",
	PackagingFailed:       "packaging the files into an archive failed; the transfer was aborted",
	CounterOverflow:       "the session nonce counter is exhausted; reconnect to start a new session",
	KeyCorruption:         "the session key material is corrupted; reconnect to start a new session",
}

// SwarmError is the typed error surfaced to driver code across this module.
type SwarmError struct {
	Code Code
	Err  error
}

func (e *SwarmError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", names[e.Code], e.Err)
	}
	return names[e.Code]
}

func (e *SwarmError) Unwrap() error { return e.Err }

// Hint returns the human-readable remediation string for the error's code.
func (e *SwarmError) Hint() string { return hints[e.Code] }

// New builds a SwarmError wrapping err under code. err may be nil.
func New(code Code, err error) *SwarmError {
	return &SwarmError{Code: code, Err: err}
}

// Newf builds a SwarmError from a formatted message.
func Newf(code Code, format string, args ...interface{}) *SwarmError {
	return &SwarmError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Fatal reports whether a code represents a condition that must force
// session termination rather than a retry or a per-peer drop.
func Fatal(code Code) bool {
	return code == CounterOverflow || code == KeyCorruption ||
		code == AuthenticationFailure || code == NonceReplay
}
