// SPDX-License-Identifier: AGPL-3.0-only

// Package producer implements the chunk producer: it pulls bytes from a
// file or the ZIP64 packager, and emits fully framed, optionally
// encrypted wire packets sized by the congestion controller. Blocking
// file I/O is kept off the hot path by a double-buffered prefetch,
// following a channel-pipeline idiom (a depth-2 channel of filled
// buffers lets one half drain while a background worker.Worker goroutine
// fills the other) rather than a hand-rolled condvar-swapped pair of
// slices.
package producer

import (
	"io"

	"github.com/shareswarm/engine/internal/worker"
)

// DefaultHalfSize is the default size of each double-buffer half (8 MiB).
const DefaultHalfSize = 8 * 1 << 20

// doubleBuffer prefetches fixed-size slabs from source on a background
// goroutine, handing them off through a depth-2 channel so the consumer
// never blocks on file I/O while a previously filled slab is available.
type doubleBuffer struct {
	worker.Worker

	source   io.Reader
	halfSize int

	ready chan []byte

	errCh chan error
	err   error
}

func newDoubleBuffer(source io.Reader, halfSize int) *doubleBuffer {
	if halfSize <= 0 {
		halfSize = DefaultHalfSize
	}
	db := &doubleBuffer{
		source:   source,
		halfSize: halfSize,
		ready:    make(chan []byte, 2),
		errCh:    make(chan error, 1),
	}
	db.Go(db.fillLoop)
	return db
}

func (db *doubleBuffer) fillLoop() {
	for {
		buf := make([]byte, db.halfSize)
		n, err := io.ReadFull(db.source, buf)
		if n > 0 {
			select {
			case db.ready <- buf[:n]:
			case <-db.HaltCh():
				return
			}
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			db.errCh <- err
			close(db.ready)
			return
		}
	}
}

// Close halts the background fill goroutine. Safe to call more than once.
func (db *doubleBuffer) Close() {
	db.Halt()
}
