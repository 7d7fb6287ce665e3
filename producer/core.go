// SPDX-License-Identifier: AGPL-3.0-only
package producer

import (
	"io"
	"sync"
)

// core is the shared chunk source behind a Stream: a single sequence
// counter and absolute-offset cursor over one underlying byte stream,
// safe for concurrent use by every Shard drawn from the same Stream.
// Sequence numbers remain globally monotonic across shards.
type core struct {
	mu sync.Mutex

	buf *doubleBuffer

	pending    []byte
	exhausted  bool
	exhaustErr error

	absoluteOffset int64
	seq            uint32
}

// nextChunk pulls up to maxSize bytes from the shared stream, assigning
// the next global sequence number and absolute offset. ok is false once
// the stream is fully drained; err is non-nil only on a genuine I/O
// failure (a clean EOF reports ok=false, err=nil).
func (c *core) nextChunk(maxSize int) (data []byte, offset int64, seq uint32, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pending) == 0 {
		if c.exhausted {
			return nil, 0, 0, false, c.exhaustErr
		}
		half, open := <-c.buf.ready
		if !open {
			select {
			case e := <-c.buf.errCh:
				if e != nil && e != io.EOF {
					c.exhaustErr = e
				}
			default:
			}
			c.exhausted = true
			return nil, 0, 0, false, c.exhaustErr
		}
		c.pending = half
	}

	n := maxSize
	if n > len(c.pending) {
		n = len(c.pending)
	}
	chunk := c.pending[:n]
	c.pending = c.pending[n:]

	off := c.absoluteOffset
	c.absoluteOffset += int64(n)
	s := c.seq
	c.seq++
	return chunk, off, s, true, nil
}

// close halts the background prefetch goroutine.
func (c *core) close() {
	c.buf.Close()
}
