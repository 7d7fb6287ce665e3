// SPDX-License-Identifier: AGPL-3.0-only
package archiver

import (
	"bytes"
	"io"
	"sync"
)

// boundedPipe is a pull-driven, backpressured byte stream: the producer
// side (zip.Writer) pauses once buffered bytes exceed highWater and
// resumes once a consumer has drained it below lowWater, so the packager
// never allocates unboundedly when downstream is slow.
type boundedPipe struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	buf            bytes.Buffer
	high, low      int
	closed         bool
	closeErr       error
}

func newBoundedPipe(high, low int) *boundedPipe {
	p := &boundedPipe{high: high, low: low}
	p.notFull = sync.NewCond(&p.mu)
	p.notEmpty = sync.NewCond(&p.mu)
	return p
}

// Write implements io.Writer for the zip.Writer producer side.
func (p *boundedPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	written := 0
	for written < len(b) {
		for p.buf.Len() >= p.high && !p.closed {
			p.notFull.Wait()
		}
		if p.closed {
			return written, io.ErrClosedPipe
		}
		// cap this slice so we re-check the high-water mark periodically
		// rather than growing the buffer unbounded in one call.
		room := p.high - p.buf.Len()
		chunk := b[written:]
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		n, _ := p.buf.Write(chunk)
		written += n
		p.notEmpty.Signal()
	}
	return written, nil
}

// Read implements io.Reader for the Chunk Producer consumer side.
func (p *boundedPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.buf.Len() == 0 && !p.closed {
		p.notEmpty.Wait()
	}
	if p.buf.Len() == 0 {
		if p.closeErr != nil {
			return 0, p.closeErr
		}
		return 0, io.EOF
	}
	n, _ := p.buf.Read(b)
	if p.buf.Len() <= p.low {
		p.notFull.Signal()
	}
	return n, nil
}

// closeWithError marks the pipe closed; closeErr (if non-nil) is returned
// from Read once the buffer drains, otherwise io.EOF is returned.
func (p *boundedPipe) closeWithError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeErr = err
	p.notFull.Broadcast()
	p.notEmpty.Broadcast()
}

// bufferedBytes reports the current queue depth, for tests/metrics.
func (p *boundedPipe) bufferedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}
