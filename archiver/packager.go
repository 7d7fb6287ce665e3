// SPDX-License-Identifier: AGPL-3.0-only

// Package archiver implements a ZIP64 streaming packager: an ordered
// file sequence is turned into a single lazy STORE-mode ZIP64 byte
// stream. It wraps the standard library's archive/zip, which already
// emits ZIP64 extra fields and a trailing data descriptor for entries
// whose size isn't fixed up front — see DESIGN.md for why this is the
// correct idiomatic choice over a hand-rolled or third-party ZIP
// writer.
package archiver

import (
	"archive/zip"
	"io"
	"time"

	"github.com/shareswarm/engine/errcode"
	"github.com/shareswarm/engine/internal/worker"
	"github.com/shareswarm/engine/manifest"
)

const (
	// DefaultHighWaterMark and DefaultLowWaterMark are the packager's
	// internal queue bounds, distinct from the transport congestion
	// controller's high/low water marks.
	DefaultHighWaterMark = 32 * 1 << 20
	DefaultLowWaterMark  = 8 * 1 << 20
)

// Packager turns an ordered sequence of manifest.FileSource into a single
// STORE-mode ZIP64 stream, available for pull-driven reads via Output().
type Packager struct {
	worker.Worker

	pipe      *boundedPipe
	doneCh    chan struct{}
	err       error
	byteCount int64
}

// NewPackager starts packaging files in the background. The caller reads
// the archive bytes from Output() and should call Wait()/Err() after the
// reader reaches EOF to check for a PackagingFailed abort.
func NewPackager(files []manifest.FileSource, highWater, lowWater int) *Packager {
	if highWater <= 0 {
		highWater = DefaultHighWaterMark
	}
	if lowWater <= 0 {
		lowWater = DefaultLowWaterMark
	}
	p := &Packager{
		pipe:   newBoundedPipe(highWater, lowWater),
		doneCh: make(chan struct{}),
	}
	p.Go(func() { p.run(files) })
	return p
}

// Output returns the packager's pull-driven output stream.
func (p *Packager) Output() io.Reader { return p.pipe }

// Finished is closed once packaging has completed (successfully or not).
func (p *Packager) Finished() <-chan struct{} { return p.doneCh }

// Err returns the packaging error, if any, valid only after Finished() closes.
func (p *Packager) Err() error { return p.err }

// BytesWritten reports the total archive bytes produced so far.
func (p *Packager) BytesWritten() int64 { return p.byteCount }

func (p *Packager) run(files []manifest.FileSource) {
	defer close(p.doneCh)

	zw := zip.NewWriter(&countingWriter{w: p.pipe, n: &p.byteCount})
	for _, f := range files {
		if p.haltRequested() {
			p.abort(errcode.New(errcode.TransferAborted, nil))
			return
		}
		rel, err := manifest.NormalizePath(f.RelativePath())
		if err != nil {
			p.abort(err)
			return
		}
		fh := &zip.FileHeader{
			Name:     rel,
			Method:   zip.Store,
			Modified: time.Now(),
		}
		w, err := zw.CreateHeader(fh)
		if err != nil {
			p.abort(errcode.New(errcode.PackagingFailed, err))
			return
		}
		rc, err := f.OpenStream(0)
		if err != nil {
			p.abort(errcode.New(errcode.PackagingFailed, err))
			return
		}
		_, copyErr := io.Copy(w, rc)
		rc.Close()
		if copyErr != nil {
			p.abort(errcode.New(errcode.PackagingFailed, copyErr))
			return
		}
	}
	if err := zw.Close(); err != nil {
		p.abort(errcode.New(errcode.PackagingFailed, err))
		return
	}
	p.pipe.closeWithError(nil)
}

func (p *Packager) haltRequested() bool {
	select {
	case <-p.HaltCh():
		return true
	default:
		return false
	}
}

// abort discards partial output and surfaces err to the reader side: if
// an input stream errors mid-entry, the whole archive is aborted with
// PackagingFailed and partial output is discarded.
func (p *Packager) abort(err error) {
	p.err = err
	p.pipe.mu.Lock()
	p.pipe.buf.Reset()
	p.pipe.mu.Unlock()
	p.pipe.closeWithError(err)
}

// countingWriter tracks total bytes written to the underlying pipe so
// BytesWritten can report archive progress without peeking at zip.Writer
// internals.
type countingWriter struct {
	w io.Writer
	n *int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	*c.n += int64(n)
	return n, err
}
