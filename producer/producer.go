// SPDX-License-Identifier: AGPL-3.0-only
package producer

import (
	"io"

	"github.com/shareswarm/engine/archiver"
	"github.com/shareswarm/engine/errcode"
	"github.com/shareswarm/engine/manifest"
	"github.com/shareswarm/engine/wire"
)

// ChunkSizer is the subset of congestion.Controller the producer reads
// from on every batch: the current chunk size is re-read from the
// congestion controller before pulling each new batch.
type ChunkSizer interface {
	ChunkSize() int
}

// Stream is one underlying byte source (a single file, or a packager's
// ZIP64 output) shared by every Shard drawn from it via Shard.
type Stream struct {
	core *core
}

// NewStream wraps source as a double-buffered prefetching Stream.
// halfSize <= 0 selects DefaultHalfSize.
func NewStream(source io.Reader, halfSize int) *Stream {
	return &Stream{core: &core{buf: newDoubleBuffer(source, halfSize)}}
}

// NewFileStream opens fs for single-file mode reading starting at byte 0.
// The returned io.Closer must be closed by the caller once the stream is
// fully drained or the transfer is aborted.
func NewFileStream(fs manifest.FileSource, halfSize int) (*Stream, io.Closer, error) {
	rc, err := fs.OpenStream(0)
	if err != nil {
		return nil, nil, err
	}
	return NewStream(rc, halfSize), rc, nil
}

// NewPackagedStream wraps a running ZIP64 Packager's output as a Stream
// for packaged-mode reading: in packaged mode the producer reads from
// the packager's output stream rather than a plain file.
func NewPackagedStream(p *archiver.Packager, halfSize int) *Stream {
	return NewStream(p.Output(), halfSize)
}

// Close halts the Stream's background prefetch goroutine. Any Shard
// drawn from this Stream must not be used afterward.
func (s *Stream) Close() {
	s.core.close()
}

// Shard returns a Producer view over this Stream. totalShards <= 1 means
// the Producer sees every chunk (no sharding); otherwise it only emits
// chunks whose global sequence number satisfies seq % totalShards ==
// shardIndex, discarding the rest as it pulls them off the shared Stream.
func (s *Stream) Shard(fileIndex uint16, sizer ChunkSizer, cipher *wire.Cipher, totalShards, shardIndex int) *Producer {
	if totalShards <= 0 {
		totalShards = 1
	}
	return &Producer{
		core:        s.core,
		fileIndex:   fileIndex,
		sizer:       sizer,
		cipher:      cipher,
		totalShards: totalShards,
		shardIndex:  shardIndex,
	}
}

// NewProducer is a convenience constructor for the common unsharded case:
// one Stream feeding exactly one Producer.
func NewProducer(source io.Reader, halfSize int, fileIndex uint16, sizer ChunkSizer, cipher *wire.Cipher) *Producer {
	return NewStream(source, halfSize).Shard(fileIndex, sizer, cipher, 1, 0)
}

// Producer implements the nextBatch/isExhausted contract. Multiple
// Producers sharing one Stream (via Shard) partition a single underlying
// byte stream among themselves by sequence number.
type Producer struct {
	core *core

	fileIndex uint16
	sizer     ChunkSizer
	cipher    *wire.Cipher

	totalShards int
	shardIndex  int

	exhausted bool
}

// NextBatch returns up to n fully framed (and, if a cipher was supplied,
// AEAD-sealed) wire packets ready for transmission. Fewer than n are
// returned once the stream runs dry; subsequent calls return an empty
// batch with IsExhausted reporting true.
func (p *Producer) NextBatch(n int) ([][]byte, error) {
	if n <= 0 || p.exhausted {
		return nil, nil
	}
	batch := make([][]byte, 0, n)
	for len(batch) < n {
		size := p.chunkSize()
		data, offset, seq, ok, err := p.core.nextChunk(size)
		if err != nil {
			return batch, errcode.New(errcode.IoError, err)
		}
		if !ok {
			p.exhausted = true
			break
		}
		if int(seq)%p.totalShards != p.shardIndex {
			continue
		}
		pkt, err := p.frame(seq, uint64(offset), data)
		if err != nil {
			return batch, err
		}
		batch = append(batch, pkt)
	}
	return batch, nil
}

// IsExhausted reports whether this Producer has observed the end of its
// Stream. Each Shard tracks this on its own: a Shard reports true only
// once one of its own NextBatch calls has found the shared stream drained.
func (p *Producer) IsExhausted() bool {
	return p.exhausted
}

func (p *Producer) chunkSize() int {
	if p.sizer == nil {
		return DefaultHalfSize / 512 // a conservative fallback chunk size
	}
	return p.sizer.ChunkSize()
}

func (p *Producer) frame(seq uint32, offset uint64, data []byte) ([]byte, error) {
	h := wire.Header{
		FileIndex:      p.fileIndex,
		ChunkSequence:  seq,
		AbsoluteOffset: offset,
	}
	if p.cipher != nil {
		return p.cipher.Seal(h, data)
	}
	return wire.Encode(h, data), nil
}
