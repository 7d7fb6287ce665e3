// SPDX-License-Identifier: AGPL-3.0-only
package producer

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shareswarm/engine/wire"
)

type fixedSizer struct{ size int }

func (f fixedSizer) ChunkSize() int { return f.size }

func TestSingleSmallFileProducesOnePacket(t *testing.T) {
	payload := []byte("hello, swarm")
	p := NewProducer(bytes.NewReader(payload), 0, 0, fixedSizer{size: 64 * 1024}, nil)

	batch, err := p.NextBatch(4)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.False(t, p.IsExhausted())

	h, got, err := wire.Decode(batch[0])
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, uint16(0), h.FileIndex)
	require.Equal(t, uint32(0), h.ChunkSequence)
	require.Equal(t, uint64(0), h.AbsoluteOffset)

	more, err := p.NextBatch(4)
	require.NoError(t, err)
	require.Empty(t, more)
	require.True(t, p.IsExhausted())
}

func TestMultiChunkFileSplitsByChunkSize(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 10)
	p := NewProducer(bytes.NewReader(payload), 0, 3, fixedSizer{size: 4}, nil)

	batch, err := p.NextBatch(10)
	require.NoError(t, err)
	require.Len(t, batch, 3) // 4 + 4 + 2 bytes

	var reassembled []byte
	var lastSeq uint32
	for i, raw := range batch {
		h, data, err := wire.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, uint16(3), h.FileIndex)
		if i > 0 {
			require.Equal(t, lastSeq+1, h.ChunkSequence)
		}
		lastSeq = h.ChunkSequence
		reassembled = append(reassembled, data...)
	}
	require.Equal(t, payload, reassembled)
	require.True(t, p.IsExhausted())
}

func TestEncryptedProducerSealsPackets(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	prefix, err := wire.NewRandomPrefix()
	require.NoError(t, err)
	sendCipher, err := wire.NewCipher(key, prefix)
	require.NoError(t, err)
	recvCipher, err := wire.NewCipher(key, prefix)
	require.NoError(t, err)
	defer sendCipher.Close()
	defer recvCipher.Close()

	payload := []byte("secret bytes")
	p := NewProducer(bytes.NewReader(payload), 0, 0, fixedSizer{size: 64}, sendCipher)

	batch, err := p.NextBatch(1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	_, got, err := recvCipher.Open(batch[0])
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestShardedProducersPartitionSequenceSpace(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 40)
	stream := NewStream(bytes.NewReader(payload), 0)
	sizer := fixedSizer{size: 4}

	shard0 := stream.Shard(0, sizer, nil, 2, 0)
	shard1 := stream.Shard(0, sizer, nil, 2, 1)

	var even, odd [][]byte
	for !shard0.IsExhausted() || !shard1.IsExhausted() {
		b0, err := shard0.NextBatch(1)
		require.NoError(t, err)
		even = append(even, b0...)

		b1, err := shard1.NextBatch(1)
		require.NoError(t, err)
		odd = append(odd, b1...)
	}

	for _, raw := range even {
		h, _, err := wire.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, uint32(0), h.ChunkSequence%2)
	}
	for _, raw := range odd {
		h, _, err := wire.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, uint32(1), h.ChunkSequence%2)
	}
	require.Equal(t, 10, len(even)+len(odd)) // 40 bytes / 4-byte chunks
}

func TestProducerSurfacesIOErrors(t *testing.T) {
	p := NewProducer(&erroringReader{}, 0, 0, fixedSizer{size: 16}, nil)
	_, err := p.NextBatch(1)
	require.Error(t, err)
}

type erroringReader struct{}

func (e *erroringReader) Read([]byte) (int, error) {
	return 0, io.ErrClosedPipe
}
