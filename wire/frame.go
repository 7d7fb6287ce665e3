// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the framing and crypto codec: a 22-byte
// little-endian header, CRC-32 payload integrity, and optional
// AES-256-GCM sealing with a deterministic nonce. Framing is pure and
// allocates at most one output buffer of known size, following the
// txFrame/readFrame shape of stream/stream.go (there implemented with
// cbor + secretbox; here the wire format and AEAD are fixed directly).
package wire

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/shareswarm/engine/errcode"
)

// HeaderLen is the fixed size of the plaintext wire header in bytes.
const HeaderLen = 22

// Header carries the per-packet framing metadata.
type Header struct {
	FileIndex      uint16
	ChunkSequence  uint32
	AbsoluteOffset uint64
	PayloadLen     uint32
	CRC32          uint32
}

// crcTable uses the standard IEEE polynomial (0xEDB88320), matching
// hash/crc32.IEEETable, the standard library's implementation of the
// exact polynomial this codec requires, rather than a third-party CRC
// package.
var crcTable = crc32.IEEETable

// ChecksumPayload computes the CRC-32 of a payload.
func ChecksumPayload(payload []byte) uint32 {
	return crc32.Checksum(payload, crcTable)
}

// Encode packs header and payload into a single plaintext wire_bytes
// buffer: HeaderLen bytes of header followed by the payload verbatim. The
// header's CRC32 field is computed from payload if not already set.
func Encode(h Header, payload []byte) []byte {
	h.PayloadLen = uint32(len(payload))
	if h.CRC32 == 0 {
		h.CRC32 = ChecksumPayload(payload)
	}
	out := make([]byte, HeaderLen+len(payload))
	putHeader(out[:HeaderLen], h)
	copy(out[HeaderLen:], payload)
	return out
}

// Decode parses wire_bytes produced by Encode (no encryption layer) back
// into its header and payload, verifying the CRC-32.
func Decode(wireBytes []byte) (Header, []byte, error) {
	if len(wireBytes) < HeaderLen {
		return Header{}, nil, errcode.New(errcode.MalformedFrame, nil)
	}
	h := getHeader(wireBytes[:HeaderLen])
	rest := wireBytes[HeaderLen:]
	if uint64(h.PayloadLen) > uint64(len(rest)) {
		return Header{}, nil, errcode.New(errcode.MalformedFrame, nil)
	}
	payload := rest[:h.PayloadLen]
	if ChecksumPayload(payload) != h.CRC32 {
		return Header{}, nil, errcode.New(errcode.ChecksumMismatch, nil)
	}
	return h, payload, nil
}

// PeekHeader parses just the leading HeaderLen bytes of wireBytes without
// validating payload length or checksum, for callers that need routing
// information (file index, sequence) before deciding how to fully decode
// or seal-verify the packet.
func PeekHeader(wireBytes []byte) (Header, error) {
	if len(wireBytes) < HeaderLen {
		return Header{}, errcode.New(errcode.MalformedFrame, nil)
	}
	return getHeader(wireBytes[:HeaderLen]), nil
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint16(buf[0:2], h.FileIndex)
	binary.LittleEndian.PutUint32(buf[2:6], h.ChunkSequence)
	binary.LittleEndian.PutUint64(buf[6:14], h.AbsoluteOffset)
	binary.LittleEndian.PutUint32(buf[14:18], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[18:22], h.CRC32)
}

func getHeader(buf []byte) Header {
	return Header{
		FileIndex:      binary.LittleEndian.Uint16(buf[0:2]),
		ChunkSequence:  binary.LittleEndian.Uint32(buf[2:6]),
		AbsoluteOffset: binary.LittleEndian.Uint64(buf[6:14]),
		PayloadLen:     binary.LittleEndian.Uint32(buf[14:18]),
		CRC32:          binary.LittleEndian.Uint32(buf[18:22]),
	}
}
