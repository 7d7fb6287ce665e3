// SPDX-License-Identifier: AGPL-3.0-only
package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/shareswarm/engine/errcode"
)

// NonceLen, TagLen are fixed by AES-256-GCM: a 96-bit nonce (4-byte
// random session prefix || 8-byte monotonic counter) and a 128-bit
// authentication tag. The nonce itself is never put on the wire: both
// ends derive it from their own call-order counter, relying on the
// underlying QUIC stream's reliable, in-order delivery to keep sender and
// receiver counters in lockstep.
const (
	NonceLen    = 12
	noncePrefix = 4
	TagLen      = 16
	KeyLen      = 32
)

// Cipher seals and opens wire packets with AES-256-GCM using a
// deterministic nonce construction. The session key is held in a
// memguard.LockedBuffer so it is not swappable to disk and is wiped on
// Close. sendCounter and recvCounter are independent: one Cipher instance
// is never used to both seal and open in the same direction, but the two
// counters are kept separate regardless so a future bidirectional use
// can't cross-contaminate them.
type Cipher struct {
	mu          sync.Mutex
	key         *memguard.LockedBuffer
	prefix      [noncePrefix]byte
	aead        cipher.AEAD
	sendCounter uint64 // next counter to use when sealing
	recvCounter uint64 // next counter expected when opening
}

// NewCipher constructs a Cipher from a 32-byte AES-256 key and 4-byte
// random session prefix established out-of-band.
func NewCipher(key [KeyLen]byte, prefix [4]byte) (*Cipher, error) {
	locked := memguard.NewBufferFromBytes(key[:])
	block, err := aes.NewCipher(locked.Bytes())
	if err != nil {
		locked.Destroy()
		return nil, errcode.New(errcode.KeyCorruption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		locked.Destroy()
		return nil, errcode.New(errcode.KeyCorruption, err)
	}
	return &Cipher{
		key:    locked,
		prefix: prefix,
		aead:   aead,
	}, nil
}

// NewRandomPrefix generates the 4-byte random session prefix component of
// the nonce.
func NewRandomPrefix() ([4]byte, error) {
	var p [4]byte
	if _, err := rand.Read(p[:]); err != nil {
		return p, errcode.New(errcode.IoError, err)
	}
	return p, nil
}

// Close wipes the locked key buffer. The Cipher must not be used after
// Close.
func (c *Cipher) Close() {
	c.key.Destroy()
}

func (c *Cipher) nonce(counter uint64) [NonceLen]byte {
	var n [NonceLen]byte
	copy(n[:noncePrefix], c.prefix[:])
	binary.LittleEndian.PutUint64(n[noncePrefix:], counter)
	return n
}

// Seal frames header+payload via Encode's layout, then replaces the
// payload with its AEAD ciphertext+tag. The 22-byte header is sent in the
// clear and used as associated data. The nonce is never written to the
// wire: the sealed frame is exactly header||ciphertext+tag, matching the
// on-wire encrypted frame shape.
func (c *Cipher) Seal(h Header, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendCounter == ^uint64(0) {
		return nil, errcode.New(errcode.CounterOverflow, nil)
	}

	h.PayloadLen = uint32(len(payload))
	h.CRC32 = ChecksumPayload(payload)

	headerBytes := make([]byte, HeaderLen)
	putHeader(headerBytes, h)

	nonce := c.nonce(c.sendCounter)
	c.sendCounter++

	ciphertext := c.aead.Seal(nil, nonce[:], payload, headerBytes)

	out := make([]byte, HeaderLen+len(ciphertext))
	copy(out[:HeaderLen], headerBytes)
	copy(out[HeaderLen:], ciphertext)
	return out, nil
}

// Open reverses Seal: it parses the clear header, reconstructs the nonce
// from its own next-expected counter (rather than reading one off the
// wire), and verifies+decrypts the AEAD payload. Because the nonce is
// derived from call order rather than a transmitted value, Open must be
// called in exactly the order the peer called Seal; the reliable,
// in-order QUIC stream this runs over guarantees that. A replayed or
// reordered frame decrypts against the wrong counter and fails
// authentication rather than being silently accepted.
func (c *Cipher) Open(wireBytes []byte) (Header, []byte, error) {
	if len(wireBytes) < HeaderLen+TagLen {
		return Header{}, nil, errcode.New(errcode.MalformedFrame, nil)
	}
	headerBytes := wireBytes[:HeaderLen]
	h := getHeader(headerBytes)
	ciphertext := wireBytes[HeaderLen:]

	c.mu.Lock()
	if c.recvCounter == ^uint64(0) {
		c.mu.Unlock()
		return Header{}, nil, errcode.New(errcode.CounterOverflow, nil)
	}
	nonce := c.nonce(c.recvCounter)
	c.mu.Unlock()

	plaintext, err := c.aead.Open(nil, nonce[:], ciphertext, headerBytes)
	if err != nil {
		return Header{}, nil, errcode.New(errcode.AuthenticationFailure, err)
	}

	if uint32(len(plaintext)) != h.PayloadLen {
		return Header{}, nil, errcode.New(errcode.MalformedFrame, nil)
	}
	if ChecksumPayload(plaintext) != h.CRC32 {
		return Header{}, nil, errcode.New(errcode.ChecksumMismatch, nil)
	}

	c.mu.Lock()
	c.recvCounter++
	c.mu.Unlock()

	return h, plaintext, nil
}
