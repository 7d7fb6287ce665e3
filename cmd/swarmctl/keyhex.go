// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"encoding/hex"
	"fmt"
)

// parseKeyHex decodes a 64-character hex string into a 32-byte session key.
func parseKeyHex(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("swarmctl: -key is not valid hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("swarmctl: -key must decode to %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
