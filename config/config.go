// SPDX-License-Identifier: AGPL-3.0-only

// Package config holds the engine's tunable parameters, loadable from an
// optional TOML file via BurntSushi/toml.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	KiB = 1 << 10
	MiB = 1 << 20
)

// Encryption holds the out-of-band session key material required when
// Config.Encryption is enabled.
type Encryption struct {
	Enabled bool
	Key     [32]byte
	Prefix  [4]byte
}

// Config is the full set of recognized options. Every field has a sane
// default via Default().
type Config struct {
	MaxDirectPeers     int
	PieceSize          int64
	MaxPendingRequests int

	ChunkSizeMin int
	ChunkSizeMax int

	CwndInitial int
	CwndMin     int
	CwndMax     int

	HighWaterMark    int
	LowWaterMark     int
	MaxBufferedBytes int

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	AllReadyCountdown time.Duration

	Encryption Encryption
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		MaxDirectPeers:     4,
		PieceSize:          1 * MiB,
		MaxPendingRequests: 8,

		ChunkSizeMin: 16 * KiB,
		ChunkSizeMax: 4 * MiB,

		CwndInitial: 1 * MiB,
		CwndMin:     256 * KiB,
		CwndMax:     16 * MiB,

		HighWaterMark:    12 * MiB,
		LowWaterMark:     4 * MiB,
		MaxBufferedBytes: 16 * MiB,

		ConnectTimeout: 15 * time.Second,
		IdleTimeout:    30 * time.Second,

		AllReadyCountdown: 5 * time.Second,
	}
}

// fileShape mirrors Config's fields using primitive TOML-friendly types.
type fileShape struct {
	MaxDirectPeers     *int   `toml:"max_direct_peers"`
	PieceSize          *int64 `toml:"piece_size"`
	MaxPendingRequests *int   `toml:"max_pending_requests"`

	ChunkSizeMin *int `toml:"chunk_size_min"`
	ChunkSizeMax *int `toml:"chunk_size_max"`

	CwndInitial *int `toml:"cwnd_initial"`
	CwndMin     *int `toml:"cwnd_min"`
	CwndMax     *int `toml:"cwnd_max"`

	HighWaterMark    *int `toml:"high_water_mark"`
	LowWaterMark     *int `toml:"low_water_mark"`
	MaxBufferedBytes *int `toml:"max_buffered_amount"`

	ConnectTimeoutMs *int64 `toml:"connect_timeout_ms"`
	IdleTimeoutMs    *int64 `toml:"idle_timeout_ms"`
}

// LoadFile parses a TOML file into a Config, starting from Default() and
// overriding only the fields present in the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	var shape fileShape
	if _, err := toml.DecodeFile(path, &shape); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	apply(&cfg, &shape)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg *Config, s *fileShape) {
	setInt(&cfg.MaxDirectPeers, s.MaxDirectPeers)
	setInt64(&cfg.PieceSize, s.PieceSize)
	setInt(&cfg.MaxPendingRequests, s.MaxPendingRequests)
	setInt(&cfg.ChunkSizeMin, s.ChunkSizeMin)
	setInt(&cfg.ChunkSizeMax, s.ChunkSizeMax)
	setInt(&cfg.CwndInitial, s.CwndInitial)
	setInt(&cfg.CwndMin, s.CwndMin)
	setInt(&cfg.CwndMax, s.CwndMax)
	setInt(&cfg.HighWaterMark, s.HighWaterMark)
	setInt(&cfg.LowWaterMark, s.LowWaterMark)
	setInt(&cfg.MaxBufferedBytes, s.MaxBufferedBytes)
	if s.ConnectTimeoutMs != nil {
		cfg.ConnectTimeout = time.Duration(*s.ConnectTimeoutMs) * time.Millisecond
	}
	if s.IdleTimeoutMs != nil {
		cfg.IdleTimeout = time.Duration(*s.IdleTimeoutMs) * time.Millisecond
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}

// Validate checks internal consistency of the configuration, surfacing
// misconfiguration before a session starts rather than at an arbitrary
// point during transfer.
func (c Config) Validate() error {
	if c.ChunkSizeMin <= 0 || c.ChunkSizeMax < c.ChunkSizeMin {
		return fmt.Errorf("config: invalid chunk size range [%d, %d]", c.ChunkSizeMin, c.ChunkSizeMax)
	}
	if c.CwndMin <= 0 || c.CwndMax < c.CwndMin || c.CwndInitial < c.CwndMin || c.CwndInitial > c.CwndMax {
		return fmt.Errorf("config: invalid cwnd bounds [%d, %d] initial %d", c.CwndMin, c.CwndMax, c.CwndInitial)
	}
	if c.LowWaterMark >= c.HighWaterMark {
		return fmt.Errorf("config: low_water_mark must be < high_water_mark")
	}
	if c.MaxDirectPeers <= 0 {
		return fmt.Errorf("config: max_direct_peers must be > 0")
	}
	if c.PieceSize <= 0 {
		return fmt.Errorf("config: piece_size must be > 0")
	}
	return nil
}
