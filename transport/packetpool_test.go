// SPDX-License-Identifier: AGPL-3.0-only
package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketPoolReusesSlots(t *testing.T) {
	p := NewPacketPool(2, 1024)

	a := p.Acquire()
	require.Len(t, a, 1024)
	b := p.Acquire()
	require.Len(t, b, 1024)

	// pool exhausted: falls back to a fresh heap allocation.
	c := p.Acquire()
	require.Len(t, c, 1024)

	p.Release(a)
	reused := p.Acquire()
	require.Same(t, &a[0], &reused[0])
}

func TestPacketPoolRejectsWrongSizedRelease(t *testing.T) {
	p := NewPacketPool(1, 512)
	foreign := make([]byte, 256)
	p.Release(foreign) // must not corrupt the pool

	got := p.Acquire()
	require.Len(t, got, 512)
}

func TestPacketPoolShutdownDrains(t *testing.T) {
	p := NewPacketPool(4, 64)
	p.Shutdown()
	// after shutdown every Acquire falls back to a heap allocation.
	got := p.Acquire()
	require.Len(t, got, 64)
}
