// SPDX-License-Identifier: AGPL-3.0-only
package archiver

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shareswarm/engine/manifest"
)

// memFileSource is a minimal manifest.FileSource backed by an in-memory
// buffer, used so archiver tests don't touch the filesystem.
type memFileSource struct {
	rel  string
	data []byte
}

func (m *memFileSource) OpenStream(offset int64) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data[offset:])), nil
}
func (m *memFileSource) Size() int64          { return int64(len(m.data)) }
func (m *memFileSource) RelativePath() string { return m.rel }

func readAll(t *testing.T, p *Packager) []byte {
	t.Helper()
	out, err := io.ReadAll(p.Output())
	require.NoError(t, err)
	<-p.Finished()
	require.NoError(t, p.Err())
	return out
}

func TestPackagerProducesValidZip(t *testing.T) {
	files := []manifest.FileSource{
		&memFileSource{rel: "docs/a.txt", data: []byte("alpha")},
		&memFileSource{rel: "docs/b.txt", data: []byte("beta")},
	}
	p := NewPackager(files, 0, 0)
	archiveBytes := readAll(t, p)

	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)

	want := map[string]string{"docs/a.txt": "alpha", "docs/b.txt": "beta"}
	for _, f := range zr.File {
		require.Equal(t, zip.Store, f.Method)
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		require.Equal(t, want[f.Name], string(data))
	}
}

func TestPackagerEmptyFile(t *testing.T) {
	files := []manifest.FileSource{&memFileSource{rel: "empty.bin", data: nil}}
	p := NewPackager(files, 0, 0)
	archiveBytes := readAll(t, p)

	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	require.EqualValues(t, 0, zr.File[0].UncompressedSize64)
}

func TestPackagerRejectsUnsafePath(t *testing.T) {
	files := []manifest.FileSource{&memFileSource{rel: "../../etc/passwd", data: []byte("x")}}
	p := NewPackager(files, 0, 0)
	_, _ = io.ReadAll(p.Output())
	<-p.Finished()
	require.Error(t, p.Err())
}

func TestBoundedPipeBackpressure(t *testing.T) {
	bp := newBoundedPipe(16, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := bp.Write(bytes.Repeat([]byte{'x'}, 64))
		require.NoError(t, err)
		require.Equal(t, 64, n)
		bp.closeWithError(nil)
	}()

	buf := make([]byte, 8)
	total := 0
	for {
		n, err := bp.Read(buf)
		total += n
		if err != nil {
			break
		}
	}
	<-done
	require.Equal(t, 64, total)
}
