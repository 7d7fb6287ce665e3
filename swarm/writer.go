// SPDX-License-Identifier: AGPL-3.0-only

package swarm

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sync"

	"github.com/shareswarm/engine/errcode"
	"github.com/shareswarm/engine/manifest"
)

// fileHandle tracks one open output file and the distinct byte ranges
// already written to it, so a retransmitted chunk landing at an offset
// already seen is a cheap no-op rather than a double-counted write:
// writes are idempotent on (fileIndex, offset).
type fileHandle struct {
	f    *os.File
	seen map[int64]int64 // offset -> length, keyed by exact chunk offset
}

// FileWriter is the receive-side file-writer abstraction: openFiles/
// writeAt/close. It is safe for concurrent writeAt calls across
// different files; calls for the same fileIndex are serialized.
type FileWriter struct {
	mu        sync.Mutex
	dir       string
	man       manifest.Manifest
	files     map[int]*fileHandle
	zipMode   bool
	zipPath   string
	zipHandle *fileHandle
}

// OpenFiles prepares the save directory for a receive, creating
// intermediate directories as needed. In packaged mode a single archive
// file is created at dir/<rootName> (a ".zip" suffix is appended if the
// root name doesn't already carry one); in direct mode each manifest
// entry's relativePath is validated and an output file created lazily on
// first write.
func OpenFiles(man manifest.Manifest, dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errcode.New(errcode.IoError, err)
	}
	fw := &FileWriter{dir: dir, man: man, files: make(map[int]*fileHandle)}
	if man.IsZipStream {
		name := man.RootName
		if filepath.Ext(name) != ".zip" {
			name += ".zip"
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, errcode.New(errcode.IoError, err)
		}
		fw.zipMode = true
		fw.zipPath = path
		fw.zipHandle = &fileHandle{f: f, seen: make(map[int64]int64)}
		return fw, nil
	}
	for _, entry := range man.Files {
		if _, err := manifest.NormalizePath(entry.RelativePath); err != nil {
			return nil, err
		}
	}
	return fw, nil
}

// WriteAt writes data at offset within fileIndex (ignored in packaged
// mode, where every write lands in the single archive stream),
// idempotently: a write previously seen at the same offset is skipped.
func (fw *FileWriter) WriteAt(fileIndex int, offset int64, data []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	h, err := fw.handleLocked(fileIndex)
	if err != nil {
		return err
	}
	if prevLen, ok := h.seen[offset]; ok && prevLen == int64(len(data)) {
		return nil
	}
	if _, err := h.f.WriteAt(data, offset); err != nil {
		return errcode.New(errcode.IoError, err)
	}
	h.seen[offset] = int64(len(data))
	return nil
}

func (fw *FileWriter) handleLocked(fileIndex int) (*fileHandle, error) {
	if fw.zipMode {
		return fw.zipHandle, nil
	}
	if h, ok := fw.files[fileIndex]; ok {
		return h, nil
	}
	if fileIndex < 0 || fileIndex >= len(fw.man.Files) {
		return nil, errcode.New(errcode.ManifestMismatch, nil)
	}
	entry := fw.man.Files[fileIndex]
	rel, err := manifest.NormalizePath(entry.RelativePath)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(fw.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, errcode.New(errcode.IoError, err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errcode.New(errcode.IoError, err)
	}
	h := &fileHandle{f: f, seen: make(map[int64]int64)}
	fw.files[fileIndex] = h
	return h, nil
}

// bytesWrittenLocked sums the distinct bytes recorded across every open
// file handle.
func (fw *FileWriter) bytesWrittenLocked() int64 {
	var total int64
	if fw.zipMode {
		for _, n := range fw.zipHandle.seen {
			total += n
		}
		return total
	}
	for _, h := range fw.files {
		for _, n := range h.seen {
			total += n
		}
	}
	return total
}

// Close closes every open handle and verifies the expected total: in
// direct mode, bytes written must equal manifest.TotalSize; in packaged
// mode the archive is re-opened as a zip.Reader and its entries' sizes
// must sum to the same total, standing in for the ZIP trailer's
// recorded totals matching, since the archive is now addressable on disk.
func (fw *FileWriter) Close() (int64, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	total := fw.bytesWrittenLocked()

	if fw.zipMode {
		if err := fw.zipHandle.f.Close(); err != nil {
			return total, errcode.New(errcode.IoError, err)
		}
		if !fw.man.IsSizeEstimated {
			if err := verifyZipTotals(fw.zipPath, fw.man.TotalSize); err != nil {
				return total, err
			}
		}
		return total, nil
	}

	for _, h := range fw.files {
		if err := h.f.Close(); err != nil {
			return total, errcode.New(errcode.IoError, err)
		}
	}
	if total != fw.man.TotalSize {
		return total, errcode.New(errcode.ManifestMismatch, nil)
	}
	return total, nil
}

func verifyZipTotals(path string, expected int64) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return errcode.New(errcode.ManifestMismatch, err)
	}
	defer zr.Close()
	var sum int64
	for _, f := range zr.File {
		sum += int64(f.UncompressedSize64)
	}
	if expected > 0 && sum != expected {
		return errcode.New(errcode.ManifestMismatch, nil)
	}
	return nil
}
