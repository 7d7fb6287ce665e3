// SPDX-License-Identifier: AGPL-3.0-only
package manifest

import (
	"io"
	"os"
)

// FileSource is the uniform capability the chunk producer consumes: how
// the driver satisfies it (direct file read, OS native handle, in-memory
// buffer) is irrelevant to the core.
type FileSource interface {
	// OpenStream returns a reader positioned at offset, yielding bytes
	// through the end of the file.
	OpenStream(offset int64) (io.ReadCloser, error)
	Size() int64
	RelativePath() string
}

// DirFileSource is a FileSource backed by a real file on disk, the common
// case for a sender offering local files.
type DirFileSource struct {
	AbsolutePath string
	Rel          string
	size         int64
}

// NewDirFileSource stats path to populate size and returns a FileSource
// for it.
func NewDirFileSource(absolutePath, relativePath string) (*DirFileSource, error) {
	info, err := os.Stat(absolutePath)
	if err != nil {
		return nil, err
	}
	return &DirFileSource{AbsolutePath: absolutePath, Rel: relativePath, size: info.Size()}, nil
}

func (d *DirFileSource) OpenStream(offset int64) (io.ReadCloser, error) {
	f, err := os.Open(d.AbsolutePath)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (d *DirFileSource) Size() int64          { return d.size }
func (d *DirFileSource) RelativePath() string { return d.Rel }
