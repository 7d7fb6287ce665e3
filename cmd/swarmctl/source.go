// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shareswarm/engine/archiver"
	"github.com/shareswarm/engine/manifest"
)

// buildManifest stats path and returns a manifest plus the FileSource list
// needed to build a SourceFactory. A single regular file produces a
// one-entry, non-folder manifest; a directory is walked into a sorted,
// relative-path-keyed file list and flagged IsFolder/IsZipStream since it
// is sent as a packaged ZIP64 stream.
func buildManifest(path string) (manifest.Manifest, []manifest.FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return manifest.Manifest{}, nil, err
	}

	if !info.IsDir() {
		src, err := manifest.NewDirFileSource(path, filepath.Base(path))
		if err != nil {
			return manifest.Manifest{}, nil, err
		}
		man := manifest.Manifest{
			TransferID: manifest.NewTransferID(),
			RootName:   filepath.Base(path),
			TotalFiles: 1,
			TotalSize:  src.Size(),
			Files: []manifest.FileEntry{{
				Index:        0,
				RelativePath: src.RelativePath(),
				Size:         src.Size(),
			}},
		}
		return man, []manifest.FileSource{src}, nil
	}

	var rels []string
	abs := make(map[string]string)
	err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		rels = append(rels, rel)
		abs[rel] = p
		return nil
	})
	if err != nil {
		return manifest.Manifest{}, nil, err
	}
	sort.Strings(rels)

	var sources []manifest.FileSource
	var entries []manifest.FileEntry
	var total int64
	for i, rel := range rels {
		src, err := manifest.NewDirFileSource(abs[rel], rel)
		if err != nil {
			return manifest.Manifest{}, nil, err
		}
		sources = append(sources, src)
		entries = append(entries, manifest.FileEntry{
			Index:        i,
			RelativePath: rel,
			Size:         src.Size(),
		})
		total += src.Size()
	}

	man := manifest.Manifest{
		TransferID:  manifest.NewTransferID(),
		RootName:    strings.TrimSuffix(filepath.Base(path), "/") + ".zip",
		IsFolder:    true,
		IsZipStream: true,
		TotalFiles:  len(entries),
		TotalSize:   total,
		Files:       entries,
	}
	return man, sources, nil
}

// packagerCloser adapts *archiver.Packager's Halt()/Err() pair to the
// io.Closer half of SourceFactory's return signature.
type packagerCloser struct {
	p *archiver.Packager
}

func (c packagerCloser) Close() error {
	c.p.Halt()
	<-c.p.Finished()
	return c.p.Err()
}

// newSourceFactory builds the callback the room re-invokes once per batch
// to open a fresh byte source for the manifest's file set: a single file is
// reopened directly, a directory is re-packaged into a fresh ZIP64 stream
// each time since the packager cannot be rewound.
func newSourceFactory(man manifest.Manifest, sources []manifest.FileSource) func() (io.Reader, io.Closer, error) {
	if !man.IsZipStream {
		src := sources[0]
		return func() (io.Reader, io.Closer, error) {
			rc, err := src.OpenStream(0)
			if err != nil {
				return nil, nil, err
			}
			return rc, rc, nil
		}
	}
	return func() (io.Reader, io.Closer, error) {
		p := archiver.NewPackager(sources, 0, 0)
		return p.Output(), packagerCloser{p: p}, nil
	}
}
