// SPDX-License-Identifier: AGPL-3.0-only

// Package manifest defines the immutable description of a transfer and
// the uniform file capability the chunk producer consumes, the
// duck-typed "File" abstraction that lets the producer treat a plain
// os.File, a zip-archive stream, and any other readable source alike.
package manifest

import (
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shareswarm/engine/errcode"
)

// FileEntry describes one file within a Manifest.
type FileEntry struct {
	Index        int       `json:"index"`
	RelativePath string    `json:"relative_path"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mime_type,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	// SHA256 is optional; nil unless the sender computed it.
	SHA256 *[32]byte `json:"sha256,omitempty"`
}

// Manifest is immutable once created and shared to all peers at join.
type Manifest struct {
	TransferID      string      `json:"transfer_id"`
	RootName        string      `json:"root_name"`
	IsFolder        bool        `json:"is_folder"`
	IsZipStream     bool        `json:"is_zip_stream"`
	IsSizeEstimated bool        `json:"is_size_estimated"`
	TotalFiles      int         `json:"total_files"`
	TotalSize       int64       `json:"total_size"`
	Files           []FileEntry `json:"files"`
}

// NewTransferID mints a globally unique transferId.
func NewTransferID() string {
	return uuid.NewString()
}

// Marshal/Unmarshal implement the manifest wire format: JSON, transmitted
// once per session as the first payload after peer admission.
func (m Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func Unmarshal(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errcode.New(errcode.ManifestMismatch, err)
	}
	return m, nil
}

// NormalizePath validates and normalizes a manifest entry's relative path:
// forward slashes, no leading slash, no ".." components. Any invalid path
// aborts the transfer with UnsafePath.
func NormalizePath(p string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if clean == "." || clean == "" {
		return "", errcode.New(errcode.UnsafePath, nil)
	}
	if strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", errcode.New(errcode.UnsafePath, nil)
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", errcode.New(errcode.UnsafePath, nil)
		}
	}
	return clean, nil
}

// PieceCount returns the total number of pieces for a given pieceSize;
// pieces tile the half-open range [0, TotalSize).
func (m Manifest) PieceCount(pieceSize int64) int {
	if m.TotalSize <= 0 || pieceSize <= 0 {
		return 0
	}
	n := m.TotalSize / pieceSize
	if m.TotalSize%pieceSize != 0 {
		n++
	}
	return int(n)
}

// PieceRange returns the half-open byte range [start, end) covered by
// piece index.
func (m Manifest) PieceRange(index int, pieceSize int64) (start, end int64) {
	start = int64(index) * pieceSize
	end = start + pieceSize
	if end > m.TotalSize {
		end = m.TotalSize
	}
	return start, end
}
