// Package filestorage is the default on-disk Storage implementation:
// one real file per torrent file entry, created and pre-allocated
// under a per-torrent destination directory. Adapted from the
// teacher's internal/storage/filestorage.
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/fetchd/engine/internal/apperr"
	bstorage "github.com/fetchd/engine/internal/bittorrent/storage"
)

// FileStorage opens files rooted at a destination directory.
type FileStorage struct {
	dest string
}

// New returns a FileStorage rooted at dest, creating the directory if
// it does not exist.
func New(dest string) (*FileStorage, error) {
	if err := os.MkdirAll(dest, 0750); err != nil {
		return nil, apperr.Wrap(apperr.File, false, "create destination directory", err)
	}
	return &FileStorage{dest: dest}, nil
}

// Dest returns the destination root directory.
func (f *FileStorage) Dest() string { return f.dest }

// Open creates (truncating to each spec's Length) and opens one
// *os.File per spec, rooted at the storage's destination directory.
func (f *FileStorage) Open(specs []bstorage.FileSpec) ([]bstorage.File, error) {
	files := make([]bstorage.File, 0, len(specs))
	for _, spec := range specs {
		full := filepath.Join(f.dest, filepath.Clean(spec.RelPath))
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			return nil, apperr.Wrap(apperr.File, false, "create file directory", err)
		}
		osf, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0640)
		if err != nil {
			return nil, apperr.Wrap(apperr.File, false, "open file", err)
		}
		if err := osf.Truncate(spec.Length); err != nil {
			osf.Close()
			return nil, apperr.Wrap(apperr.File, false, "truncate file", err)
		}
		files = append(files, &file{File: osf, size: spec.Length})
	}
	return files, nil
}

type file struct {
	*os.File
	size int64
}

func (f *file) Size() int64 { return f.size }
