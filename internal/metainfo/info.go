package metainfo

import (
	"crypto/sha1"
	"strings"

	"github.com/fetchd/engine/internal/apperr"
	"github.com/fetchd/engine/internal/bencode"
)

// File describes one file of a multi-file torrent, with its cumulative
// byte offset within the concatenated piece stream.
type File struct {
	Length int64
	Path   []string
	Offset int64
}

// Info is the parsed `info` dictionary: name, piece layout, and the file
// list (single- or multi-file).
type Info struct {
	Name        string
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 hashes
	NumPieces   uint32
	Length      int64  // total size across all files
	Files       []File // always populated, even for single-file torrents
	Private     int
	Hash        [20]byte // SHA-1 of the raw info dictionary bytes
	Bytes       []byte   // raw info dictionary bytes, for resume persistence
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	Name        string             `bencode:"name"`
	PieceLength int64              `bencode:"piece length"`
	Pieces      string             `bencode:"pieces"`
	Length      int64              `bencode:"length"`
	Files       []rawFile          `bencode:"files"`
	Private     int                `bencode:"private"`
	RawPieces   bencode.RawMessage `bencode:"-"`
}

// NewInfo parses the raw bencoded `info` dictionary.
func NewInfo(raw []byte) (*Info, error) {
	var ri rawInfo
	if err := bencode.Unmarshal(raw, &ri); err != nil {
		return nil, err
	}
	if ri.PieceLength <= 0 {
		return nil, apperr.New(apperr.BencodeParse, false, "invalid piece length")
	}
	if len(ri.Pieces)%20 != 0 {
		return nil, apperr.New(apperr.BencodeParse, false, "pieces length is not a multiple of 20")
	}
	if err := validateName(ri.Name); err != nil {
		return nil, err
	}

	info := &Info{
		Name:        ri.Name,
		PieceLength: ri.PieceLength,
		Pieces:      []byte(ri.Pieces),
		NumPieces:   uint32(len(ri.Pieces) / 20),
		Private:     ri.Private,
		Bytes:       append([]byte(nil), raw...),
		Hash:        sha1.Sum(raw),
	}

	switch {
	case ri.Length > 0 && len(ri.Files) == 0:
		info.Length = ri.Length
		info.Files = []File{{Length: ri.Length, Path: []string{ri.Name}, Offset: 0}}
	case ri.Length == 0 && len(ri.Files) > 0:
		var offset int64
		for _, rf := range ri.Files {
			if err := validatePathComponents(rf.Path); err != nil {
				return nil, err
			}
			info.Files = append(info.Files, File{
				Length: rf.Length,
				Path:   rf.Path,
				Offset: offset,
			})
			offset += rf.Length
		}
		info.Length = offset
	default:
		return nil, apperr.New(apperr.BencodeParse, false, "info dict must have exactly one of length or files")
	}

	expectedPieces := (info.Length + info.PieceLength - 1) / info.PieceLength
	if expectedPieces != int64(info.NumPieces) {
		return nil, apperr.New(apperr.BencodeParse, false, "piece count does not match total length")
	}
	return info, nil
}

// PieceLengthAt returns the length of the piece at index, accounting for
// the final (possibly short) piece.
func (i *Info) PieceLengthAt(index uint32) int64 {
	if int64(index) == int64(i.NumPieces)-1 {
		last := i.Length - int64(index)*i.PieceLength
		if last > 0 {
			return last
		}
	}
	return i.PieceLength
}

// validateName rejects the same unsafe components as file paths; the
// torrent name becomes the destination directory for multi-file
// torrents and must not escape the save directory.
func validateName(name string) error {
	return validatePathComponents([]string{name})
}

// validatePathComponents rejects "", ".", "..", and any component
// containing a path separator (spec §4.5, ErrorKind.path_traversal).
func validatePathComponents(parts []string) error {
	if len(parts) == 0 {
		return apperr.New(apperr.PathTraversal, false, "empty path")
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return apperr.New(apperr.PathTraversal, false, "unsafe path component: "+p)
		}
		if strings.ContainsAny(p, "/\\") {
			return apperr.New(apperr.PathTraversal, false, "path component contains separator: "+p)
		}
	}
	return nil
}
