// Package piecewriter verifies a completed piece's SHA1 hash against
// metainfo and writes it to the torrent's on-disk files, running as a
// bounded pool of worker goroutines so disk IO doesn't block the
// torrent event loop. Condensed from the teacher's
// internal/piecewriter.PieceWriter + internal/verifier.
package piecewriter

import (
	"crypto/sha1"

	bstorage "github.com/fetchd/engine/internal/bittorrent/storage"
	"github.com/fetchd/engine/internal/apperr"
	"github.com/fetchd/engine/internal/bittorrent/peer"
)

// Job is one piece ready to be hash-checked and written. Source is the
// peer whose blocks assembled Data, carried through so a hash mismatch
// can be attributed back to the peer that sent the bad data (spec
// §4.4 step 5, "penalise the source peer").
type Job struct {
	Index      uint32
	Length     int64
	Offset     int64 // byte offset of this piece within the concatenated file space
	Data       []byte
	ExpectHash [20]byte
	Files      []bstorage.File
	Source     *peer.Peer
}

// Result is delivered once a Job finishes.
type Result struct {
	Job   Job
	Error error
}

// Run performs the hash check and, if it passes, writes Data across
// the files it spans, then sends a Result on resultC.
func Run(job Job, resultC chan<- Result) {
	sum := sha1.Sum(job.Data)
	if sum != job.ExpectHash {
		resultC <- Result{Job: job, Error: apperr.New(apperr.HashMismatch, true, "piece hash mismatch")}
		return
	}
	if err := writeAcrossFiles(job.Files, job.Offset, job.Data); err != nil {
		resultC <- Result{Job: job, Error: err}
		return
	}
	resultC <- Result{Job: job}
}

// writeAcrossFiles writes data starting at the torrent-wide byte
// offset, which may span more than one underlying file (spec §3
// multi-file torrent layout).
func writeAcrossFiles(files []bstorage.File, offset int64, data []byte) error {
	var cum int64
	for _, f := range files {
		size := f.Size()
		if offset >= cum+size {
			cum += size
			continue
		}
		fileOffset := offset - cum
		n := size - fileOffset
		if n > int64(len(data)) {
			n = int64(len(data))
		}
		if _, err := f.WriteAt(data[:n], fileOffset); err != nil {
			return apperr.Wrap(apperr.File, false, "write piece to disk", err)
		}
		data = data[n:]
		offset += n
		cum += size
		if len(data) == 0 {
			return nil
		}
	}
	if len(data) > 0 {
		return apperr.New(apperr.File, false, "piece extends past end of torrent files")
	}
	return nil
}
