// Package storage persists download records and segment state in an
// embedded boltdb/bolt database (spec §4.7), the teacher's own
// dependency (see the copied-in session/ code's resumer references).
// Bolt's single-file-plus-WAL-like mmap model is kept as the closest
// embedded match for the spec's "single-file relational store with
// write-ahead-log durability" wording; see DESIGN.md for the tradeoff.
package storage

import (
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"

	"github.com/fetchd/engine/internal/apperr"
)

var (
	bucketDownloads = []byte("downloads")
	bucketSegments  = []byte("segments")
	bucketKV        = []byte("kv")
)

// SegmentState mirrors one resumable byte-range segment of a download
// (spec §3 Segment).
type SegmentState struct {
	Index     int    `json:"index"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Completed int64  `json:"completed"`
	Status    string `json:"status"` // pending|downloading|complete|failed
}

// DownloadRecord is the persisted representation of a Download (spec
// §3), trimmed to the fields that must survive a restart.
type DownloadRecord struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Kind           string            `json:"kind"` // http|torrent
	DestPath       string            `json:"dest_path"`
	Status         string            `json:"status"`
	TotalSize      int64             `json:"total_size"`
	Downloaded     int64             `json:"downloaded"`
	Priority       string            `json:"priority"`
	Checksum       string            `json:"checksum,omitempty"`
	ChecksumAlgo   string            `json:"checksum_algo,omitempty"`
	ETag           string            `json:"etag,omitempty"`
	LastModified   string            `json:"last_modified,omitempty"`
	InfoHash       string            `json:"info_hash,omitempty"`
	SpeedLimit     int               `json:"speed_limit,omitempty"` // bytes/sec, 0 = unlimited
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Error          string            `json:"error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Store is a boltdb-backed persistence layer for download state.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperr.Wrap(apperr.File, false, "open database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDownloads); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSegments); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketKV); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.File, false, "initialize buckets", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDownload upserts a download record.
func (s *Store) SaveDownload(rec *DownloadRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrap(apperr.Unknown, false, "marshal download record", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDownloads).Put([]byte(rec.ID), buf)
	})
}

// LoadDownload fetches a single download record by id.
func (s *Store) LoadDownload(id string) (*DownloadRecord, error) {
	var rec *DownloadRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDownloads).Get([]byte(id))
		if v == nil {
			return apperr.New(apperr.NotFound, false, "download not found: "+id)
		}
		rec = &DownloadRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadAll returns every persisted download record, in no particular
// order; callers sort by CreatedAt if a stable order is needed.
func (s *Store) LoadAll() ([]*DownloadRecord, error) {
	var recs []*DownloadRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDownloads).ForEach(func(k, v []byte) error {
			rec := &DownloadRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Unknown, false, "load downloads", err)
	}
	return recs, nil
}

// DeleteDownload removes a download record and its segment state in a
// single transaction (the nested-bucket analog of a foreign-key
// cascade, since bolt has no relational constraints of its own).
func (s *Store) DeleteDownload(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDownloads).Delete([]byte(id)); err != nil {
			return err
		}
		if b := tx.Bucket(bucketSegments).Bucket([]byte(id)); b != nil {
			return tx.Bucket(bucketSegments).DeleteBucket([]byte(id))
		}
		return nil
	})
}

// SaveSegments replaces the persisted segment state for a download.
func (s *Store) SaveSegments(downloadID string, segments []SegmentState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketSegments)
		_ = parent.DeleteBucket([]byte(downloadID))
		b, err := parent.CreateBucket([]byte(downloadID))
		if err != nil {
			return err
		}
		for _, seg := range segments {
			buf, err := json.Marshal(seg)
			if err != nil {
				return err
			}
			key := itob(seg.Index)
			if err := b.Put(key, buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSegments returns the persisted segments for a download, ordered
// by index. At startup, callers demote any segment still marked
// "downloading" to "pending" (spec §4.7), since in-flight writes are
// not resumable mid-block.
func (s *Store) LoadSegments(downloadID string) ([]SegmentState, error) {
	var segs []SegmentState
	err := s.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketSegments)
		b := parent.Bucket([]byte(downloadID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var seg SegmentState
			if err := json.Unmarshal(v, &seg); err != nil {
				return err
			}
			segs = append(segs, seg)
			return nil
		})
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Unknown, false, "load segments", err)
	}
	return segs, nil
}

// ResetInFlight demotes every "downloading" segment across every
// download back to "pending", and any "downloading" download status
// back to "paused", matching the teacher's startup recovery pass over
// resumer state in session.go (RestoreSession's per-torrent reset of
// incomplete pieces).
func (s *Store) ResetInFlight() error {
	recs, err := s.LoadAll()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		changed := false
		if rec.Status == "downloading" {
			rec.Status = "paused"
			changed = true
		}
		if changed {
			if err := s.SaveDownload(rec); err != nil {
				return err
			}
		}

		segs, err := s.LoadSegments(rec.ID)
		if err != nil {
			return err
		}
		segChanged := false
		for i := range segs {
			if segs[i].Status == "downloading" {
				segs[i].Status = "pending"
				segChanged = true
			}
		}
		if segChanged {
			if err := s.SaveSegments(rec.ID, segs); err != nil {
				return err
			}
		}
	}
	return nil
}

// PutKV stores an arbitrary JSON-able value under key in the shared
// key/value bucket, backing the RPC front-end's settings, tracker
// list, and db_* passthrough methods without a dedicated bucket per
// concern.
func (s *Store) PutKV(key string, value interface{}) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return apperr.Wrap(apperr.Unknown, false, "marshal kv value", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), buf)
	})
}

// GetKV loads the value stored under key into out. Returns
// apperr.NotFound if the key is unset.
func (s *Store) GetKV(key string, out interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v == nil {
			return apperr.New(apperr.NotFound, false, "key not found: "+key)
		}
		return json.Unmarshal(v, out)
	})
}

// DeleteKV removes key from the shared key/value bucket.
func (s *Store) DeleteKV(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

func itob(v int) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v & 0xff)
		v >>= 8
	}
	return b
}
