// Package resumer persists per-torrent resume state (info hash,
// trackers, bitfield, transfer stats) in a boltdb sub-bucket, adapted
// from the teacher's internal/resumer/boltdbresumer.Resumer.
package resumer

import (
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"

	"github.com/fetchd/engine/internal/apperr"
)

// Stats carries the cumulative counters a torrent keeps across
// restarts.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Spec is the full persisted state of one torrent.
type Spec struct {
	InfoHash  []byte
	Dest      string
	Port      int
	Name      string
	Trackers  []string
	Info      []byte
	Bitfield  []byte
	AddedAt   time.Time
	Stats     Stats
	Started   bool
}

// Resumer reads and writes one torrent's Spec to a boltdb bucket
// keyed by the torrent's id.
type Resumer struct {
	db     *bolt.DB
	parent []byte
	key    []byte
}

// New returns a Resumer bound to db/parent/key, creating the
// sub-bucket if necessary.
func New(db *bolt.DB, parent, key []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(parent)
		_, err := b.CreateBucketIfNotExists(key)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.File, false, "create resumer bucket", err)
	}
	return &Resumer{db: db, parent: parent, key: key}, nil
}

// Write persists spec under this Resumer's key.
func (r *Resumer) Write(spec *Spec) error {
	buf, err := json.Marshal(spec)
	if err != nil {
		return apperr.Wrap(apperr.Unknown, false, "marshal resume spec", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.parent).Bucket(r.key)
		if err := b.Put([]byte("spec"), buf); err != nil {
			return err
		}
		started := []byte("0")
		if spec.Started {
			started = []byte("1")
		}
		return b.Put([]byte("started"), started)
	})
}

// Read loads the persisted Spec.
func (r *Resumer) Read() (*Spec, error) {
	var spec Spec
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.parent).Bucket(r.key)
		v := b.Get([]byte("spec"))
		if v == nil {
			return apperr.New(apperr.NotFound, false, "no resume spec")
		}
		return json.Unmarshal(v, &spec)
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// WriteStats replaces the stats sub-record: it reads the whole Spec
// and writes it back with the new stats.
func (r *Resumer) WriteStats(stats Stats) error {
	spec, err := r.Read()
	if err != nil {
		return err
	}
	spec.Stats = stats
	return r.Write(spec)
}

// WriteBitfield replaces the bitfield: it reads the whole Spec and
// writes it back. Called at a reduced interval from the torrent event
// loop to limit disk IO.
func (r *Resumer) WriteBitfield(bitfield []byte) error {
	spec, err := r.Read()
	if err != nil {
		return err
	}
	spec.Bitfield = bitfield
	return r.Write(spec)
}

// Delete removes the entire sub-bucket for this torrent.
func (r *Resumer) Delete() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(r.parent).DeleteBucket(r.key)
	})
}
