// Package metainfo parses .torrent files (BEP 3) into the MetaInfo/Info
// types used by the BitTorrent session, and computes the per-file byte
// offsets a piece's blocks map onto. Adapted from the teacher's
// metainfo.go, generalized to multi-file torrents with path-traversal
// rejection (spec §4.5).
package metainfo

import (
	"io"
	"io/ioutil"

	"github.com/fetchd/engine/internal/apperr"
	"github.com/fetchd/engine/internal/bencode"
)

// MetaInfo is the top-level torrent file dictionary.
type MetaInfo struct {
	Info         *Info                  `bencode:"-"`
	RawInfo      bencode.RawMessage     `bencode:"info" json:"-"`
	Announce     string                 `bencode:"announce"`
	AnnounceList [][]string             `bencode:"announce-list"`
	CreationDate int64                  `bencode:"creation date"`
	Comment      string                 `bencode:"comment"`
	CreatedBy    string                 `bencode:"created by"`
	Encoding     string                 `bencode:"encoding"`
}

// New parses a bencoded torrent file from r.
func New(r io.Reader) (*MetaInfo, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.File, false, "read torrent file", err)
	}
	return Parse(b)
}

// Parse parses a bencoded torrent file already fully read into memory.
func Parse(b []byte) (*MetaInfo, error) {
	var t MetaInfo
	if err := bencode.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	if len(t.RawInfo) == 0 {
		return nil, apperr.New(apperr.BencodeParse, false, "no info dict in torrent file")
	}
	info, err := NewInfo(t.RawInfo)
	if err != nil {
		return nil, err
	}
	t.Info = info
	return &t, nil
}

// GetTrackers flattens announce + announce-list (BEP 12) into a single
// ordered tier-preserving list, with the primary announce URL first.
func (m *MetaInfo) GetTrackers() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

// AnnounceTiers returns the BEP 12 tiered tracker list, falling back to a
// single tier containing Announce when no announce-list is present.
func (m *MetaInfo) AnnounceTiers() [][]string {
	if len(m.AnnounceList) > 0 {
		return m.AnnounceList
	}
	if m.Announce == "" {
		return nil
	}
	return [][]string{{m.Announce}}
}
