// Package magnet parses and composes BEP 9 magnet URIs (spec §4.5). The
// teacher (rain) calls into a magnet.New(uri) with this exact shape from
// session.go's addMagnet, but the file itself was not part of the
// retrieval pack; this rebuilds it to that call contract.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/fetchd/engine/internal/apperr"
)

// Magnet is a parsed magnet URI.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
	WebSeeds []string
	Length   int64 // 0 if absent (xl)
}

// New parses a magnet: URI.
func New(uri string) (*Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unknown, false, "invalid magnet uri", err)
	}
	if u.Scheme != "magnet" {
		return nil, apperr.New(apperr.Unknown, false, "not a magnet uri")
	}
	q := u.Query()

	xts := q["xt"]
	var ih [20]byte
	found := false
	for _, xt := range xts {
		h, err := parseExactTopic(xt)
		if err != nil {
			continue
		}
		ih = h
		found = true
		break
	}
	if !found {
		return nil, apperr.New(apperr.Unknown, false, "magnet uri missing valid xt=urn:btih parameter")
	}

	m := &Magnet{
		InfoHash: ih,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
		WebSeeds: q["ws"],
	}
	if xl := q.Get("xl"); xl != "" {
		fmt.Sscanf(xl, "%d", &m.Length)
	}
	return m, nil
}

func parseExactTopic(xt string) ([20]byte, error) {
	var zero [20]byte
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return zero, apperr.New(apperr.Unknown, false, "unsupported xt namespace")
	}
	hash := xt[len(prefix):]
	switch len(hash) {
	case 40:
		b, err := hex.DecodeString(hash)
		if err != nil || len(b) != 20 {
			return zero, apperr.New(apperr.Unknown, false, "invalid hex info hash")
		}
		var out [20]byte
		copy(out[:], b)
		return out, nil
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(hash))
		if err != nil || len(b) != 20 {
			return zero, apperr.New(apperr.Unknown, false, "invalid base32 info hash")
		}
		var out [20]byte
		copy(out[:], b)
		return out, nil
	default:
		return zero, apperr.New(apperr.Unknown, false, "info hash must be 40 hex or 32 base32 chars")
	}
}

// Compose builds a magnet URI from its constituent parts, the inverse of
// New (used by the round-trip law in spec §8).
func Compose(infoHash [20]byte, name string, trackers []string) string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+hex.EncodeToString(infoHash[:]))
	if name != "" {
		v.Set("dn", name)
	}
	for _, t := range trackers {
		v.Add("tr", t)
	}
	return "magnet:?" + v.Encode()
}
