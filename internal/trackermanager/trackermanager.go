// Package trackermanager resolves a tracker announce URL to a concrete
// Tracker implementation by scheme, and shares one blocklist and client
// configuration across every resolved tracker. Adapted from the
// teacher's internal/trackermanager.TrackerManager, referenced in
// session/session.go (s.trackerManager.Get(...)).
package trackermanager

import (
	"fmt"
	"net/url"
	"time"

	"github.com/fetchd/engine/internal/apperr"
	"github.com/fetchd/engine/internal/tracker"
	"github.com/fetchd/engine/internal/tracker/httptracker"
	"github.com/fetchd/engine/internal/tracker/udptracker"
)

// TrackerManager caches resolved Tracker clients by URL.
type TrackerManager struct {
	cache map[string]tracker.Tracker
}

// New returns an empty manager.
func New() *TrackerManager {
	return &TrackerManager{cache: make(map[string]tracker.Tracker)}
}

// Get resolves rawURL to a Tracker, constructing and caching one if
// necessary.
func (m *TrackerManager) Get(rawURL string, timeout time.Duration, userAgent string) (tracker.Tracker, error) {
	if t, ok := m.cache[rawURL]; ok {
		return t, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Tracker, false, "invalid tracker url", err)
	}
	var t tracker.Tracker
	switch u.Scheme {
	case "http", "https":
		t = httptracker.New(rawURL, timeout, userAgent)
	case "udp":
		t, err = udptracker.New(rawURL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, apperr.New(apperr.Tracker, false, fmt.Sprintf("unsupported tracker scheme: %s", u.Scheme))
	}
	m.cache[rawURL] = t
	return t, nil
}
