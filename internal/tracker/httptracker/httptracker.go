// Package httptracker implements the HTTP(S) tracker announce protocol
// (spec §4.6): GET with info_hash/peer_id/port/uploaded/downloaded/left/
// event/compact=1 query parameters, Bencode response with either a
// compact peer string or a list of {ip,port} dictionaries.
package httptracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fetchd/engine/internal/apperr"
	"github.com/fetchd/engine/internal/bencode"
	"github.com/fetchd/engine/internal/tracker"
)

// Tracker is an HTTP(S) tracker client.
type Tracker struct {
	rawURL    string
	client    *http.Client
	userAgent string
}

// New returns an HTTP tracker client for announceURL.
func New(announceURL string, timeout time.Duration, userAgent string) *Tracker {
	return &Tracker{
		rawURL:    announceURL,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (t *Tracker) URL() string { return t.rawURL }

type response struct {
	FailureReason string             `bencode:"failure reason"`
	Warning       string             `bencode:"warning message"`
	Interval      int64              `bencode:"interval"`
	MinInterval   int64              `bencode:"min interval"`
	Complete      int32              `bencode:"complete"`
	Incomplete    int32              `bencode:"incomplete"`
	RawPeers      bencode.RawMessage `bencode:"peers"`
}

// Announce performs one HTTP tracker announce request.
func (t *Tracker) Announce(ctx context.Context, tor *tracker.Torrent, event tracker.Event, numWant int) (*tracker.AnnounceResponse, error) {
	q := url.Values{}
	q.Set("info_hash", string(tor.InfoHash[:]))
	q.Set("peer_id", string(tor.PeerID[:]))
	q.Set("port", fmt.Sprintf("%d", tor.Port))
	q.Set("uploaded", fmt.Sprintf("%d", tor.BytesUploaded))
	q.Set("downloaded", fmt.Sprintf("%d", tor.BytesDownloaded))
	q.Set("left", fmt.Sprintf("%d", tor.BytesLeft))
	q.Set("compact", "1")
	if numWant > 0 {
		q.Set("numwant", fmt.Sprintf("%d", numWant))
	}
	if e := event.String(); e != "" {
		q.Set("event", e)
	}

	u, err := url.Parse(t.rawURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Tracker, true, "invalid tracker url", err)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Tracker, true, "build request", err)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Tracker, true, "announce request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.Tracker, true, fmt.Sprintf("tracker returned status %d", resp.StatusCode))
	}

	var body []byte
	body, err = readAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Tracker, true, "read tracker response", err)
	}

	var r response
	if err := bencode.Unmarshal(body, &r); err != nil {
		return nil, apperr.Wrap(apperr.Tracker, true, "parse tracker response", err)
	}
	if r.FailureReason != "" {
		return nil, apperr.New(apperr.Tracker, true, "tracker failure: "+r.FailureReason)
	}

	peers, err := decodePeers(r.RawPeers)
	if err != nil {
		return nil, apperr.Wrap(apperr.Tracker, true, "parse peer list", err)
	}

	return &tracker.AnnounceResponse{
		Interval:    time.Duration(r.Interval) * time.Second,
		MinInterval: time.Duration(r.MinInterval) * time.Second,
		Seeders:     r.Complete,
		Leechers:    r.Incomplete,
		Peers:       peers,
	}, nil
}
