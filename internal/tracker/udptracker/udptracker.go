// Package udptracker implements the BEP 15 UDP tracker protocol: a
// connect round trip to obtain a 64-bit connection id valid for 60s,
// then an announce round trip reusing it. Transaction ids correlate
// request/response; retries follow the 15s*2^n schedule (spec §4.6),
// delegated to internal/retry.
package udptracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/fetchd/engine/internal/apperr"
	"github.com/fetchd/engine/internal/retry"
	"github.com/fetchd/engine/internal/tracker"
)

const (
	protocolID    uint64 = 0x41727101980
	actionConnect uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape  uint32 = 2
	actionError   uint32 = 3

	maxAttempts = 8
	ioTimeout   = 15 * time.Second
)

// Tracker is a BEP 15 UDP tracker client.
type Tracker struct {
	rawURL string
	addr   string
}

// New returns a UDP tracker client for announceURL (udp://host:port/...).
func New(announceURL string) (*Tracker, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Tracker, true, "invalid udp tracker url", err)
	}
	return &Tracker{rawURL: announceURL, addr: u.Host}, nil
}

func (t *Tracker) URL() string { return t.rawURL }

// Announce performs the connect+announce round trips, retrying per BEP
// 15's schedule on timeout.
func (t *Tracker) Announce(ctx context.Context, tor *tracker.Torrent, event tracker.Event, numWant int) (*tracker.AnnounceResponse, error) {
	conn, err := net.Dial("udp", t.addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.Tracker, true, "dial udp tracker", err)
	}
	defer conn.Close()

	connID, err := t.connect(ctx, conn)
	if err != nil {
		return nil, err
	}
	return t.announce(ctx, conn, connID, tor, event, numWant)
}

func (t *Tracker) connect(ctx context.Context, conn net.Conn) (uint64, error) {
	txID := rand.Uint32()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := t.roundTrip(ctx, conn, req, 16)
	if err != nil {
		return 0, err
	}
	if binary.BigEndian.Uint32(resp[0:4]) != actionConnect || binary.BigEndian.Uint32(resp[4:8]) != txID {
		return 0, apperr.New(apperr.Tracker, true, "udp tracker connect response mismatch")
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (t *Tracker) announce(ctx context.Context, conn net.Conn, connID uint64, tor *tracker.Torrent, event tracker.Event, numWant int) (*tracker.AnnounceResponse, error) {
	txID := rand.Uint32()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], tor.InfoHash[:])
	copy(req[36:56], tor.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(tor.BytesDownloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(tor.BytesLeft))
	binary.BigEndian.PutUint64(req[72:80], uint64(tor.BytesUploaded))
	binary.BigEndian.PutUint32(req[80:84], udpEventCode(event))
	// req[84:88] = IP address (0 = default)
	binary.BigEndian.PutUint32(req[88:92], rand.Uint32()) // key
	if numWant <= 0 {
		numWant = -1
	}
	binary.BigEndian.PutUint32(req[92:96], uint32(int32(numWant)))
	binary.BigEndian.PutUint16(req[96:98], uint16(tor.Port))

	resp, err := t.roundTrip(ctx, conn, req, 20)
	if err != nil {
		return nil, err
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return nil, apperr.New(apperr.Tracker, true, "udp tracker announce transaction mismatch")
	}
	if action == actionError {
		return nil, apperr.New(apperr.Tracker, true, "udp tracker returned error: "+string(resp[8:]))
	}
	if action != actionAnnounce {
		return nil, apperr.New(apperr.Tracker, true, "unexpected udp tracker action")
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])

	peerBytes := resp[20:]
	var peers []*net.TCPAddr
	for i := 0; i+6 <= len(peerBytes); i += 6 {
		ip := net.IPv4(peerBytes[i], peerBytes[i+1], peerBytes[i+2], peerBytes[i+3])
		port := int(peerBytes[i+4])<<8 | int(peerBytes[i+5])
		peers = append(peers, &net.TCPAddr{IP: ip, Port: port})
	}

	return &tracker.AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int32(leechers),
		Seeders:  int32(seeders),
		Peers:    peers,
	}, nil
}

// roundTrip sends req and waits for a response of at least minRespLen
// bytes, retrying per the BEP 15 schedule until ctx is done or
// maxAttempts is reached.
func (t *Tracker) roundTrip(ctx context.Context, conn net.Conn, req []byte, minRespLen int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := conn.Write(req); err != nil {
			return nil, apperr.Wrap(apperr.Tracker, true, "udp tracker write", err)
		}
		deadline := time.Now().Add(retry.UDPTrackerSchedule(attempt))
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetReadDeadline(deadline)
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}
		if n < minRespLen {
			lastErr = fmt.Errorf("udp tracker response too short: %d bytes", n)
			continue
		}
		return buf[:n], nil
	}
	return nil, apperr.Wrap(apperr.Tracker, true, "udp tracker round trip failed after retries", lastErr)
}

func udpEventCode(e tracker.Event) uint32 {
	switch e {
	case tracker.EventCompleted:
		return 1
	case tracker.EventStarted:
		return 2
	case tracker.EventStopped:
		return 3
	default:
		return 0
	}
}
