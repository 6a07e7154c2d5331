// Package pex implements BEP 11 peer exchange: tracking which peer
// addresses have been added/dropped since the last message to each
// peer, and decoding the compact address lists peers send us.
// Grounded on the peerprotocol.ExtensionPEXMessage wire type and the
// teacher's per-peer PEX bookkeeping referenced from peer.Peer.PEX.
package pex

import (
	"net"

	"github.com/fetchd/engine/internal/bittorrent/peerprotocol"
)

// Tracker accumulates the swarm-wide set of known addresses (AddAddrs).
// It does not build outgoing PEX messages itself.
type Tracker struct {
	known map[string]struct{}
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{known: make(map[string]struct{})}
}

// AddAddrs folds newly discovered peer addresses into the known set.
func (t *Tracker) AddAddrs(addrs []*net.TCPAddr) {
	for _, a := range addrs {
		t.known[a.String()] = struct{}{}
	}
}

// Message builds a PEX extended message advertising addrs not in
// alreadySent, and returns the updated alreadySent set.
func Message(addrs []*net.TCPAddr, alreadySent map[string]struct{}) (*peerprotocol.ExtensionPEXMessage, map[string]struct{}) {
	var added []byte
	next := make(map[string]struct{}, len(alreadySent))
	for k := range alreadySent {
		next[k] = struct{}{}
	}
	for _, a := range addrs {
		key := a.String()
		if _, ok := alreadySent[key]; ok {
			next[key] = struct{}{}
			continue
		}
		ip4 := a.IP.To4()
		if ip4 == nil {
			continue
		}
		added = append(added, ip4...)
		added = append(added, byte(a.Port>>8), byte(a.Port))
		next[key] = struct{}{}
	}
	return &peerprotocol.ExtensionPEXMessage{Added: string(added)}, next
}

// DecodeAddrs parses a PEX message's compact "added" field (BEP 11,
// same 6-byte-per-peer layout as BEP 23 compact tracker peers).
func DecodeAddrs(compact string) []*net.TCPAddr {
	b := []byte(compact)
	var addrs []*net.TCPAddr
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return addrs
}
