// Package handshaker performs the outgoing dial and incoming accept side
// of the BitTorrent handshake (spec §4.4 step 3), each as a short-lived
// goroutine that reports its result on a channel — the same shape as the
// teacher's internal/handshaker/{incoming,outgoing}handshaker packages
// referenced from session/run.go (h.Run(...), result sent to
// incomingHandshakerResultC/outgoingHandshakerResultC).
package handshaker

import (
	"net"
	"time"

	"github.com/fetchd/engine/internal/bittorrent/peerprotocol"
)

// Reserved bytes we advertise: Fast Extension (BEP 6) + Extension
// Protocol (BEP 10).
var OurReserved = [8]byte{0, 0, 0, 0, 0, 0x10, 0, 0x04}

// OutgoingResult is delivered once a dial+handshake attempt finishes.
type OutgoingResult struct {
	Addr     *net.TCPAddr
	Conn     net.Conn
	PeerID   [20]byte
	Reserved [8]byte
	Error    error
}

// Outgoing dials addr and performs the handshake for infoHash/peerID.
type Outgoing struct {
	Addr   *net.TCPAddr
	result chan<- OutgoingResult
}

// NewOutgoing returns an Outgoing for addr; Run performs the dial.
func NewOutgoing(addr *net.TCPAddr) *Outgoing {
	return &Outgoing{Addr: addr}
}

// Run performs the connect+handshake and sends exactly one OutgoingResult
// to resultC.
func (o *Outgoing) Run(connectTimeout, handshakeTimeout time.Duration, peerID, infoHash [20]byte, resultC chan<- OutgoingResult) {
	res := OutgoingResult{Addr: o.Addr}
	conn, err := net.DialTimeout("tcp", o.Addr.String(), connectTimeout)
	if err != nil {
		res.Error = err
		resultC <- res
		return
	}
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := peerprotocol.WriteHandshake(conn, infoHash, peerID, OurReserved); err != nil {
		conn.Close()
		res.Error = err
		resultC <- res
		return
	}
	gotHash, gotPeerID, reserved, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		res.Error = err
		resultC <- res
		return
	}
	if gotHash != infoHash {
		conn.Close()
		res.Error = errMismatchedInfoHash
		resultC <- res
		return
	}
	conn.SetDeadline(time.Time{})
	res.Conn = conn
	res.PeerID = gotPeerID
	res.Reserved = reserved
	resultC <- res
}

// IncomingResult is delivered once an accepted connection's handshake
// finishes.
type IncomingResult struct {
	Conn     net.Conn
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
	Error    error
}

// Incoming reads the handshake off an already-accepted connection and
// lets the caller validate the info hash before replying.
type Incoming struct {
	Conn net.Conn
}

// NewIncoming wraps an accepted connection.
func NewIncoming(conn net.Conn) *Incoming {
	return &Incoming{Conn: conn}
}

// Run reads the remote handshake, calls checkInfoHash to validate/look up
// the torrent, then writes our half of the handshake back.
func (in *Incoming) Run(ourPeerID [20]byte, checkInfoHash func([20]byte) bool, handshakeTimeout time.Duration, resultC chan<- IncomingResult) {
	res := IncomingResult{Conn: in.Conn}
	in.Conn.SetDeadline(time.Now().Add(handshakeTimeout))
	infoHash, peerID, reserved, err := peerprotocol.ReadHandshake(in.Conn)
	if err != nil {
		in.Conn.Close()
		res.Error = err
		resultC <- res
		return
	}
	if !checkInfoHash(infoHash) {
		in.Conn.Close()
		res.Error = errUnknownInfoHash
		resultC <- res
		return
	}
	if err := peerprotocol.WriteHandshake(in.Conn, infoHash, ourPeerID, OurReserved); err != nil {
		in.Conn.Close()
		res.Error = err
		resultC <- res
		return
	}
	in.Conn.SetDeadline(time.Time{})
	res.InfoHash = infoHash
	res.PeerID = peerID
	res.Reserved = reserved
	resultC <- res
}

type handshakeError string

func (e handshakeError) Error() string { return string(e) }

const (
	errMismatchedInfoHash = handshakeError("peer sent mismatched info hash")
	errUnknownInfoHash    = handshakeError("unknown info hash")
)
