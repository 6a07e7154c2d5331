// Package peer models one swarm member's connection state (spec §3
// Peer: address, peer id, bitfield, am_choking/am_interested/
// peer_choking/peer_interested, rolling rates, outstanding requests).
// Adapted from the teacher's internal/peer.Peer, referenced throughout
// session/run.go and session/timers.go (PeerInterested, AmChoking,
// OptimisticUnchoked, BytesDownlaodedInChokePeriod, etc).
package peer

import (
	"net"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/fetchd/engine/internal/bittorrent/bitfield"
	"github.com/fetchd/engine/internal/bittorrent/peerconn"
	"github.com/fetchd/engine/internal/bittorrent/peerprotocol"
)

// Peer is one connected swarm member.
type Peer struct {
	Conn *peerconn.Conn

	Bitfield *bitfield.Bitfield

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	FastExtension      bool
	ExtensionHandshake *peerprotocol.ExtensionHandshakeMessage

	OptimisticUnchoked bool
	Snubbed            bool
	Downloading        bool

	BanScore int

	BytesDownlaodedInChokePeriod int64
	BytesUploadedInChokePeriod   int64

	DownloadSpeed metrics.EWMA
	UploadSpeed   metrics.EWMA

	ConnectedAt time.Time

	PEX *PEXState

	requestTimeout time.Duration
}

// PEXState tracks peers learned/lost via this connection for BEP 11
// announce batching.
type PEXState struct {
	Added   map[string]struct{}
	Dropped map[string]struct{}
}

// New wraps a handshaken connection as a tracked swarm Peer.
func New(conn *peerconn.Conn, requestTimeout time.Duration) *Peer {
	p := &Peer{
		Conn:           conn,
		AmChoking:      true,
		PeerChoking:    true,
		FastExtension:  conn.FastExtension,
		DownloadSpeed:  metrics.NewEWMA1(),
		UploadSpeed:    metrics.NewEWMA1(),
		ConnectedAt:    time.Now(),
		requestTimeout: requestTimeout,
	}
	if conn.ExtensionIDs {
		p.PEX = &PEXState{Added: make(map[string]struct{}), Dropped: make(map[string]struct{})}
	}
	return p
}

func (p *Peer) ID() [20]byte        { return p.Conn.ID() }
func (p *Peer) Addr() *net.TCPAddr  { a, _ := p.Conn.RemoteAddr().(*net.TCPAddr); return a }
func (p *Peer) SendMessage(m peerprotocol.Message) { p.Conn.SendMessage(m) }
func (p *Peer) Close()                             { p.Conn.Close() }

// SendRequest issues a block request to this peer (spec §4.4 step 4).
func (p *Peer) SendRequest(index, begin, length uint32) error {
	p.Conn.SendMessage(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
	return nil
}

// TickRates advances the EWMA rate counters; called once per second by
// the torrent's speedCounterTicker, mirroring the teacher's
// downloadSpeed.Tick()/uploadSpeed.Tick() calls.
func (p *Peer) TickRates() {
	p.DownloadSpeed.Tick()
	p.UploadSpeed.Tick()
}

// Message pairs a Peer with one received non-piece protocol message, the
// shape pumped into torrent.messages in the teacher.
type Message struct {
	Peer    *Peer
	Message peerprotocol.Message
}

// PieceMessage pairs a Peer with a received block of piece data, the
// shape pumped into torrent.pieceMessages in the teacher.
type PieceMessage struct {
	Peer  *Peer
	Block peerprotocol.PieceMessage
}

// Run pumps the underlying connection's message/piece channels into the
// torrent-wide messages/pieceMessages channels and reports the peer on
// disconnected once the connection closes. It does not time out a
// silent peer and never sends on snubbed.
func (p *Peer) Run(messages chan<- Message, pieces chan<- PieceMessage, snubbed chan<- *Peer, disconnected chan<- *Peer) {
	go p.Conn.Run()
	connMessages := p.Conn.Messages()
	connPieces := p.Conn.Pieces()
	for {
		select {
		case m, ok := <-connMessages:
			if !ok {
				disconnected <- p
				return
			}
			messages <- Message{Peer: p, Message: m}
		case pm, ok := <-connPieces:
			if !ok {
				disconnected <- p
				return
			}
			p.BytesDownlaodedInChokePeriod += int64(len(pm.Data))
			p.DownloadSpeed.Update(int64(len(pm.Data)))
			pieces <- PieceMessage{Peer: p, Block: pm}
		}
	}
}
