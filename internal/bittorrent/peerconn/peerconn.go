// Package peerconn owns one established BitTorrent peer connection:
// a reader goroutine decoding wire messages and a writer goroutine
// serializing outgoing ones. Adapted from the teacher's
// torrent/internal/peerconn/peer.go (same Run/SendMessage/Close shape),
// generalized to the full message set in peerprotocol.
package peerconn

import (
	"net"
	"time"

	"github.com/fetchd/engine/internal/bittorrent/peerprotocol"
	"github.com/fetchd/engine/internal/logger"
)

// Conn is one live peer connection after handshake completion.
type Conn struct {
	conn          net.Conn
	id            [20]byte
	FastExtension bool
	ExtensionIDs  bool

	log logger.Logger

	messages chan peerprotocol.Message
	pieces   chan peerprotocol.PieceMessage
	sendC    chan peerprotocol.Message
	closeC   chan struct{}
	closedC  chan struct{}

	readTimeout time.Duration
}

// New wraps conn, already past the handshake, as a managed peer
// connection. id is the remote peer id, reserved encodes which
// extensions the remote advertised in its handshake reserved bytes.
func New(conn net.Conn, id [20]byte, reserved [8]byte, l logger.Logger, readTimeout time.Duration) *Conn {
	fast := reserved[7]&0x04 != 0  // BEP 6
	ext := reserved[5]&0x10 != 0   // BEP 10
	return &Conn{
		conn:          conn,
		id:            id,
		FastExtension: fast,
		ExtensionIDs:  ext,
		log:           l,
		messages:      make(chan peerprotocol.Message, 16),
		pieces:        make(chan peerprotocol.PieceMessage, 16),
		sendC:         make(chan peerprotocol.Message, 256),
		closeC:        make(chan struct{}),
		closedC:       make(chan struct{}),
		readTimeout:   readTimeout,
	}
}

func (c *Conn) ID() [20]byte          { return c.id }
func (c *Conn) RemoteAddr() net.Addr  { return c.conn.RemoteAddr() }
func (c *Conn) IP() string {
	if ta, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return ta.IP.String()
	}
	return c.conn.RemoteAddr().String()
}

// Messages returns non-piece protocol messages.
func (c *Conn) Messages() <-chan peerprotocol.Message { return c.messages }

// Pieces returns piece (block data) messages on their own channel so a
// torrent's event loop can prioritize disk writes separately, mirroring
// the teacher's split between t.messages and t.pieceMessages.
func (c *Conn) Pieces() <-chan peerprotocol.PieceMessage { return c.pieces }

// SendMessage enqueues msg for the writer goroutine.
func (c *Conn) SendMessage(msg peerprotocol.Message) {
	select {
	case c.sendC <- msg:
	case <-c.closeC:
	}
}

// Close requests shutdown and waits for both goroutines to exit.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
		return
	default:
		close(c.closeC)
	}
	c.conn.Close()
	<-c.closedC
}

// Run starts the reader and writer goroutines and blocks until either
// exits or Close is called.
func (c *Conn) Run() {
	defer close(c.closedC)
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() { c.readLoop(); close(readerDone) }()
	go func() { c.writeLoop(); close(writerDone) }()
	select {
	case <-c.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	c.conn.Close()
	<-readerDone
	<-writerDone
}

func (c *Conn) readLoop() {
	for {
		if c.readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		msg, err := peerprotocol.ReadMessage(c.conn, c.FastExtension)
		if err != nil {
			return
		}
		if msg == nil {
			continue // keep-alive
		}
		if pm, ok := msg.(peerprotocol.PieceMessage); ok {
			select {
			case c.pieces <- pm:
			case <-c.closeC:
				return
			}
			continue
		}
		select {
		case c.messages <- msg:
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	keepAlive := time.NewTicker(2 * time.Minute)
	defer keepAlive.Stop()
	for {
		select {
		case msg := <-c.sendC:
			if err := peerprotocol.WriteMessage(c.conn, msg); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := peerprotocol.WriteKeepAlive(c.conn); err != nil {
				return
			}
		case <-c.closeC:
			return
		}
	}
}
