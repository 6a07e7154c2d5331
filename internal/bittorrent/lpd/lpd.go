// Package lpd implements Local Peer Discovery: a BT-SEARCH message
// multicast over 239.192.152.143:6771 (IPv4) announcing an info hash
// and listen port to other clients on the same LAN segment, and a
// listener decoding the same from peers. Not present in the teacher
// (rain has no LPD), grounded on the wire format documented alongside
// BEP 9/11 in the pack's protocol notes and implemented in the
// teacher's idiom (single event-loop goroutine, channel-delivered
// results).
package lpd

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fetchd/engine/internal/logger"
)

var log = logger.New("lpd")

const (
	multicastAddr = "239.192.152.143:6771"
	announceEvery = 5 * time.Minute
)

// Peer is a discovered LAN peer for one info hash.
type Peer struct {
	InfoHash string
	Addr     *net.TCPAddr
}

// Client multicasts BT-SEARCH announcements for a set of info hashes
// and listens for others' announcements.
type Client struct {
	port     int
	conn     *net.UDPConn
	PeersC   chan Peer
	closeC   chan struct{}
	infoHashes map[string]struct{}
}

// New joins the LPD multicast group and begins listening.
func New(listenPort int) (*Client, error) {
	addr, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		port:       listenPort,
		conn:       conn,
		PeersC:     make(chan Peer, 16),
		closeC:     make(chan struct{}),
		infoHashes: make(map[string]struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Announce registers infoHash (20 raw bytes, hex-encoded for the wire
// message) to be periodically multicast until Close.
func (c *Client) Announce(infoHashHex string) {
	c.infoHashes[infoHashHex] = struct{}{}
}

// Run periodically multicasts BT-SEARCH for every registered info
// hash until Close is called.
func (c *Client) Run() {
	t := time.NewTicker(announceEvery)
	defer t.Stop()
	c.sendAll()
	for {
		select {
		case <-t.C:
			c.sendAll()
		case <-c.closeC:
			return
		}
	}
}

func (c *Client) sendAll() {
	addr, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return
	}
	for ih := range c.infoHashes {
		msg := fmt.Sprintf("BT-SEARCH * HTTP/1.1\r\nHost: %s\r\nPort: %d\r\nInfohash: %s\r\n\r\n\r\n",
			multicastAddr, c.port, ih)
		if _, err := c.conn.WriteToUDP([]byte(msg), addr); err != nil {
			log.Debugf("lpd announce failed: %v", err)
		}
	}
}

func (c *Client) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, src, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.closeC:
				return
			default:
				continue
			}
		}
		p, ok := parseBTSearch(buf[:n], src.IP)
		if ok {
			select {
			case c.PeersC <- p:
			default:
			}
		}
	}
}

func parseBTSearch(b []byte, ip net.IP) (Peer, bool) {
	sc := bufio.NewScanner(strings.NewReader(string(b)))
	var infoHash string
	var port int
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Infohash:"):
			infoHash = strings.TrimSpace(strings.TrimPrefix(line, "Infohash:"))
		case strings.HasPrefix(line, "Port:"):
			port, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Port:")))
		}
	}
	if infoHash == "" || port == 0 {
		return Peer{}, false
	}
	return Peer{InfoHash: infoHash, Addr: &net.TCPAddr{IP: ip, Port: port}}, true
}

// Close stops the announce loop and listener.
func (c *Client) Close() error {
	close(c.closeC)
	return c.conn.Close()
}
