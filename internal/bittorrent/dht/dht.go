// Package dht adapts github.com/nictuku/dht (the teacher's own DHT
// dependency) into the narrow interface the torrent event loop needs:
// periodic peer lookups keyed by info hash, delivered asynchronously.
package dht

import (
	"net"
	"time"

	"github.com/nictuku/dht"

	"github.com/fetchd/engine/internal/logger"
)

var log = logger.New("dht")

// Node wraps a single process-wide DHT node shared by every torrent
// that opts in (spec §4.5 DHT peer discovery).
type Node struct {
	dht *dht.DHT
}

// Config mirrors the bootstrap/listen settings the engine config
// exposes (config.TorrentConfig.DHTBootstrapNodes).
type Config struct {
	Address        string
	Port           int
	BootstrapNodes []string
}

// New starts a DHT node listening on cfg.Address:cfg.Port.
func New(cfg Config) (*Node, error) {
	dc := dht.NewConfig()
	dc.Address = cfg.Address
	dc.Port = cfg.Port
	if len(cfg.BootstrapNodes) > 0 {
		joined := cfg.BootstrapNodes[0]
		for _, n := range cfg.BootstrapNodes[1:] {
			joined += "," + n
		}
		dc.DHTRouters = joined
	}
	dc.SaveRoutingTable = false
	d, err := dht.New(dc)
	if err != nil {
		return nil, err
	}
	if err := d.Start(); err != nil {
		return nil, err
	}
	return &Node{dht: d}, nil
}

// Stop shuts down the DHT node.
func (n *Node) Stop() { n.dht.Stop() }

// Announcer periodically requests peers for one info hash and
// delivers address batches on PeersC until Close is called, the same
// role as the teacher's session dhtAnnouncer + announcer.DHTAnnouncer
// pair, collapsed into one type.
type Announcer struct {
	node     *Node
	infoHash dht.InfoHash
	port     int
	PeersC   chan []*net.TCPAddr
	closeC   chan struct{}
}

// NewAnnouncer starts announcing infoHash to the DHT every interval.
func NewAnnouncer(n *Node, infoHash []byte, port int, interval time.Duration) *Announcer {
	a := &Announcer{
		node:     n,
		infoHash: dht.InfoHash(infoHash),
		port:     port,
		PeersC:   make(chan []*net.TCPAddr, 1),
		closeC:   make(chan struct{}),
	}
	go a.run(interval)
	return a
}

func (a *Announcer) run(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	a.node.dht.PeersRequest(string(a.infoHash), true)
	for {
		select {
		case <-t.C:
			a.node.dht.PeersRequest(string(a.infoHash), true)
		case res := <-a.node.dht.PeersRequestResults:
			peers, ok := res[a.infoHash]
			if !ok {
				continue
			}
			addrs := decodePeers(peers)
			select {
			case a.PeersC <- addrs:
			case <-a.closeC:
				return
			}
		case <-a.closeC:
			return
		}
	}
}

// Close stops the announcer.
func (a *Announcer) Close() { close(a.closeC) }

func decodePeers(peers []string) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for _, p := range peers {
		if len(p) != 6 {
			continue // IPv6 compact peers are not supported by nictuku/dht
		}
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IP([]byte(p[:4])),
			Port: int(uint16(p[4])<<8 | uint16(p[5])),
		})
	}
	return addrs
}
