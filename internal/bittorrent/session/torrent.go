// Package session implements the BitTorrent [MODULE] of the engine:
// one event-loop goroutine per torrent driving peer handshakes, piece
// selection/download, choke algorithm, tracker/DHT/PEX/LPD peer
// discovery, and resumable on-disk writes. Ported and generalized
// from the teacher's session/{session,run,timers,torrent}.go, split
// across the new internal/bittorrent/* packages built from bencode
// upward.
package session

import (
	"math/rand"
	"net"
	"sort"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/fetchd/engine/internal/apperr"
	"github.com/fetchd/engine/internal/bittorrent/acceptor"
	"github.com/fetchd/engine/internal/bittorrent/addrlist"
	"github.com/fetchd/engine/internal/bittorrent/announcer"
	"github.com/fetchd/engine/internal/bittorrent/bitfield"
	"github.com/fetchd/engine/internal/bittorrent/dht"
	"github.com/fetchd/engine/internal/bittorrent/handshaker"
	"github.com/fetchd/engine/internal/bittorrent/infodownloader"
	"github.com/fetchd/engine/internal/bittorrent/peer"
	"github.com/fetchd/engine/internal/bittorrent/peerconn"
	"github.com/fetchd/engine/internal/bittorrent/peerprotocol"
	"github.com/fetchd/engine/internal/bittorrent/pex"
	"github.com/fetchd/engine/internal/bittorrent/piecedownloader"
	"github.com/fetchd/engine/internal/bittorrent/piecepicker"
	"github.com/fetchd/engine/internal/bittorrent/piecewriter"
	"github.com/fetchd/engine/internal/bittorrent/resumer"
	bstorage "github.com/fetchd/engine/internal/bittorrent/storage"
	"github.com/fetchd/engine/internal/events"
	"github.com/fetchd/engine/internal/logger"
	"github.com/fetchd/engine/internal/metainfo"
	"github.com/fetchd/engine/internal/tracker"
)

// Status is a torrent's lifecycle state (spec §3 Download.status,
// restricted to the BitTorrent subset).
type Status int

const (
	Stopped Status = iota
	Starting
	Downloading
	Seeding
	Stopping
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot returned by Torrent.Stats.
type Stats struct {
	Status          Status
	BytesDownloaded int64
	BytesUploaded   int64
	BytesTotal      int64
	BytesCompleted  int64
	Peers           int
	Seeders         int32
	Leechers        int32
}

// Torrent manages the download/upload of a single BitTorrent swarm.
type Torrent struct {
	id       string
	cfg      Config
	infoHash [20]byte
	name     string
	peerID   [20]byte
	port     int

	info     *metainfo.Info
	bitfield *bitfield.Bitfield
	files    []bstorage.File
	storage  bstorage.Storage

	trackers []tracker.Tracker
	resume   *resumer.Resumer

	dhtNode     *dht.Node
	dhtAnnouncer *dht.Announcer
	pexTracker  *pex.Tracker

	bus *events.Bus

	acceptor *acceptor.Acceptor

	peers         map[*peer.Peer]struct{}
	incomingPeers map[*peer.Peer]struct{}
	outgoingPeers map[*peer.Peer]struct{}
	peersSnubbed  map[*peer.Peer]struct{}
	peerIDs       map[[20]byte]struct{}
	connectedIPs  map[string]struct{}

	piecePicker *piecepicker.PiecePicker

	pieceDownloaders       map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloaderCancelC map[*peer.Peer]chan struct{}
	infoDownloaders        map[*peer.Peer]*infodownloader.InfoDownloader

	incomingHandshakers map[*handshaker.Incoming]struct{}
	outgoingHandshakers map[*handshaker.Outgoing]struct{}
	incomingResultC     chan handshaker.IncomingResult
	outgoingResultC     chan handshaker.OutgoingResult

	messages      chan peer.Message
	pieceMessages chan peer.PieceMessage
	peerDisconnectedC chan *peer.Peer
	peerSnubbedC      chan *peer.Peer

	pieceWriterResultC chan piecewriter.Result
	piecesWriting      map[uint32]struct{}

	addrList          *addrlist.AddrList
	addrsFromTrackers chan []*net.TCPAddr
	dhtPeersC         chan []*net.TCPAddr
	lpdPeersC         chan []*net.TCPAddr

	announcers        []*announcer.PeriodicalAnnouncer
	announceResultC   chan announcer.AnnounceResult
	announcerRequestC chan *announcer.Request
	stopAnnouncer     *announcer.StopAnnouncer
	announcersStoppedC chan struct{}

	optimisticUnchokedPeers []*peer.Peer

	status     Status
	completed  bool
	bytesDown  int64
	bytesUp    int64
	lastError  error

	startCommandC chan struct{}
	stopCommandC  chan struct{}
	statsCommandC chan chan Stats
	infoCommandC  chan chan *metainfo.Info
	peersCommandC chan chan []string
	closeC        chan chan struct{}

	unchokeTicker           *time.Ticker
	optimisticUnchokeTicker *time.Ticker
	speedTicker             *time.Ticker
	bitfieldWriteTimer      *time.Timer
	statsWriteTicker        *time.Ticker

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	log logger.Logger
}

// Params bundles the inputs Session has already resolved before
// constructing a Torrent (metainfo may be nil for a magnet link whose
// metadata hasn't arrived yet).
type Params struct {
	ID       string
	InfoHash [20]byte
	Name     string
	Info     *metainfo.Info
	Bitfield *bitfield.Bitfield
	Trackers []tracker.Tracker
	Port     int
	PeerID   [20]byte
	Storage  bstorage.Storage
	Resume   *resumer.Resumer
	DHTNode  *dht.Node
	Bus      *events.Bus
}

// New constructs a Torrent in the Stopped state; call Start to begin
// connecting to peers.
func New(p Params, cfg Config) (*Torrent, error) {
	t := &Torrent{
		id:       p.ID,
		cfg:      cfg,
		infoHash: p.InfoHash,
		name:     p.Name,
		peerID:   p.PeerID,
		port:     p.Port,
		info:     p.Info,
		bitfield: p.Bitfield,
		storage:  p.Storage,
		trackers: p.Trackers,
		resume:   p.Resume,
		dhtNode:  p.DHTNode,
		bus:      p.Bus,

		peers:         make(map[*peer.Peer]struct{}),
		incomingPeers: make(map[*peer.Peer]struct{}),
		outgoingPeers: make(map[*peer.Peer]struct{}),
		peersSnubbed:  make(map[*peer.Peer]struct{}),
		peerIDs:       make(map[[20]byte]struct{}),
		connectedIPs:  make(map[string]struct{}),

		pieceDownloaders:       make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloaderCancelC: make(map[*peer.Peer]chan struct{}),
		infoDownloaders:        make(map[*peer.Peer]*infodownloader.InfoDownloader),

		incomingHandshakers: make(map[*handshaker.Incoming]struct{}),
		outgoingHandshakers: make(map[*handshaker.Outgoing]struct{}),
		incomingResultC:     make(chan handshaker.IncomingResult),
		outgoingResultC:     make(chan handshaker.OutgoingResult),

		messages:          make(chan peer.Message),
		pieceMessages:     make(chan peer.PieceMessage),
		peerDisconnectedC: make(chan *peer.Peer),
		peerSnubbedC:      make(chan *peer.Peer),

		pieceWriterResultC: make(chan piecewriter.Result),
		piecesWriting:      make(map[uint32]struct{}),

		addrList:          addrlist.New(2000),
		addrsFromTrackers: make(chan []*net.TCPAddr),
		dhtPeersC:         make(chan []*net.TCPAddr),
		lpdPeersC:         make(chan []*net.TCPAddr),

		announceResultC:    make(chan announcer.AnnounceResult),
		announcerRequestC:  make(chan *announcer.Request),
		announcersStoppedC: make(chan struct{}, 1),

		startCommandC: make(chan struct{}),
		stopCommandC:  make(chan struct{}),
		statsCommandC: make(chan chan Stats),
		infoCommandC:  make(chan chan *metainfo.Info),
		peersCommandC: make(chan chan []string),
		closeC:        make(chan chan struct{}),

		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),

		log: logger.New("torrent " + p.Name),
	}
	if cfg.PEXEnabled {
		t.pexTracker = pex.New()
	}
	if p.Info != nil {
		if err := t.openFiles(); err != nil {
			return nil, err
		}
		if t.bitfield == nil {
			t.bitfield = bitfield.New(p.Info.NumPieces)
		}
		t.piecePicker = piecepicker.New(p.Info.NumPieces, t.bitfield, false, cfg.EndgameThreshold)
	}
	go t.run()
	return t, nil
}

func (t *Torrent) openFiles() error {
	specs := make([]bstorage.FileSpec, len(t.info.Files))
	for i, f := range t.info.Files {
		specs[i] = bstorage.FileSpec{RelPath: joinPath(f.Path), Length: f.Length}
	}
	files, err := t.storage.Open(specs)
	if err != nil {
		return err
	}
	t.files = files
	return nil
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// ID returns the torrent's engine-assigned identifier.
func (t *Torrent) ID() string { return t.id }

// InfoHash returns the 20-byte SHA1 info hash.
func (t *Torrent) InfoHash() [20]byte { return t.infoHash }

// Name returns the torrent's display name.
func (t *Torrent) Name() string { return t.name }

// Start requests the torrent begin connecting to peers.
func (t *Torrent) Start() { t.startCommandC <- struct{}{} }

// Stop requests the torrent gracefully disconnect and announce the
// "stopped" event to its trackers.
func (t *Torrent) Stop() { t.stopCommandC <- struct{}{} }

// Stats returns a snapshot of the torrent's current state.
func (t *Torrent) Stats() Stats {
	respC := make(chan Stats)
	t.statsCommandC <- respC
	return <-respC
}

// Info returns the torrent's metainfo, or nil if it hasn't been
// fetched yet (magnet link still awaiting BEP 9 metadata).
func (t *Torrent) Info() *metainfo.Info {
	respC := make(chan *metainfo.Info)
	t.infoCommandC <- respC
	return <-respC
}

// PeerAddrs returns the remote addresses of every currently connected
// peer, for the get_peers RPC method.
func (t *Torrent) PeerAddrs() []string {
	respC := make(chan []string)
	t.peersCommandC <- respC
	return <-respC
}

// Close stops the torrent and its event loop permanently.
func (t *Torrent) Close() {
	doneC := make(chan struct{})
	t.closeC <- doneC
	<-doneC
}

func (t *Torrent) publish(name string, data interface{}) {
	if t.bus != nil {
		t.bus.Publish(name, data)
	}
}
