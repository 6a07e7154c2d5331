package session

import (
	"crypto/rand"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/fetchd/engine/internal/apperr"
	"github.com/fetchd/engine/internal/bittorrent/bitfield"
	"github.com/fetchd/engine/internal/bittorrent/dht"
	"github.com/fetchd/engine/internal/bittorrent/resumer"
	"github.com/fetchd/engine/internal/bittorrent/storage/filestorage"
	"github.com/fetchd/engine/internal/config"
	"github.com/fetchd/engine/internal/events"
	"github.com/fetchd/engine/internal/ids"
	"github.com/fetchd/engine/internal/logger"
	"github.com/fetchd/engine/internal/magnet"
	"github.com/fetchd/engine/internal/metainfo"
	"github.com/fetchd/engine/internal/tracker"
	"github.com/fetchd/engine/internal/trackermanager"
)

var (
	torrentsBucket = []byte("torrents")
)

// Session owns every active Torrent, the shared resume database, the
// process-wide DHT node, port allocation, and peer id generation. It
// generalizes the teacher's session/session.go from one fixed config to
// the engine's internal/config.Config, and keys its bolt resume buckets
// by ids.New()-generated ids. These ids belong to the session; the
// controller's catalog record for the same torrent has its own,
// separate id.
type Session struct {
	cfg  config.TorrentConfig
	peerID [20]byte

	db  *bolt.DB
	dir string
	log logger.Logger

	dhtNode *dht.Node
	trackerManager *trackermanager.TrackerManager
	bus     *events.Bus

	mu       sync.RWMutex
	torrents map[string]*Torrent

	mPorts    sync.Mutex
	freePorts map[int]struct{}
}

// New opens (or creates) the resume database at dbPath, starts a DHT
// node whenever cfg.DHTBootstrapNodes is non-nil, and reloads any
// torrents it already has resume state for. The enable_dht, enable_pex
// and enable_lpd settings are not read here; every torrent's Config has
// PEXEnabled and LPDEnabled set.
func New(cfg config.TorrentConfig, dbPath, dataDir string, bus *events.Bus) (*Session, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, apperr.Wrap(apperr.File, false, "create database directory", err)
	}
	db, err := bolt.Open(dbPath, 0640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, apperr.Wrap(apperr.File, false, "open resume database", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(torrentsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.File, false, "create torrents bucket", err)
	}

	ports := make(map[int]struct{})
	for p := int(cfg.ListenPortBegin); p < int(cfg.ListenPortEnd); p++ {
		ports[p] = struct{}{}
	}

	s := &Session{
		cfg:            cfg,
		db:             db,
		dir:            dataDir,
		log:            logger.New("bittorrent"),
		trackerManager: trackermanager.New(),
		bus:            bus,
		torrents:       make(map[string]*Torrent),
		freePorts:      ports,
	}
	copy(s.peerID[:], "-FE0001-")
	if _, err := rand.Read(s.peerID[8:]); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Unknown, false, "generate peer id", err)
	}

	if cfg.DHTBootstrapNodes != nil {
		node, err := dht.New(dht.Config{Address: "0.0.0.0", Port: int(cfg.ListenPortBegin), BootstrapNodes: cfg.DHTBootstrapNodes})
		if err != nil {
			s.log.Warningln("cannot start dht node:", err.Error())
		} else {
			s.dhtNode = node
		}
	}

	if err := s.loadExisting(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) sessionConfig(endgame bool, endgameThreshold int) Config {
	return Config{
		MaxPeerDial:             s.cfg.MaxPeerDial,
		MaxPeerAccept:           s.cfg.MaxPeerAccept,
		PeerConnectTimeout:      10 * time.Second,
		PeerHandshakeTimeout:    10 * time.Second,
		RequestTimeout:          s.cfg.PeerTimeout,
		UnchokedPeers:           s.cfg.UnchokedPeers,
		OptimisticUnchokedPeers: s.cfg.OptimisticUnchokedPeers,
		EndgameThreshold:        endgameThreshold,
		MaxPendingRequests:      s.cfg.MaxPendingRequests,
		BitfieldWriteInterval:   30 * time.Second,
		StatsWriteInterval:      30 * time.Second,
		PEXEnabled:              true,
		DHTEnabled:              s.dhtNode != nil,
		LPDEnabled:              true,
		ClientVersion:           "fetchd-engine/1.0",
		TrackerTimeout:          s.cfg.TrackerUpdateInterval,
		TrackerAnnounceInterval: s.cfg.TrackerUpdateInterval,
	}
}

func (s *Session) loadExisting() error {
	var existing []string
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket, not a plain key/value pair
				existing = append(existing, string(k))
			}
			return nil
		})
	}); err != nil {
		return apperr.Wrap(apperr.File, false, "enumerate existing torrents", err)
	}

	for _, id := range existing {
		if err := s.loadOne(id); err != nil {
			s.log.Errorln("cannot load torrent", id, ":", err.Error())
		}
	}
	return nil
}

func (s *Session) loadOne(id string) error {
	res, err := resumer.New(s.db, torrentsBucket, []byte(id))
	if err != nil {
		return err
	}
	spec, err := res.Read()
	if err != nil {
		return err
	}
	var infoHash [20]byte
	copy(infoHash[:], spec.InfoHash)

	var info *metainfo.Info
	var bf *bitfield.Bitfield
	if len(spec.Info) > 0 {
		info, err = metainfo.NewInfo(spec.Info)
		if err != nil {
			return err
		}
		if len(spec.Bitfield) > 0 {
			bf, err = bitfield.NewBytes(spec.Bitfield, info.NumPieces)
			if err != nil {
				return err
			}
		}
	}

	sto, err := filestorage.New(spec.Dest)
	if err != nil {
		return err
	}

	t, err := New(Params{
		ID:       id,
		InfoHash: infoHash,
		Name:     spec.Name,
		Info:     info,
		Bitfield: bf,
		Trackers: s.resolveTrackers(spec.Trackers),
		Port:     spec.Port,
		PeerID:   s.peerID,
		Storage:  sto,
		Resume:   res,
		DHTNode:  s.dhtNode,
		Bus:      s.bus,
	}, s.sessionConfig(true, 20))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.torrents[id] = t
	s.mu.Unlock()
	s.mPorts.Lock()
	delete(s.freePorts, spec.Port)
	s.mPorts.Unlock()

	if spec.Started {
		t.Start()
	}
	return nil
}

func (s *Session) resolveTrackers(urls []string) []tracker.Tracker {
	out := make([]tracker.Tracker, 0, len(urls))
	for _, u := range urls {
		tr, err := s.trackerManager.Get(u, s.cfg.TrackerUpdateInterval, "fetchd-engine/1.0")
		if err != nil {
			s.log.Warningln("skipping unparseable tracker url:", err.Error())
			continue
		}
		out = append(out, tr)
	}
	return out
}

// AddTorrent registers a new download from a .torrent file's bytes.
func (s *Session) AddTorrent(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}
	port, id, err := s.reserve()
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			s.release(port)
		}
	}()

	dest := filepath.Join(s.dir, id)
	sto, err := filestorage.New(dest)
	if err != nil {
		return nil, err
	}
	res, err := resumer.New(s.db, torrentsBucket, []byte(id))
	if err != nil {
		return nil, err
	}

	t, err := New(Params{
		ID:       id,
		InfoHash: mi.Info.Hash,
		Name:     mi.Info.Name,
		Info:     mi.Info,
		Trackers: s.resolveTrackers(mi.GetTrackers()),
		Port:     port,
		PeerID:   s.peerID,
		Storage:  sto,
		Resume:   res,
		DHTNode:  s.dhtNode,
		Bus:      s.bus,
	}, s.sessionConfig(true, 20))
	if err != nil {
		return nil, err
	}

	spec := &resumer.Spec{
		InfoHash: mi.Info.Hash[:],
		Dest:     dest,
		Port:     port,
		Name:     mi.Info.Name,
		Trackers: mi.GetTrackers(),
		Info:     mi.Info.Bytes,
		AddedAt:  time.Now().UTC(),
		Started:  true,
	}
	if err := res.Write(spec); err != nil {
		t.Close()
		return nil, err
	}

	s.mu.Lock()
	s.torrents[id] = t
	s.mu.Unlock()
	ok = true
	t.Start()
	return t, nil
}

// AddURI adds a torrent from an http(s):// .torrent URL or a magnet:
// link (spec §4.5).
func (s *Session) AddURI(uri string) (*Torrent, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unknown, false, "invalid uri", err)
	}
	switch u.Scheme {
	case "http", "https":
		return s.addURL(uri)
	case "magnet":
		return s.addMagnet(uri)
	default:
		return nil, apperr.New(apperr.Unknown, false, "unsupported uri scheme: "+u.Scheme)
	}
}

func (s *Session) addURL(u string) (*Torrent, error) {
	resp, err := http.Get(u)
	if err != nil {
		return nil, apperr.Wrap(apperr.Network, true, "fetch torrent file", err)
	}
	defer resp.Body.Close()
	return s.AddTorrent(resp.Body)
}

func (s *Session) addMagnet(link string) (*Torrent, error) {
	ma, err := magnet.New(link)
	if err != nil {
		return nil, err
	}
	port, id, err := s.reserve()
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			s.release(port)
		}
	}()

	dest := filepath.Join(s.dir, id)
	sto, err := filestorage.New(dest)
	if err != nil {
		return nil, err
	}
	res, err := resumer.New(s.db, torrentsBucket, []byte(id))
	if err != nil {
		return nil, err
	}

	t, err := New(Params{
		ID:       id,
		InfoHash: ma.InfoHash,
		Name:     ma.Name,
		Trackers: s.resolveTrackers(ma.Trackers),
		Port:     port,
		PeerID:   s.peerID,
		Storage:  sto,
		Resume:   res,
		DHTNode:  s.dhtNode,
		Bus:      s.bus,
	}, s.sessionConfig(true, 20))
	if err != nil {
		return nil, err
	}

	spec := &resumer.Spec{
		InfoHash: ma.InfoHash[:],
		Dest:     dest,
		Port:     port,
		Name:     ma.Name,
		Trackers: ma.Trackers,
		AddedAt:  time.Now().UTC(),
		Started:  true,
	}
	if err := res.Write(spec); err != nil {
		t.Close()
		return nil, err
	}

	s.mu.Lock()
	s.torrents[id] = t
	s.mu.Unlock()
	ok = true
	t.Start()
	return t, nil
}

func (s *Session) reserve() (port int, id string, err error) {
	s.mPorts.Lock()
	for p := range s.freePorts {
		port = p
		delete(s.freePorts, p)
		break
	}
	s.mPorts.Unlock()
	if port == 0 {
		return 0, "", apperr.New(apperr.Unknown, false, "no free bittorrent listen port available")
	}
	return port, ids.New(), nil
}

func (s *Session) release(port int) {
	s.mPorts.Lock()
	s.freePorts[port] = struct{}{}
	s.mPorts.Unlock()
}

// GetTorrent looks up a torrent by id.
func (s *Session) GetTorrent(id string) (*Torrent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.torrents[id]
	return t, ok
}

// ListTorrents returns a snapshot of every managed torrent.
func (s *Session) ListTorrents() []*Torrent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// RemoveTorrent stops and forgets a torrent, deleting its resume bucket
// and (if requested) its downloaded files.
func (s *Session) RemoveTorrent(id string, deleteFiles bool) error {
	s.mu.Lock()
	t, ok := s.torrents[id]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.NotFound, false, "torrent not found")
	}
	delete(s.torrents, id)
	s.mu.Unlock()

	t.Close()
	s.release(t.port)

	dest := ""
	if fs, ok := t.storage.(*filestorage.FileStorage); ok {
		dest = fs.Dest()
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).DeleteBucket([]byte(id))
	}); err != nil {
		return apperr.Wrap(apperr.File, false, "delete resume bucket", err)
	}
	if deleteFiles && dest != "" {
		if err := os.RemoveAll(dest); err != nil {
			return apperr.Wrap(apperr.File, false, "delete torrent files", err)
		}
	}
	return nil
}

// Close stops every torrent and the resume database.
func (s *Session) Close() error {
	s.mu.Lock()
	torrents := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	s.torrents = nil
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(torrents))
	for _, t := range torrents {
		go func(t *Torrent) {
			defer wg.Done()
			t.Close()
		}(t)
	}
	wg.Wait()

	if s.dhtNode != nil {
		s.dhtNode.Stop()
	}
	return s.db.Close()
}
