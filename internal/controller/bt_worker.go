package controller

import (
	"fmt"
	"sync/atomic"
	"time"

	btsession "github.com/fetchd/engine/internal/bittorrent/session"
	"github.com/fetchd/engine/internal/logger"
)

// btWorker adapts a *btsession.Torrent to the controller's worker
// interface. A BitTorrent swarm already manages its own peer/piece
// concurrency inside Torrent.run(), so the worker here does nothing
// but start/stop it and poll Stats() for the controller's progress
// ticker, mirroring how the teacher's own CLI (cmd/torrent) drives a
// Torrent purely through its exported Start/Stop/Stats/Close methods
// rather than reaching into its internals.
type btWorker struct {
	c   *Controller
	d   *download
	tor *btsession.Torrent
	log logger.Logger

	stopPollC chan struct{}
	completedOnce int32
}

func newBTWorkerFromTorrent(c *Controller, d *download, tor *btsession.Torrent) *btWorker {
	w := &btWorker{
		c:   c,
		d:   d,
		tor: tor,
		log: logger.New("bt " + d.rec.ID),
	}
	w.startPolling()
	return w
}

// newBTWorker rebuilds a btWorker for a torrent the Session already
// loaded from disk on startup (LoadExisting). The session keys its
// torrents map by its own reserved session id, not by info hash, so
// the matching *btsession.Torrent is found by scanning ListTorrents
// for the record's persisted info hash.
func newBTWorker(c *Controller, d *download) *btWorker {
	w := &btWorker{
		c:   c,
		d:   d,
		log: logger.New("bt " + d.rec.ID),
	}
	for _, tor := range c.bt.ListTorrents() {
		if fmt.Sprintf("%x", tor.InfoHash()) == d.rec.InfoHash {
			w.tor = tor
			break
		}
	}
	if w.tor != nil {
		w.startPolling()
	}
	return w
}

func (w *btWorker) Start() {
	if w.tor != nil {
		w.tor.Start()
	}
}

func (w *btWorker) Pause() {
	if w.tor != nil {
		w.tor.Stop()
	}
}

func (w *btWorker) Resume() {
	w.Start()
}

func (w *btWorker) Close(deleteFiles bool) {
	if w.stopPollC != nil {
		close(w.stopPollC)
		w.stopPollC = nil
	}
	if w.tor == nil {
		return
	}
	w.c.bt.RemoveTorrent(w.tor.ID(), deleteFiles)
}

func (w *btWorker) Progress() (completed, total int64, downSpeed, upSpeed int64, connections int) {
	if w.tor == nil {
		return 0, 0, 0, 0, 0
	}
	st := w.tor.Stats()
	return st.BytesCompleted, st.BytesTotal, 0, 0, st.Peers
}

// startPolling watches Stats().Status for the transition into Seeding,
// the BitTorrent analogue of an HTTP download's 100%-and-verified
// completion, and reports it to the controller exactly once.
func (w *btWorker) startPolling() {
	w.stopPollC = make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-w.stopPollC:
				return
			case <-t.C:
				st := w.tor.Stats()
				if st.Status == btsession.Seeding && atomic.CompareAndSwapInt32(&w.completedOnce, 0, 1) {
					w.c.onCompleted(w.d.rec.ID)
				}
			}
		}
	}()
}
