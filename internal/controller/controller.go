// Package controller implements the engine's catalog owner (spec §4.2):
// single-owner admission policy, priority queue, event publication, and
// progress/global-stats ticking, grounded on the teacher's Session
// (session/session.go) + Torrent.run() (session/run.go) pattern — one
// goroutine is the sole mutator of shared state, reached only through a
// command channel, exactly as session/run.go's select loop is the only
// place that touches *Torrent fields.
package controller

import (
	"bytes"
	"container/heap"
	"fmt"
	"time"

	"github.com/fetchd/engine/internal/apperr"
	btsession "github.com/fetchd/engine/internal/bittorrent/session"
	"github.com/fetchd/engine/internal/config"
	"github.com/fetchd/engine/internal/events"
	"github.com/fetchd/engine/internal/ids"
	"github.com/fetchd/engine/internal/limiter"
	"github.com/fetchd/engine/internal/logger"
	"github.com/fetchd/engine/internal/metrics"
	"github.com/fetchd/engine/internal/storage"
)

// State is the normalized download lifecycle (spec §3 DownloadState).
type State string

const (
	StateQueued     State = "queued"
	StateDownloading State = "downloading"
	StateStalled    State = "stalled"
	StatePaused     State = "paused"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateRetrying   State = "retrying"
)

// stallTimeout is how long an active download may go without forward
// progress before being surfaced as "stalled" (spec §9 open question,
// resolved: retain the 30s heuristic absent evidence otherwise).
const stallTimeout = 30 * time.Second

// worker is implemented by httpWorker and btWorker: the controller
// drives both through the same narrow interface so admission/pause/
// resume/remove logic never branches on download kind.
type worker interface {
	Start()
	Pause()
	Resume()
	Close(deleteFiles bool)
	Progress() (completed, total int64, downSpeed, upSpeed int64, connections int)
}

// download is the controller's in-memory view of one catalog entry;
// rec is the persisted projection kept in sync on every mutation.
type download struct {
	rec      storage.DownloadRecord
	priority Priority
	seq      int64
	worker   worker
	lastProgressAt time.Time
	lastCompleted  int64
	lastProgressEmit time.Time
	retryAttempt   int

	// limiterBucket is this download's own token bucket, composed with
	// the controller's global bucket inside httpWorker (spec §4.3
	// "both must admit"). Created lazily by downloadLimiter so downloads
	// that never have set_speed_limit called on them stay unlimited
	// without allocating a rate.Limiter for every queued item.
	limiterBucket *limiter.Bucket
}

// downloadLimiter returns d's per-download token bucket, creating it
// (seeded from the persisted SpeedLimit) on first use.
func (c *Controller) downloadLimiter(d *download) *limiter.Bucket {
	if d.limiterBucket == nil {
		d.limiterBucket = limiter.New(d.rec.SpeedLimit)
	}
	return d.limiterBucket
}

// Controller owns the catalog and is the only component permitted to
// mutate a download's state; everything else talks to it over cmdC.
type Controller struct {
	cfg   *config.Config
	store *storage.Store
	bt    *btsession.Session
	bus   *events.Bus
	globalLimiter *limiter.Bucket
	log   logger.Logger

	catalog  map[string]*download

	queue   admissionQueue
	active  int
	nextSeq int64

	cmdC  chan func(*Controller)
	closeC chan struct{}
	doneC  chan struct{}
}

// New builds a Controller from a loaded config and opened store. It
// does not yet load persisted downloads; call LoadExisting for that
// (split out so cmd/fetchd-engine can log progress between the two).
func New(cfg *config.Config, store *storage.Store, bt *btsession.Session, bus *events.Bus) *Controller {
	c := &Controller{
		cfg:     cfg,
		store:   store,
		bt:      bt,
		bus:     bus,
		globalLimiter: limiter.New(cfg.GlobalDownloadLimit),
		log:     logger.New("controller"),
		catalog: make(map[string]*download),
		cmdC:    make(chan func(*Controller), 64),
		closeC:  make(chan struct{}),
		doneC:   make(chan struct{}),
	}
	heap.Init(&c.queue)
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.doneC)
	progressTicker := time.NewTicker(250 * time.Millisecond)
	statsTicker := time.NewTicker(time.Second)
	defer progressTicker.Stop()
	defer statsTicker.Stop()
	for {
		select {
		case <-c.closeC:
			return
		case fn := <-c.cmdC:
			fn(c)
		case <-progressTicker.C:
			c.tickProgress()
		case <-statsTicker.C:
			c.tickGlobalStats()
		}
	}
}

// do runs fn on the controller's single goroutine and waits for it to
// finish, the same round-trip shape as session/torrent.go's
// statsCommandC request/response.
func (c *Controller) do(fn func(*Controller)) {
	done := make(chan struct{})
	c.cmdC <- func(c *Controller) {
		fn(c)
		close(done)
	}
	<-done
}

// LoadExisting resets any in-flight segment/download state left over
// from an unclean shutdown and re-admits every non-terminal record
// (spec §4.7 Startup), then starts the admission loop.
func (c *Controller) LoadExisting() error {
	if err := c.store.ResetInFlight(); err != nil {
		return err
	}
	recs, err := c.store.LoadAll()
	if err != nil {
		return err
	}
	c.do(func(c *Controller) {
		for _, rec := range recs {
			d := &download{rec: *rec, priority: ParsePriority(rec.Priority), seq: c.nextSeq}
			c.nextSeq++
			d.worker = c.newWorker(d)
			c.catalog[rec.ID] = d
			switch {
			case State(rec.Status) == StateCompleted || State(rec.Status) == StateError:
				// terminal, nothing to (re)admit
			case rec.Kind == "torrent":
				// BitTorrent swarms self-manage concurrency; the
				// matching *btsession.Torrent (if found) is already
				// running via Session.loadOne, so this record
				// bypasses the admission queue just like a freshly
				// added torrent does in addTorrentSource.
				d.rec.Status = string(StateDownloading)
				c.active++
			default:
				d.rec.Status = string(StateQueued)
				heap.Push(&c.queue, &queueItem{id: rec.ID, priority: d.priority, seq: d.seq})
			}
		}
		c.admit()
	})
	return nil
}

// Close stops every worker and the controller's event loop.
func (c *Controller) Close() {
	c.do(func(c *Controller) {
		for _, d := range c.catalog {
			d.worker.Close(false)
		}
	})
	close(c.closeC)
	<-c.doneC
}

func (c *Controller) publish(name string, data interface{}) {
	if c.bus != nil {
		c.bus.Publish(name, data)
	}
}

// admit promotes queued records into downloading state until either the
// queue is empty or max_concurrent_downloads is reached (spec §4.2).
func (c *Controller) admit() {
	for c.active < c.cfg.MaxConcurrentDownloads && c.queue.Len() > 0 {
		item := heap.Pop(&c.queue).(*queueItem)
		d, ok := c.catalog[item.id]
		if !ok || State(d.rec.Status) != StateQueued {
			continue
		}
		d.rec.Status = string(StateDownloading)
		d.lastProgressAt = time.Now()
		c.active++
		c.persist(d)
		c.publish("download:started", map[string]interface{}{"gid": d.rec.ID})
		d.worker.Start()
	}
}

func (c *Controller) persist(d *download) {
	d.rec.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveDownload(&d.rec); err != nil {
		c.log.Errorln("persist download", d.rec.ID, ":", err.Error())
	}
}

// tickProgress and tickGlobalStats run on the controller's own
// goroutine (called directly from run()'s select), so catalog access
// here needs no lock of its own — same invariant as every other
// catalog mutation in this file.
func (c *Controller) tickProgress() {
	now := time.Now()
	for _, d := range c.catalog {
		if State(d.rec.Status) != StateDownloading && State(d.rec.Status) != StateStalled {
			continue
		}
		completed, total, downSpeed, upSpeed, conns := d.worker.Progress()
		if completed != d.lastCompleted {
			d.lastProgressAt = now
			d.lastCompleted = completed
		}
		d.rec.Downloaded = completed
		if total > 0 {
			d.rec.TotalSize = total
		}

		stalled := now.Sub(d.lastProgressAt) >= stallTimeout
		newState := StateDownloading
		if stalled {
			newState = StateStalled
		}
		if State(d.rec.Status) != newState {
			d.rec.Status = string(newState)
			c.persist(d)
			c.publish("download:state-changed", map[string]interface{}{"gid": d.rec.ID, "state": string(newState)})
		}

		if now.Sub(d.lastProgressEmit) >= 250*time.Millisecond {
			d.lastProgressEmit = now
			c.publish("download:progress", map[string]interface{}{
				"gid": d.rec.ID, "completed": completed, "total": total,
				"downloadSpeed": downSpeed, "uploadSpeed": upSpeed, "connections": conns,
			})
		}
	}
}

// GlobalStats is the aggregate snapshot returned by get_global_stats
// and published on every "global-stats" event.
type GlobalStats struct {
	DownloadSpeed int64 `json:"downloadSpeed"`
	UploadSpeed   int64 `json:"uploadSpeed"`
	NumActive     int   `json:"numActive"`
	NumWaiting    int   `json:"numWaiting"`
	NumStopped    int   `json:"numStopped"`
}

func (c *Controller) computeGlobalStats() GlobalStats {
	var stats GlobalStats
	var activeHTTP, activeTorrent float64
	var peerConns int
	for _, d := range c.catalog {
		switch State(d.rec.Status) {
		case StateDownloading, StateStalled:
			stats.NumActive++
			completed, _, ds, us, conns := d.worker.Progress()
			stats.DownloadSpeed += ds
			stats.UploadSpeed += us
			if d.rec.Kind == "torrent" {
				activeTorrent++
				peerConns += conns
			} else {
				activeHTTP++
			}
			metrics.BytesTransferred.WithLabelValues(d.rec.Kind, "download").Add(float64(completed - d.lastCompleted))
		case StateQueued, StateRetrying:
			stats.NumWaiting++
		case StatePaused, StateCompleted, StateError:
			stats.NumStopped++
		}
	}
	metrics.DownloadsActive.WithLabelValues("http").Set(activeHTTP)
	metrics.DownloadsActive.WithLabelValues("torrent").Set(activeTorrent)
	metrics.PeerConnections.Set(float64(peerConns))
	return stats
}

func (c *Controller) tickGlobalStats() {
	c.publish("global-stats", c.computeGlobalStats())
}

// GlobalStats returns a synchronous snapshot for get_global_stats,
// computed on the controller's own goroutine via c.do.
func (c *Controller) GlobalStats() GlobalStats {
	var stats GlobalStats
	c.do(func(c *Controller) {
		stats = c.computeGlobalStats()
	})
	return stats
}

// onCompleted is called by a worker once its download has finished (the
// HTTP worker after its final rename, the BitTorrent worker when its
// torrent reaches Seeding); it frees an admission slot.
func (c *Controller) onCompleted(id string) {
	c.do(func(c *Controller) {
		d, ok := c.catalog[id]
		if !ok || State(d.rec.Status) == StateCompleted {
			return
		}
		wasActive := State(d.rec.Status) == StateDownloading || State(d.rec.Status) == StateStalled
		d.rec.Status = string(StateCompleted)
		d.rec.Downloaded = d.rec.TotalSize
		now := time.Now().UTC()
		d.rec.UpdatedAt = now
		c.persist(d)
		if wasActive {
			c.active--
		}
		metrics.DownloadsCompleted.WithLabelValues(d.rec.Kind, "completed").Inc()
		c.publish("download:completed", map[string]interface{}{"gid": id, "name": d.rec.ID, "savePath": d.rec.DestPath})
		c.admit()
	})
}

// onFailed is called by a worker when it hits a non-retryable error, or
// exhausts its retry budget.
func (c *Controller) onFailed(id string, err error) {
	c.do(func(c *Controller) {
		d, ok := c.catalog[id]
		if !ok {
			return
		}
		wasActive := State(d.rec.Status) == StateDownloading || State(d.rec.Status) == StateStalled
		d.rec.Status = string(StateError)
		d.rec.Error = err.Error()
		c.persist(d)
		if wasActive {
			c.active--
		}
		retryable := false
		if ae, ok := err.(*apperr.Error); ok {
			retryable = ae.Retryable
		}
		metrics.DownloadsCompleted.WithLabelValues(d.rec.Kind, "failed").Inc()
		c.publish("download:failed", map[string]interface{}{"gid": id, "error": err.Error(), "retryable": retryable})
		c.admit()
	})
}

func (c *Controller) newWorker(d *download) worker {
	switch d.rec.Kind {
	case "torrent":
		return newBTWorker(c, d)
	default:
		return newHTTPWorker(c, d)
	}
}

// AddDownload creates a new queued HTTP download (add_download/add_urls).
func (c *Controller) AddDownload(url string, headers map[string]string, destDir, checksum, checksumAlgo string) (string, error) {
	id := ids.New()
	var result string
	var rerr error
	c.do(func(c *Controller) {
		rec := storage.DownloadRecord{
			ID:           id,
			URL:          url,
			Kind:         "http",
			DestPath:     destDir,
			Status:       string(StateQueued),
			Priority:     Normal.String(),
			Checksum:     checksum,
			ChecksumAlgo: checksumAlgo,
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
			Metadata:     headers,
		}
		if err := c.store.SaveDownload(&rec); err != nil {
			rerr = err
			return
		}
		d := &download{rec: rec, priority: Normal, seq: c.nextSeq}
		c.nextSeq++
		d.worker = c.newWorker(d)
		c.catalog[id] = d
		heap.Push(&c.queue, &queueItem{id: id, priority: d.priority, seq: d.seq})
		c.publish("download:added", map[string]interface{}{"gid": id, "name": url, "kind": "http"})
		c.admit()
		result = id
	})
	return result, rerr
}

// AddTorrentFile creates a BitTorrent download from raw .torrent file
// bytes. The record starts in the downloading state at once; it does
// not pass through the admission queue.
func (c *Controller) AddTorrentFile(data []byte, destDir string) (string, error) {
	return c.addTorrentSource(destDir, func() (interface{}, error) {
		return c.bt.AddTorrent(bytes.NewReader(data))
	})
}

// AddMagnet creates a BitTorrent download from a magnet URI, started at
// once like AddTorrentFile.
func (c *Controller) AddMagnet(uri, destDir string) (string, error) {
	return c.addTorrentSource(destDir, func() (interface{}, error) {
		return c.bt.AddURI(uri)
	})
}

func (c *Controller) addTorrentSource(destDir string, start func() (interface{}, error)) (string, error) {
	t, err := start()
	if err != nil {
		return "", err
	}
	tor := t.(*btsession.Torrent)
	id := ids.New()
	var rerr error
	c.do(func(c *Controller) {
		rec := storage.DownloadRecord{
			ID:        id,
			Kind:      "torrent",
			DestPath:  destDir,
			Status:    string(StateDownloading),
			Priority:  Normal.String(),
			InfoHash:  fmt.Sprintf("%x", tor.InfoHash()),
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if err := c.store.SaveDownload(&rec); err != nil {
			rerr = err
			return
		}
		d := &download{rec: rec, priority: Normal, seq: c.nextSeq}
		c.nextSeq++
		d.worker = newBTWorkerFromTorrent(c, d, tor)
		c.catalog[id] = d
		c.active++
		c.publish("download:added", map[string]interface{}{"gid": id, "name": tor.Name(), "kind": "torrent"})
		c.publish("download:started", map[string]interface{}{"gid": id})
	})
	if rerr != nil {
		return "", rerr
	}
	return id, nil
}

// PauseDownload cooperatively pauses one download; a no-op on an
// already-paused record (spec §4.2 idempotence invariant).
func (c *Controller) PauseDownload(id string) error {
	return c.mutate(id, func(d *download) error {
		if State(d.rec.Status) == StatePaused {
			return nil
		}
		wasActive := State(d.rec.Status) == StateDownloading || State(d.rec.Status) == StateStalled
		d.worker.Pause()
		d.rec.Status = string(StatePaused)
		c.persist(d)
		if wasActive {
			c.active--
			c.admit()
		} else {
			c.removeFromQueue(id)
		}
		c.publish("download:paused", map[string]interface{}{"gid": id})
		return nil
	})
}

// ResumeDownload re-queues a paused download; a no-op if it is already
// active or queued.
func (c *Controller) ResumeDownload(id string) error {
	return c.mutate(id, func(d *download) error {
		if State(d.rec.Status) != StatePaused {
			return nil
		}
		d.rec.Status = string(StateQueued)
		c.persist(d)
		heap.Push(&c.queue, &queueItem{id: id, priority: d.priority, seq: d.seq})
		c.publish("download:resumed", map[string]interface{}{"gid": id})
		c.admit()
		return nil
	})
}

// PauseAll pauses every non-terminal download.
func (c *Controller) PauseAll() {
	for _, id := range c.ids() {
		_ = c.PauseDownload(id)
	}
}

// ResumeAll resumes every paused download.
func (c *Controller) ResumeAll() {
	for _, id := range c.ids() {
		_ = c.ResumeDownload(id)
	}
}

func (c *Controller) ids() []string {
	var out []string
	c.do(func(c *Controller) {
		out = make([]string, 0, len(c.catalog))
		for id := range c.catalog {
			out = append(out, id)
		}
	})
	return out
}

// RemoveDownload terminates and forgets a download (spec §4.2: files
// are only unlinked after the worker has actually stopped).
func (c *Controller) RemoveDownload(id string, deleteFiles bool) error {
	return c.mutate(id, func(d *download) error {
		wasActive := State(d.rec.Status) == StateDownloading || State(d.rec.Status) == StateStalled
		d.worker.Close(deleteFiles)
		if wasActive {
			c.active--
		} else {
			c.removeFromQueue(id)
		}
		delete(c.catalog, id)
		if err := c.store.DeleteDownload(id); err != nil {
			return err
		}
		c.publish("download:removed", map[string]interface{}{"gid": id})
		c.admit()
		return nil
	})
}

func (c *Controller) removeFromQueue(id string) {
	for i, item := range c.queue {
		if item.id == id {
			heap.Remove(&c.queue, i)
			return
		}
	}
}

// SetPriority reorders the admission queue only — current assignment of
// already-downloading records is left alone (spec §9 open question,
// resolved: admission-only re-slotting).
func (c *Controller) SetPriority(id string, p Priority) error {
	return c.mutate(id, func(d *download) error {
		d.priority = p
		d.rec.Priority = p.String()
		c.persist(d)
		for _, item := range c.queue {
			if item.id == id {
				item.priority = p
				heap.Fix(&c.queue, item.index)
				break
			}
		}
		return nil
	})
}

func (c *Controller) mutate(id string, fn func(*download) error) error {
	var rerr error
	c.do(func(c *Controller) {
		d, ok := c.catalog[id]
		if !ok {
			rerr = apperr.New(apperr.NotFound, false, "download not found: "+id)
			return
		}
		rerr = fn(d)
	})
	return rerr
}

// GetStatus returns a snapshot of one download's record.
func (c *Controller) GetStatus(id string) (storage.DownloadRecord, error) {
	var rec storage.DownloadRecord
	var rerr error
	c.do(func(c *Controller) {
		d, ok := c.catalog[id]
		if !ok {
			rerr = apperr.New(apperr.NotFound, false, "download not found: "+id)
			return
		}
		rec = d.rec
	})
	return rec, rerr
}

// ListAll returns every catalog record.
func (c *Controller) ListAll() []storage.DownloadRecord {
	var out []storage.DownloadRecord
	c.do(func(c *Controller) {
		out = make([]storage.DownloadRecord, 0, len(c.catalog))
		for _, d := range c.catalog {
			out = append(out, d.rec)
		}
	})
	return out
}

// ListActive returns only downloading/stalled records.
func (c *Controller) ListActive() []storage.DownloadRecord {
	var out []storage.DownloadRecord
	c.do(func(c *Controller) {
		out = make([]storage.DownloadRecord, 0, c.active)
		for _, d := range c.catalog {
			if State(d.rec.Status) == StateDownloading || State(d.rec.Status) == StateStalled {
				out = append(out, d.rec)
			}
		}
	})
	return out
}

// SetSpeedLimit adjusts a rate limiter (spec §4.2/§4.8 settings; §4.3
// "global and per-download limiters compose multiplicatively"), 0
// meaning unlimited. An empty gid adjusts the global limiter shared by
// every download; a non-empty gid adjusts only that download's own
// bucket, persisting the rate so it survives a pause/resume cycle.
func (c *Controller) SetSpeedLimit(bytesPerSecond int, gid string) error {
	if gid == "" {
		c.globalLimiter.SetRate(bytesPerSecond)
		return nil
	}
	return c.mutate(gid, func(d *download) error {
		d.rec.SpeedLimit = bytesPerSecond
		c.downloadLimiter(d).SetRate(bytesPerSecond)
		c.persist(d)
		return nil
	})
}
