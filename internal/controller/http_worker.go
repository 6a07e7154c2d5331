package controller

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/fetchd/engine/internal/apperr"
	"github.com/fetchd/engine/internal/httpdl"
	"github.com/fetchd/engine/internal/limiter"
	"github.com/fetchd/engine/internal/logger"
	"github.com/fetchd/engine/internal/storage"
)

// httpWorker drives one HTTP(S) segmented download, the controller-side
// analogue of the teacher's per-torrent goroutine: one owning goroutine
// (run), started/stopped/paused only through its exported methods.
type httpWorker struct {
	c  *Controller
	d  *download
	log logger.Logger

	cancel context.CancelFunc
	file   *os.File

	downSpeed metrics.EWMA
	connections int32

	completed int64
	total     int64

	startedOnce bool
}

func newHTTPWorker(c *Controller, d *download) *httpWorker {
	return &httpWorker{
		c:         c,
		d:         d,
		log:       logger.New("http " + d.rec.ID),
		downSpeed: metrics.NewEWMA1(),
		completed: d.rec.Downloaded,
		total:     d.rec.TotalSize,
	}
}

func (w *httpWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

func (w *httpWorker) Pause() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *httpWorker) Resume() {
	w.Start()
}

func (w *httpWorker) Close(deleteFiles bool) {
	w.Pause()
	if w.file != nil {
		w.file.Close()
	}
	if deleteFiles {
		os.Remove(w.destPath())
		os.Remove(w.destPath() + ".part")
	}
}

func (w *httpWorker) Progress() (completed, total int64, downSpeed, upSpeed int64, connections int) {
	return atomic.LoadInt64(&w.completed), atomic.LoadInt64(&w.total), int64(w.downSpeed.Rate()), 0, int(atomic.LoadInt32(&w.connections))
}

func (w *httpWorker) destPath() string {
	return filepath.Join(w.d.rec.DestPath, filepath.Base(w.d.rec.URL))
}

func (w *httpWorker) tickRate() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for range t.C {
		w.downSpeed.Tick()
		if atomic.LoadInt32(&w.connections) < 0 {
			return
		}
	}
}

// run probes the remote resource (on every run), plans segments,
// opens/resumes a .part file, and drives httpdl.Download to
// completion or cancellation, mirroring the teacher's
// piecedownloader/infodownloader one-goroutine-owns-a-transfer shape.
func (w *httpWorker) run(ctx context.Context) {
	httpCfg := w.c.cfg.HTTP
	client := &http.Client{
		Timeout: httpCfg.ConnectTimeout + httpCfg.ReadTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: httpCfg.AcceptInvalidCerts}, //nolint:gosec
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= httpCfg.MaxRedirects {
				return apperr.New(apperr.Network, false, "too many redirects")
			}
			return nil
		},
	}

	headers := w.d.rec.Metadata

	probe, err := httpdl.ProbeURL(ctx, client, w.d.rec.URL, headers)
	if err != nil {
		w.c.onFailed(w.d.rec.ID, err)
		return
	}
	atomic.StoreInt64(&w.total, probe.TotalSize)

	partPath := w.destPath() + ".part"
	if err := os.MkdirAll(filepath.Dir(partPath), 0750); err != nil {
		w.c.onFailed(w.d.rec.ID, apperr.Wrap(apperr.File, false, "create destination directory", err))
		return
	}

	restart := false
	if w.d.rec.ETag != "" && w.d.rec.ETag != probe.ETag {
		restart = true
	}
	if restart {
		os.Remove(partPath)
		atomic.StoreInt64(&w.completed, 0)
		w.c.do(func(c *Controller) {
			w.d.rec.Downloaded = 0
			w.d.rec.Status = string(StateDownloading)
			c.persist(w.d)
			c.publish("download:state-changed", map[string]interface{}{"gid": w.d.rec.ID, "state": "restarted"})
		})
	}
	w.d.rec.ETag = probe.ETag
	w.d.rec.LastModified = probe.LastModified

	f, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		w.c.onFailed(w.d.rec.ID, apperr.Wrap(apperr.File, false, "open part file", err))
		return
	}
	if probe.TotalSize > 0 {
		if err := f.Truncate(probe.TotalSize); err != nil {
			f.Close()
			w.c.onFailed(w.d.rec.ID, apperr.Wrap(apperr.File, false, "truncate part file", err))
			return
		}
	}
	w.file = f

	ranges := httpdl.PlanSegments(probe.TotalSize, w.c.cfg.MaxConnectionsPerDownload, w.c.cfg.MinSegmentSize, probe.AcceptsRanges)
	var resume []int64
	if !restart {
		if persisted, err := w.c.store.LoadSegments(w.d.rec.ID); err == nil && len(persisted) == len(ranges) {
			resume = make([]int64, len(ranges))
			for i, seg := range persisted {
				resume[i] = seg.Completed
			}
		}
	}

	headers2 := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		headers2[k] = v
	}
	if w.d.rec.ETag != "" {
		headers2["If-Range"] = w.d.rec.ETag
	}

	var perDownloadLimiter *limiter.Bucket
	w.c.do(func(c *Controller) {
		perDownloadLimiter = c.downloadLimiter(w.d)
	})
	composite := &limiter.Composite{Global: w.c.globalLimiter, PerResource: perDownloadLimiter}

	atomic.StoreInt32(&w.connections, int32(len(ranges)))
	go w.tickRate()

	dl := httpdl.New(httpdl.Options{
		URL:            w.d.rec.URL,
		Headers:        headers2,
		DestPath:       partPath,
		Client:         client,
		Limiter:        composite,
		MaxRetries:     httpCfg.MaxRetries,
		RetryDelay:     time.Duration(httpCfg.RetryDelayMS) * time.Millisecond,
		MaxRetryDelay:  time.Duration(httpCfg.MaxRetryDelayMS) * time.Millisecond,
		ChecksumAlgo:   w.d.rec.ChecksumAlgo,
		ExpectedDigest: w.d.rec.Checksum,
		Progress: func(delta int64) {
			n := atomic.AddInt64(&w.completed, delta)
			w.downSpeed.Update(delta)
			_ = n
		},
	}, ranges, f, resume)

	go dl.Run(ctx)

	var firstErr error
	segStates := make([]storage.SegmentState, len(ranges))
	for i, r := range ranges {
		segStates[i] = storage.SegmentState{Index: i, Start: r.Start, End: r.End, Status: "downloading"}
	}
	for res := range dl.ResultC {
		segStates[res.Index].Completed = res.Completed
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			segStates[res.Index].Status = "failed"
		} else {
			segStates[res.Index].Status = "complete"
		}
	}
	atomic.StoreInt32(&w.connections, -1)
	w.c.store.SaveSegments(w.d.rec.ID, segStates)

	select {
	case <-ctx.Done():
		return // paused/removed; not a failure
	default:
	}

	if firstErr != nil {
		w.c.onFailed(w.d.rec.ID, firstErr)
		return
	}

	if w.d.rec.ChecksumAlgo != "" {
		if err := httpdl.VerifyChecksum(partPath, w.d.rec.ChecksumAlgo, w.d.rec.Checksum); err != nil {
			w.c.onFailed(w.d.rec.ID, err)
			return
		}
	}

	f.Close()
	if err := os.Rename(partPath, w.destPath()); err != nil {
		w.c.onFailed(w.d.rec.ID, apperr.Wrap(apperr.File, false, "rename completed download", err))
		return
	}
	atomic.StoreInt64(&w.total, atomic.LoadInt64(&w.completed))
	w.c.onCompleted(w.d.rec.ID)
}
