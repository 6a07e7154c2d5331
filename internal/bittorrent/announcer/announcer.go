// Package announcer periodically announces a torrent's state to its
// trackers and delivers returned peer addresses, condensed from the
// teacher's internal/announcer.PeriodicalAnnouncer + StopAnnouncer
// pair into one type with an explicit Stopped event on close.
package announcer

import (
	"context"
	"time"

	"github.com/fetchd/engine/internal/logger"
	"github.com/fetchd/engine/internal/tracker"
)

var log = logger.New("announcer")

// Request is how the announcer asks its owning torrent for current
// transfer stats at announce time, mirroring the teacher's
// announcer.Request/Response round trip through the torrent's event
// loop (stats must only be read on the torrent's own goroutine).
type Request struct {
	Response chan Response
	Cancel   chan struct{}
}

// Response carries the fields an announce call needs from the owning
// torrent.
type Response struct {
	Torrent *tracker.Torrent
}

// PeriodicalAnnouncer announces one tracker on an interval taken from
// the tracker's own response (Interval; MinInterval is not consulted),
// falling back to a default when absent. A failed announce is retried
// after 30 s.
type PeriodicalAnnouncer struct {
	Tracker    tracker.Tracker
	requestC   chan *Request
	closeC     chan struct{}
	needMore   bool
	defaultInt time.Duration
}

// New builds a periodical announcer for one tracker; Run starts it.
// requestC is called by the announcer to fetch current stats from the
// owning torrent; announce results are delivered on Run's resultC.
func New(t tracker.Tracker, requestC chan *Request, defaultInterval time.Duration) *PeriodicalAnnouncer {
	a := &PeriodicalAnnouncer{
		Tracker:    t,
		requestC:   requestC,
		closeC:     make(chan struct{}),
		defaultInt: defaultInterval,
	}
	return a
}

// NeedMorePeers toggles whether this announcer asks the tracker for
// more peers (numwant 200 instead of 50) because the torrent is short
// on peers. The announce interval is not changed.
func (a *PeriodicalAnnouncer) NeedMorePeers(val bool) { a.needMore = val }

// Close stops the announce loop.
func (a *PeriodicalAnnouncer) Close() { close(a.closeC) }

// Run announces on an interval until Close, delivering results on
// resultC and logging tracker errors without stopping the torrent (a
// single misbehaving tracker is not fatal).
func (a *PeriodicalAnnouncer) Run(resultC chan<- AnnounceResult, event tracker.Event) {
	interval := a.defaultInt
	first := true
	for {
		wait := interval
		if first {
			wait = 0
			first = false
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-a.closeC:
			t.Stop()
			return
		}

		resp, err := a.announce(event)
		if err != nil {
			log.Debugf("tracker %s announce failed: %v", a.Tracker.URL(), err)
			select {
			case resultC <- AnnounceResult{Err: err}:
			case <-a.closeC:
				return
			}
			interval = 30 * time.Second
			continue
		}
		if resp.Interval > 0 {
			interval = resp.Interval
		}
		select {
		case resultC <- AnnounceResult{Response: resp}:
		case <-a.closeC:
			return
		}
	}
}

func (a *PeriodicalAnnouncer) announce(event tracker.Event) (*tracker.AnnounceResponse, error) {
	respC := make(chan Response)
	cancelC := make(chan struct{})
	select {
	case a.requestC <- &Request{Response: respC, Cancel: cancelC}:
	case <-a.closeC:
		close(cancelC)
		return nil, context.Canceled
	}
	resp := <-respC

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	numWant := 50
	if a.needMore {
		numWant = 200
	}
	return a.Tracker.Announce(ctx, resp.Torrent, event, numWant)
}

// AnnounceResult is delivered per announce attempt.
type AnnounceResult struct {
	Response *tracker.AnnounceResponse
	Err      error
}

// StopAnnouncer announces the "stopped" event to every tracker once,
// then signals done, giving trackers a chance at accurate swarm
// counts on shutdown (spec §4.6 graceful stop).
type StopAnnouncer struct {
	DoneC chan struct{}
}

// NewStopAnnouncer fires a single "stopped" announce to every tracker
// concurrently and closes DoneC once all complete or timeout elapses.
func NewStopAnnouncer(trackers []tracker.Tracker, tor *tracker.Torrent, timeout time.Duration) *StopAnnouncer {
	s := &StopAnnouncer{DoneC: make(chan struct{})}
	go func() {
		defer close(s.DoneC)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		done := make(chan struct{}, len(trackers))
		for _, tr := range trackers {
			go func(tr tracker.Tracker) {
				_, _ = tr.Announce(ctx, tor, tracker.EventStopped, 0)
				done <- struct{}{}
			}(tr)
		}
		for i := 0; i < len(trackers); i++ {
			<-done
		}
	}()
	return s
}

// Close is a no-op retained for symmetry with PeriodicalAnnouncer;
// the stop announcer always runs to completion or timeout on its own.
func (s *StopAnnouncer) Close() {}
