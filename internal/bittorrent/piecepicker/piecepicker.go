// Package piecepicker implements rarest-first piece selection with
// random tie-breaking and endgame mode (spec §4.4 step 4). Generalized
// from the shape implied by the teacher's session/torrent.go field
// `piecePicker *piecepicker.PiecePicker` and its call sites
// (DoesHave, HandleSnubbed, HandleDisconnect, HandleCancelDownload).
package piecepicker

import (
	"math/rand"

	"github.com/fetchd/engine/internal/bittorrent/bitfield"
)

// PiecePicker ranks pieces by availability across known peers and
// selects which piece/peer pair to request next.
type PiecePicker struct {
	numPieces   uint32
	have        *bitfield.Bitfield // pieces we already have
	availability []int             // per-piece count of peers that have it
	peerBitfields map[interface{}]*bitfield.Bitfield
	snubbed     map[interface{}]map[uint32]struct{} // peer -> piece indices it snubbed on
	sequential  bool
	endgameAt   int
}

// New returns a picker over numPieces pieces, tracking our own have
// bitfield so completed pieces are never re-requested.
func New(numPieces uint32, have *bitfield.Bitfield, sequential bool, endgameThreshold int) *PiecePicker {
	return &PiecePicker{
		numPieces:     numPieces,
		have:          have,
		availability:  make([]int, numPieces),
		peerBitfields: make(map[interface{}]*bitfield.Bitfield),
		snubbed:       make(map[interface{}]map[uint32]struct{}),
		sequential:    sequential,
		endgameAt:     endgameThreshold,
	}
}

// HandlePeerBitfield registers/updates a peer's full bitfield (sent at
// connection start).
func (p *PiecePicker) HandlePeerBitfield(peer interface{}, bf *bitfield.Bitfield) {
	p.removePeer(peer)
	p.peerBitfields[peer] = bf
	for i := uint32(0); i < p.numPieces; i++ {
		if bf.Test(i) {
			p.availability[i]++
		}
	}
}

// HandleHave updates availability when a peer announces a single new
// piece.
func (p *PiecePicker) HandleHave(peer interface{}, index uint32) {
	bf, ok := p.peerBitfields[peer]
	if !ok {
		bf = bitfield.New(p.numPieces)
		p.peerBitfields[peer] = bf
	}
	if !bf.Test(index) {
		bf.Set(index)
		p.availability[index]++
	}
}

// DoesHave reports whether peer is known to have piece index.
func (p *PiecePicker) DoesHave(peer interface{}, index uint32) bool {
	bf, ok := p.peerBitfields[peer]
	return ok && bf.Test(index)
}

// HandleDisconnect removes a peer's contribution to availability
// counters.
func (p *PiecePicker) HandleDisconnect(peer interface{}) {
	p.removePeer(peer)
}

func (p *PiecePicker) removePeer(peer interface{}) {
	bf, ok := p.peerBitfields[peer]
	if !ok {
		return
	}
	for i := uint32(0); i < p.numPieces; i++ {
		if bf.Test(i) {
			p.availability[i]--
		}
	}
	delete(p.peerBitfields, peer)
	delete(p.snubbed, peer)
}

// HandleSnubbed marks that peer failed to deliver piece index in time;
// PickFor skips the (peer, index) pair afterward so a slow peer isn't
// re-picked for the same piece while other candidates exist, without
// forgetting the peer's availability contribution entirely.
func (p *PiecePicker) HandleSnubbed(peer interface{}, index uint32) {
	set, ok := p.snubbed[peer]
	if !ok {
		set = make(map[uint32]struct{})
		p.snubbed[peer] = set
	}
	set[index] = struct{}{}
}

// HandleCancelDownload is called when an in-flight piece download for
// peer is abandoned (e.g. on disconnect or completion); any snub entry
// for the pair no longer applies once the assignment itself is gone.
func (p *PiecePicker) HandleCancelDownload(peer interface{}, index uint32) {
	if set, ok := p.snubbed[peer]; ok {
		delete(set, index)
	}
}

// RemainingNeeded returns how many pieces we still need.
func (p *PiecePicker) RemainingNeeded() int {
	n := 0
	for i := uint32(0); i < p.numPieces; i++ {
		if !p.have.Test(i) {
			n++
		}
	}
	return n
}

// Endgame reports whether at most the configured threshold of pieces
// remain, activating duplicate in-flight requests (spec §4.4 step 4).
func (p *PiecePicker) Endgame() bool {
	return p.RemainingNeeded() <= p.endgameAt
}

// PickFor selects the best piece index to request from peer, given the
// set of indices already being downloaded (skipped unless in endgame).
// Returns (index, ok).
func (p *PiecePicker) PickFor(peer interface{}, inflight map[uint32]struct{}) (uint32, bool) {
	bf, ok := p.peerBitfields[peer]
	if !ok {
		return 0, false
	}
	snubbed := p.snubbed[peer]
	if p.sequential {
		for i := uint32(0); i < p.numPieces; i++ {
			if p.have.Test(i) || !bf.Test(i) {
				continue
			}
			if _, busy := inflight[i]; busy && !p.Endgame() {
				continue
			}
			if _, skip := snubbed[i]; skip {
				continue
			}
			return i, true
		}
		return 0, false
	}

	endgame := p.Endgame()
	var best []uint32
	bestAvail := -1
	for i := uint32(0); i < p.numPieces; i++ {
		if p.have.Test(i) || !bf.Test(i) {
			continue
		}
		if _, busy := inflight[i]; busy && !endgame {
			continue
		}
		if _, skip := snubbed[i]; skip {
			continue
		}
		a := p.availability[i]
		if a <= 0 {
			continue
		}
		switch {
		case bestAvail == -1 || a < bestAvail:
			bestAvail = a
			best = best[:0]
			best = append(best, i)
		case a == bestAvail:
			best = append(best, i)
		}
	}
	if len(best) == 0 {
		return 0, false
	}
	return best[rand.Intn(len(best))], true
}
