package session

import (
	"math/rand"
	"sort"

	"github.com/fetchd/engine/internal/bittorrent/peer"
	"github.com/fetchd/engine/internal/bittorrent/peerprotocol"
)

// tickUnchoke runs the classic tit-for-tat choke algorithm (spec §4.4
// step 5): the cfg.UnchokedPeers fastest interested peers are unchoked,
// everyone else is choked, except whichever peer currently holds the
// optimistic-unchoke slot.
func (t *Torrent) tickUnchoke() {
	optimistic := make(map[*peer.Peer]struct{}, len(t.optimisticUnchokedPeers))
	for _, pe := range t.optimisticUnchokedPeers {
		optimistic[pe] = struct{}{}
	}

	candidates := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if !pe.PeerInterested {
			if !pe.AmChoking {
				t.chokePeer(pe)
			}
			continue
		}
		if _, ok := optimistic[pe]; ok {
			continue
		}
		candidates = append(candidates, pe)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return rate(candidates[i], t.completed) > rate(candidates[j], t.completed)
	})

	n := t.cfg.UnchokedPeers
	if n <= 0 {
		n = 4
	}
	for i, pe := range candidates {
		if i < n {
			t.unchokePeer(pe)
		} else {
			t.chokePeer(pe)
		}
	}
}

func rate(pe *peer.Peer, seeding bool) int64 {
	if seeding {
		return int64(pe.UploadSpeed.Rate())
	}
	return int64(pe.DownloadSpeed.Rate())
}

// tickOptimisticUnchoke rotates the optimistic-unchoke slot (spec §4.4
// step 5) to a random choked, interested peer every 30s so new peers
// get a chance to prove themselves regardless of current rate.
func (t *Torrent) tickOptimisticUnchoke() {
	n := t.cfg.OptimisticUnchokedPeers
	if n <= 0 {
		n = 1
	}

	for _, pe := range t.optimisticUnchokedPeers {
		pe.OptimisticUnchoked = false
	}
	t.optimisticUnchokedPeers = t.optimisticUnchokedPeers[:0]

	pool := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if pe.PeerInterested && pe.AmChoking {
			pool = append(pool, pe)
		}
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	if n > len(pool) {
		n = len(pool)
	}
	for i := 0; i < n; i++ {
		pe := pool[i]
		pe.OptimisticUnchoked = true
		t.optimisticUnchokedPeers = append(t.optimisticUnchokedPeers, pe)
		t.unchokePeer(pe)
	}
}

func (t *Torrent) chokePeer(pe *peer.Peer) {
	if pe.AmChoking {
		return
	}
	pe.AmChoking = true
	pe.SendMessage(peerprotocol.ChokeMessage{})
}

func (t *Torrent) unchokePeer(pe *peer.Peer) {
	if !pe.AmChoking {
		return
	}
	pe.AmChoking = false
	pe.SendMessage(peerprotocol.UnchokeMessage{})
}
