// Package piecedownloader drives the block-level download of a single
// piece from a single peer (spec §4.4 step 4: 16 KiB blocks, up to
// maxQueuedBlocks (10) requests outstanding; the max_pending_requests
// setting is not consulted). Adapted near-verbatim from the
// teacher's internal/downloader/piecedownloader/piecedownloader.go,
// generalized to the new peer/peerprotocol packages.
package piecedownloader

import (
	"bytes"
	"errors"

	"github.com/fetchd/engine/internal/bittorrent/peer"
	"github.com/fetchd/engine/internal/bittorrent/peerprotocol"
)

// Piece describes the piece being downloaded: its index, total length,
// and the fixed-size blocks it is split into.
type Piece struct {
	Index  uint32
	Length uint32
	Blocks []Block
}

// Block is one 16 KiB (or shorter, for the last block of a piece)
// request unit.
type Block struct {
	Index  uint32 // block index within the piece
	Begin  uint32
	Length uint32
}

// NewPiece splits a piece of the given length into peerprotocol.BlockSize
// blocks, the last absorbing any remainder.
func NewPiece(index uint32, length uint32) *Piece {
	n := length / peerprotocol.BlockSize
	mod := length % peerprotocol.BlockSize
	if mod != 0 {
		n++
	}
	blocks := make([]Block, n)
	for i := range blocks {
		begin := uint32(i) * peerprotocol.BlockSize
		blen := uint32(peerprotocol.BlockSize)
		if i == len(blocks)-1 && mod != 0 {
			blen = mod
		}
		blocks[i] = Block{Index: uint32(i), Begin: begin, Length: blen}
	}
	return &Piece{Index: index, Length: length, Blocks: blocks}
}

const maxQueuedBlocks = 10

// PieceDownloader downloads all blocks of a piece from one peer.
type PieceDownloader struct {
	Piece  *Piece
	Peer   *peer.Peer
	blocks []block

	limiter chan struct{}

	PieceC   chan peerprotocol.PieceMessage
	RejectC  chan peerprotocol.RejectMessage
	ChokeC   chan struct{}
	UnchokeC chan struct{}
	DoneC    chan []byte
	ErrC     chan error
}

type block struct {
	*Block
	requested bool
	data      []byte
}

// New starts a downloader for pi against pe. Call Run in its own
// goroutine.
func New(pi *Piece, pe *peer.Peer) *PieceDownloader {
	blocks := make([]block, len(pi.Blocks))
	for i := range blocks {
		blocks[i] = block{Block: &pi.Blocks[i]}
	}
	return &PieceDownloader{
		Piece:    pi,
		Peer:     pe,
		blocks:   blocks,
		limiter:  make(chan struct{}, maxQueuedBlocks),
		PieceC:   make(chan peerprotocol.PieceMessage),
		RejectC:  make(chan peerprotocol.RejectMessage),
		ChokeC:   make(chan struct{}),
		UnchokeC: make(chan struct{}),
		DoneC:    make(chan []byte, 1),
		ErrC:     make(chan error, 1),
	}
}

// Run drives the request/response loop until the piece is complete, an
// error occurs, or stopC is closed.
func (d *PieceDownloader) Run(stopC <-chan struct{}) {
	for {
		select {
		case d.limiter <- struct{}{}:
			b := d.nextBlock()
			if b == nil {
				d.limiter = nil
				break
			}
			if err := d.Peer.SendRequest(d.Piece.Index, b.Begin, b.Length); err != nil {
				d.ErrC <- err
				return
			}
		case p := <-d.PieceC:
			if int(p.Begin/peerprotocol.BlockSize) >= len(d.blocks) {
				d.ErrC <- errors.New("piece downloader: block index out of range")
				return
			}
			idx := p.Begin / peerprotocol.BlockSize
			b := &d.blocks[idx]
			if b.requested && b.data == nil && d.limiter != nil {
				select {
				case <-d.limiter:
				default:
				}
			}
			b.data = p.Data
			if d.allDone() {
				d.DoneC <- d.assembleBlocks().Bytes()
				return
			}
		case req := <-d.RejectC:
			idx := req.Begin / peerprotocol.BlockSize
			if int(idx) >= len(d.blocks) || !d.blocks[idx].requested {
				d.Peer.Close()
				d.ErrC <- errors.New("received invalid reject message")
				return
			}
			d.blocks[idx].requested = false
		case <-d.ChokeC:
			for i := range d.blocks {
				if d.blocks[i].data == nil && d.blocks[i].requested {
					d.blocks[i].requested = false
				}
			}
			d.limiter = nil
		case <-d.UnchokeC:
			d.limiter = make(chan struct{}, maxQueuedBlocks)
		case <-stopC:
			return
		}
	}
}

func (d *PieceDownloader) nextBlock() *block {
	for i := range d.blocks {
		if !d.blocks[i].requested {
			d.blocks[i].requested = true
			return &d.blocks[i]
		}
	}
	return nil
}

func (d *PieceDownloader) allDone() bool {
	for i := range d.blocks {
		if d.blocks[i].data == nil {
			return false
		}
	}
	return true
}

func (d *PieceDownloader) assembleBlocks() *bytes.Buffer {
	buf := bytes.NewBuffer(make([]byte, 0, d.Piece.Length))
	for i := range d.blocks {
		buf.Write(d.blocks[i].data)
	}
	return buf
}

// CancelPending sends a cancel message for every block still requested
// but not yet received, used when endgame mode resolves a piece from
// another peer first.
func (d *PieceDownloader) CancelPending() {
	for i := range d.blocks {
		if d.blocks[i].requested && d.blocks[i].data == nil {
			d.Peer.SendMessage(peerprotocol.CancelMessage{
				Index:  d.Piece.Index,
				Begin:  d.blocks[i].Begin,
				Length: d.blocks[i].Length,
			})
		}
	}
}
