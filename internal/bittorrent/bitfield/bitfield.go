// Package bitfield implements the per-piece have-bitfield used both for
// the BitTorrent wire protocol's bitfield message and for persisted
// resume state. Grounded on the teacher's bitfield.Bitfield usage
// throughout session/session.go and session/torrent.go (New, NewBytes,
// Test, Set, All, Count, Bytes).
package bitfield

import "github.com/fetchd/engine/internal/apperr"

// Bitfield is a fixed-length, byte-packed bit array (MSB-first per BEP 3).
type Bitfield struct {
	b []byte
	n uint32
}

// New returns a zeroed bitfield of n bits.
func New(n uint32) *Bitfield {
	return &Bitfield{b: make([]byte, (n+7)/8), n: n}
}

// NewBytes wraps existing bit-packed bytes, validating their length
// against n bits.
func NewBytes(b []byte, n uint32) (*Bitfield, error) {
	want := int((n + 7) / 8)
	if len(b) != want {
		return nil, apperr.New(apperr.BencodeParse, false, "bitfield length mismatch")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Bitfield{b: cp, n: n}, nil
}

// Len returns the number of bits.
func (bf *Bitfield) Len() uint32 { return bf.n }

// Test reports whether bit i is set.
func (bf *Bitfield) Test(i uint32) bool {
	if i >= bf.n {
		return false
	}
	return bf.b[i/8]&(0x80>>(i%8)) != 0
}

// Set sets bit i.
func (bf *Bitfield) Set(i uint32) {
	if i >= bf.n {
		return
	}
	bf.b[i/8] |= 0x80 >> (i % 8)
}

// Clear clears bit i.
func (bf *Bitfield) Clear(i uint32) {
	if i >= bf.n {
		return
	}
	bf.b[i/8] &^= 0x80 >> (i % 8)
}

// All reports whether every bit is set.
func (bf *Bitfield) All() bool {
	return bf.Count() == bf.n
}

// Count returns the number of set bits.
func (bf *Bitfield) Count() uint32 {
	var c uint32
	for i := uint32(0); i < bf.n; i++ {
		if bf.Test(i) {
			c++
		}
	}
	return c
}

// Bytes returns the underlying bit-packed representation.
func (bf *Bitfield) Bytes() []byte { return bf.b }
