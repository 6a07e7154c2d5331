// Package bencode implements BEP 3 strict decoding/encoding on top of
// github.com/zeebo/bencode, the codec the teacher (rain) depends on.
// zeebo/bencode's decoder is lenient about duplicate/unsorted dictionary
// keys and leading-zero integers; this package adds the strictness spec
// §4.5 requires on top of it rather than hand-rolling a parser.
package bencode

import (
	"bytes"
	"sort"

	"github.com/fetchd/engine/internal/apperr"
	"github.com/zeebo/bencode"
)

// RawMessage is a verbatim, still-encoded bencode value, re-exported so
// callers never need to import zeebo/bencode directly.
type RawMessage = bencode.RawMessage

// Marshal encodes v using canonical (sorted-key) bencode.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(v); err != nil {
		return nil, apperr.Wrap(apperr.BencodeParse, false, "encode failed", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes b into v using the library decoder, then validates
// dictionary key ordering/uniqueness and integer canonicality against the
// raw bytes.
func Unmarshal(b []byte, v interface{}) error {
	if err := ValidateCanonical(b); err != nil {
		return err
	}
	if err := bencode.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return apperr.Wrap(apperr.BencodeParse, false, "decode failed", err)
	}
	return nil
}

// UnmarshalPrefix decodes the single bencode value at the start of b into
// v and returns the unconsumed trailing bytes, for wire messages like BEP 9
// ut_metadata data pieces that append raw bytes after a bencoded dict.
func UnmarshalPrefix(b []byte, v interface{}) ([]byte, error) {
	r := bytes.NewReader(b)
	if err := bencode.NewDecoder(r).Decode(v); err != nil {
		return nil, apperr.Wrap(apperr.BencodeParse, false, "decode failed", err)
	}
	consumed := len(b) - r.Len()
	if err := ValidateCanonical(b[:consumed]); err != nil {
		return nil, err
	}
	return b[consumed:], nil
}

// ValidateCanonical walks the raw bencode bytes enforcing BEP 3 strictness:
// no leading zeros or negative zero on integers, dictionary keys sorted
// and unique by raw byte value, and no trailing junk after the top-level
// value.
func ValidateCanonical(b []byte) error {
	p := &checker{buf: b}
	if err := p.value(); err != nil {
		return err
	}
	if p.pos != len(p.buf) {
		return apperr.New(apperr.BencodeParse, false, "trailing data after top-level value")
	}
	return nil
}

type checker struct {
	buf []byte
	pos int
}

func (c *checker) value() error {
	if c.pos >= len(c.buf) {
		return apperr.New(apperr.BencodeParse, false, "unexpected end of input")
	}
	switch c.buf[c.pos] {
	case 'i':
		return c.integer()
	case 'l':
		return c.list()
	case 'd':
		return c.dict()
	default:
		return c.byteString()
	}
}

func (c *checker) integer() error {
	// c.buf[c.pos] == 'i'
	start := c.pos + 1
	end := bytesIndex(c.buf, 'e', start)
	if end < 0 {
		return apperr.New(apperr.BencodeParse, false, "unterminated integer")
	}
	digits := c.buf[start:end]
	if len(digits) == 0 {
		return apperr.New(apperr.BencodeParse, false, "empty integer")
	}
	neg := digits[0] == '-'
	rest := digits
	if neg {
		rest = digits[1:]
		if len(rest) == 0 {
			return apperr.New(apperr.BencodeParse, false, "malformed negative integer")
		}
		if rest[0] == '0' {
			return apperr.New(apperr.BencodeParse, false, "negative zero is not allowed")
		}
	}
	if len(rest) > 1 && rest[0] == '0' {
		return apperr.New(apperr.BencodeParse, false, "leading zero in integer")
	}
	for _, d := range rest {
		if d < '0' || d > '9' {
			return apperr.New(apperr.BencodeParse, false, "non-digit in integer")
		}
	}
	c.pos = end + 1
	return nil
}

func (c *checker) byteString() error {
	start := c.pos
	colon := bytesIndex(c.buf, ':', start)
	if colon < 0 {
		return apperr.New(apperr.BencodeParse, false, "malformed byte string length")
	}
	lenDigits := c.buf[start:colon]
	if len(lenDigits) == 0 || (len(lenDigits) > 1 && lenDigits[0] == '0') {
		return apperr.New(apperr.BencodeParse, false, "malformed byte string length")
	}
	n := 0
	for _, d := range lenDigits {
		if d < '0' || d > '9' {
			return apperr.New(apperr.BencodeParse, false, "non-digit in byte string length")
		}
		n = n*10 + int(d-'0')
	}
	dataStart := colon + 1
	dataEnd := dataStart + n
	if dataEnd > len(c.buf) || dataEnd < dataStart {
		return apperr.New(apperr.BencodeParse, false, "byte string exceeds buffer")
	}
	c.pos = dataEnd
	return nil
}

func (c *checker) list() error {
	c.pos++ // 'l'
	for {
		if c.pos >= len(c.buf) {
			return apperr.New(apperr.BencodeParse, false, "unterminated list")
		}
		if c.buf[c.pos] == 'e' {
			c.pos++
			return nil
		}
		if err := c.value(); err != nil {
			return err
		}
	}
}

func (c *checker) dict() error {
	c.pos++ // 'd'
	var keys [][]byte
	for {
		if c.pos >= len(c.buf) {
			return apperr.New(apperr.BencodeParse, false, "unterminated dictionary")
		}
		if c.buf[c.pos] == 'e' {
			c.pos++
			return c.checkKeyOrder(keys)
		}
		keyStart := c.pos
		if err := c.byteString(); err != nil {
			return err
		}
		keys = append(keys, c.buf[keyStart:c.pos])
		if err := c.value(); err != nil {
			return err
		}
	}
}

func (c *checker) checkKeyOrder(rawKeys [][]byte) error {
	keys := make([][]byte, len(rawKeys))
	for i, rk := range rawKeys {
		s, err := decodedKey(rk)
		if err != nil {
			return err
		}
		keys[i] = s
	}
	if !sort.SliceIsSorted(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	}) {
		return apperr.New(apperr.BencodeParse, false, "dictionary keys are not sorted")
	}
	for i := 1; i < len(keys); i++ {
		if bytes.Equal(keys[i-1], keys[i]) {
			return apperr.New(apperr.BencodeParse, false, "duplicate dictionary key")
		}
	}
	return nil
}

// decodedKey strips the "<len>:" prefix a raw key was captured with.
func decodedKey(raw []byte) ([]byte, error) {
	colon := bytesIndex(raw, ':', 0)
	if colon < 0 {
		return nil, apperr.New(apperr.BencodeParse, false, "malformed dictionary key")
	}
	return raw[colon+1:], nil
}

func bytesIndex(b []byte, c byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == c {
			return i
		}
	}
	return -1
}
