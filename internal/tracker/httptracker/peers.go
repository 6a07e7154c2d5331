package httptracker

import (
	"bytes"
	"errors"
	"io"
	"net"

	"github.com/fetchd/engine/internal/bencode"
)

type peerDict struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

// decodePeers accepts either BEP 23's compact 6-byte-per-peer string or
// the classic list-of-dictionaries form (spec §4.6).
func decodePeers(raw []byte) ([]*net.TCPAddr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == 'l' {
		var dicts []peerDict
		if err := bencode.Unmarshal(raw, &dicts); err != nil {
			return nil, err
		}
		addrs := make([]*net.TCPAddr, 0, len(dicts))
		for _, d := range dicts {
			ip := net.ParseIP(d.IP)
			if ip == nil {
				continue
			}
			addrs = append(addrs, &net.TCPAddr{IP: ip, Port: d.Port})
		}
		return addrs, nil
	}

	var s string
	if err := bencode.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return decodeCompactPeers([]byte(s))
}

// decodeCompactPeers parses the BEP 23 compact form: 4 bytes IPv4 + 2
// bytes port, big-endian, repeated.
func decodeCompactPeers(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, errors.New("compact peer list is not a multiple of 6 bytes")
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}

func readAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}
