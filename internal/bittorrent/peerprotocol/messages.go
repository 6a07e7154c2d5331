// Package peerprotocol implements the classic BitTorrent wire protocol
// message set (spec §4.4 step 3, §6): handshake plus length-prefixed
// keep-alive/choke/unchoke/interested/not-interested/have/bitfield/
// request/piece/cancel/port/extended messages.
package peerprotocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies a wire message type.
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	HaveAll       MessageID = 14 // BEP 6
	HaveNone      MessageID = 15 // BEP 6
	Reject        MessageID = 16 // BEP 6
	Extended      MessageID = 20 // BEP 10

	ExtensionIDHandshake = 0
)

// Message is implemented by every concrete wire message.
type Message interface {
	ID() MessageID
}

// ProtocolString is the pstr field of the handshake.
const ProtocolString = "BitTorrent protocol"

// BlockSize is the fixed request/piece block size (spec §4.4 step 4).
const BlockSize = 16 * 1024

type ChokeMessage struct{}

func (ChokeMessage) ID() MessageID { return Choke }

type UnchokeMessage struct{}

func (UnchokeMessage) ID() MessageID { return Unchoke }

type InterestedMessage struct{}

func (InterestedMessage) ID() MessageID { return Interested }

type NotInterestedMessage struct{}

func (NotInterestedMessage) ID() MessageID { return NotInterested }

type HaveMessage struct{ Index uint32 }

func (HaveMessage) ID() MessageID { return Have }

type BitfieldMessage struct{ Data []byte }

func (BitfieldMessage) ID() MessageID { return Bitfield }

type HaveAllMessage struct{}

func (HaveAllMessage) ID() MessageID { return HaveAll }

type HaveNoneMessage struct{}

func (HaveNoneMessage) ID() MessageID { return HaveNone }

// RequestMessage and CancelMessage share the same wire shape.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (RequestMessage) ID() MessageID { return Request }

type CancelMessage struct {
	Index, Begin, Length uint32
}

func (CancelMessage) ID() MessageID { return Cancel }

type RejectMessage struct {
	Index, Begin, Length uint32
}

func (RejectMessage) ID() MessageID { return Reject }

type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

func (PieceMessage) ID() MessageID { return Piece }

type PortMessage struct{ Port uint16 }

func (PortMessage) ID() MessageID { return Port }

// ExtensionMessage carries a BEP 10 sub-message.
type ExtensionMessage struct {
	ExtendedMessageID byte
	Payload           interface{}
}

func (ExtensionMessage) ID() MessageID { return Extended }

// ExtensionHandshakeMessage is the BEP 10 handshake payload (extended
// message id 0).
type ExtensionHandshakeMessage struct {
	M            map[string]byte `bencode:"m"`
	MetadataSize uint32          `bencode:"metadata_size,omitempty"`
	V            string          `bencode:"v,omitempty"`
	YourIP       string          `bencode:"yourip,omitempty"`
	Reqq         int             `bencode:"reqq,omitempty"`
}

const (
	ExtensionKeyMetadata = "ut_metadata"
	ExtensionKeyPEX      = "ut_pex"
)

// NewExtensionHandshake builds the handshake payload the engine sends
// advertising its supported extensions.
func NewExtensionHandshake(metadataSize uint32, version string, yourIP fmt.Stringer) ExtensionHandshakeMessage {
	m := ExtensionHandshakeMessage{
		M: map[string]byte{
			ExtensionKeyMetadata: 1,
			ExtensionKeyPEX:      2,
		},
		V:    version,
		Reqq: 250,
	}
	if metadataSize > 0 {
		m.MetadataSize = metadataSize
	}
	if yourIP != nil {
		m.YourIP = yourIP.String()
	}
	return m
}

const (
	ExtensionMetadataMessageTypeRequest = 0
	ExtensionMetadataMessageTypeData    = 1
	ExtensionMetadataMessageTypeReject  = 2
)

// ExtensionMetadataMessage is the BEP 9 ut_metadata sub-message.
type ExtensionMetadataMessage struct {
	Type      int `bencode:"msg_type"`
	Piece     uint32 `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// ExtensionPEXMessage is the BEP 11 ut_pex sub-message: compact added/
// dropped peer lists.
type ExtensionPEXMessage struct {
	Added    string `bencode:"added"`
	AddedF   string `bencode:"added.f,omitempty"`
	Dropped  string `bencode:"dropped"`
}

// HandshakeHeader is the fixed 68-byte BitTorrent handshake (spec §4.4
// step 3): 19 "BitTorrent protocol" <reserved 8B> <info_hash 20B> <peer_id 20B>.
type HandshakeHeader struct {
	Pstrlen  byte
	Pstr     [19]byte
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// WriteHandshake writes the handshake header to w.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte, reserved [8]byte) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, 19)
	buf = append(buf, ProtocolString...)
	buf = append(buf, reserved[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a handshake header from r.
func ReadHandshake(r io.Reader) (infoHash, peerID [20]byte, reserved [8]byte, err error) {
	var buf [68]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	if buf[0] != 19 || string(buf[1:20]) != ProtocolString {
		err = fmt.Errorf("invalid protocol header")
		return
	}
	copy(reserved[:], buf[20:28])
	copy(infoHash[:], buf[28:48])
	copy(peerID[:], buf[48:68])
	return
}

// writeUint32 writes v as a 4-byte big-endian integer.
func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
