package peerprotocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fetchd/engine/internal/bencode"
)

// WriteMessage writes one length-prefixed wire message to w.
func WriteMessage(w io.Writer, msg Message) error {
	var body bytes.Buffer
	switch m := msg.(type) {
	case ChokeMessage, UnchokeMessage, InterestedMessage, NotInterestedMessage,
		HaveAllMessage, HaveNoneMessage:
		// ID byte only, no payload.
	case HaveMessage:
		if err := writeUint32(&body, m.Index); err != nil {
			return err
		}
	case BitfieldMessage:
		body.Write(m.Data)
	case RequestMessage:
		writeUint32(&body, m.Index)
		writeUint32(&body, m.Begin)
		writeUint32(&body, m.Length)
	case PieceMessage:
		writeUint32(&body, m.Index)
		writeUint32(&body, m.Begin)
		body.Write(m.Data)
	case CancelMessage:
		writeUint32(&body, m.Index)
		writeUint32(&body, m.Begin)
		writeUint32(&body, m.Length)
	case RejectMessage:
		writeUint32(&body, m.Index)
		writeUint32(&body, m.Begin)
		writeUint32(&body, m.Length)
	case PortMessage:
		var b [2]byte
		b[0] = byte(m.Port >> 8)
		b[1] = byte(m.Port)
		body.Write(b[:])
	case ExtensionMessage:
		body.WriteByte(m.ExtendedMessageID)
		payload, err := bencode.Marshal(m.Payload)
		if err != nil {
			return err
		}
		body.Write(payload)
	default:
		return fmt.Errorf("peerprotocol: unknown message type %T", msg)
	}

	total := uint32(1 + body.Len())
	if err := writeUint32(w, total); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(msg.ID())}); err != nil {
		return err
	}
	_, err := io.Copy(w, &body)
	return err
}

// WriteKeepAlive writes the zero-length keep-alive message.
func WriteKeepAlive(w io.Writer) error {
	return writeUint32(w, 0)
}

// ReadMessage reads one length-prefixed wire message from r, returning
// nil for a keep-alive (zero-length) message.
func ReadMessage(r io.Reader, fastExtension bool) (Message, error) {
	length, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil // keep-alive
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	id := MessageID(buf[0])
	payload := buf[1:]
	switch id {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		if len(payload) != 4 {
			return nil, fmt.Errorf("invalid have message length")
		}
		return HaveMessage{Index: beUint32(payload)}, nil
	case Bitfield:
		data := make([]byte, len(payload))
		copy(data, payload)
		return BitfieldMessage{Data: data}, nil
	case Request:
		if len(payload) != 12 {
			return nil, fmt.Errorf("invalid request message length")
		}
		return RequestMessage{Index: beUint32(payload[0:4]), Begin: beUint32(payload[4:8]), Length: beUint32(payload[8:12])}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("invalid piece message length")
		}
		data := make([]byte, len(payload)-8)
		copy(data, payload[8:])
		return PieceMessage{Index: beUint32(payload[0:4]), Begin: beUint32(payload[4:8]), Data: data}, nil
	case Cancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("invalid cancel message length")
		}
		return CancelMessage{Index: beUint32(payload[0:4]), Begin: beUint32(payload[4:8]), Length: beUint32(payload[8:12])}, nil
	case Port:
		if len(payload) != 2 {
			return nil, fmt.Errorf("invalid port message length")
		}
		return PortMessage{Port: uint16(payload[0])<<8 | uint16(payload[1])}, nil
	case HaveAll:
		if !fastExtension {
			return nil, fmt.Errorf("have-all received without fast extension")
		}
		return HaveAllMessage{}, nil
	case HaveNone:
		if !fastExtension {
			return nil, fmt.Errorf("have-none received without fast extension")
		}
		return HaveNoneMessage{}, nil
	case Reject:
		if !fastExtension || len(payload) != 12 {
			return nil, fmt.Errorf("invalid reject message")
		}
		return RejectMessage{Index: beUint32(payload[0:4]), Begin: beUint32(payload[4:8]), Length: beUint32(payload[8:12])}, nil
	case Extended:
		if len(payload) < 1 {
			return nil, fmt.Errorf("invalid extended message")
		}
		return ExtensionMessage{ExtendedMessageID: payload[0], Payload: bencode.RawMessage(payload[1:])}, nil
	default:
		return nil, fmt.Errorf("unknown message id: %d", id)
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
