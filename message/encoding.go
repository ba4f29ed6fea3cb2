package message

import (
	"encoding/binary"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Encode serialises a message to the stable on-wire representation documented
// in the wire format section: a tag byte followed by a type-specific body.
// Encoding is deterministic and carries no padding or version negotiation.
func Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("message: encode nil message")
	}

	var payload []byte
	switch msg.Type {
	case MessageTypeConnectionRequest, MessageTypeConnectionResponse:
		cm := msg.Connection
		if cm == nil {
			return nil, fmt.Errorf("message: missing connection payload")
		}
		payload = encodeConnectionMessage(cm)
	case MessageTypeTransport:
		tm := msg.Transport
		if tm == nil {
			return nil, fmt.Errorf("message: missing transport payload")
		}
		payload = encodeTransportMessage(tm)
	default:
		return nil, fmt.Errorf("message: unknown type %d: %w", msg.Type, ErrInvalidMessage)
	}

	out := make([]byte, 1+len(payload))
	out[0] = byte(msg.Type)
	copy(out[1:], payload)
	return out, nil
}

// Decode parses a binary envelope. An unrecognized tag byte or a truncated
// buffer returns an error wrapping ErrInvalidMessage rather than panicking.
func Decode(data []byte) (*Message, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("message: decode short buffer: %w", ErrInvalidMessage)
	}

	msgType := MessageType(data[0])
	payload := data[1:]
	switch msgType {
	case MessageTypeConnectionRequest, MessageTypeConnectionResponse:
		cm, err := decodeConnectionMessage(payload)
		if err != nil {
			return nil, err
		}
		return &Message{Type: msgType, Connection: cm}, nil
	case MessageTypeTransport:
		tm, err := decodeTransportMessage(payload)
		if err != nil {
			return nil, err
		}
		return &Message{Type: msgType, Transport: tm}, nil
	default:
		return nil, fmt.Errorf("message: unknown tag byte %#x: %w", data[0], ErrInvalidMessage)
	}
}

func encodeConnectionMessage(cm *ConnectionMessage) []byte {
	peerBytes := []byte(cm.PeerID)

	out := make([]byte, 4+len(peerBytes)+ConnectionIDLength)
	binary.BigEndian.PutUint32(out[:4], uint32(len(peerBytes)))
	copy(out[4:4+len(peerBytes)], peerBytes)
	copy(out[4+len(peerBytes):], cm.ID[:])
	return out
}

func decodeConnectionMessage(data []byte) (*ConnectionMessage, error) {
	minLen := 4 + ConnectionIDLength
	if len(data) < minLen {
		return nil, fmt.Errorf("message: connection payload too short: %w", ErrInvalidMessage)
	}

	peerLen := binary.BigEndian.Uint32(data[:4])
	cursor := 4

	if uint64(len(data)-cursor) != uint64(peerLen)+ConnectionIDLength {
		return nil, fmt.Errorf("message: connection peer id length mismatch: %w", ErrInvalidMessage)
	}

	peerID, err := peer.IDFromBytes(data[cursor : cursor+int(peerLen)])
	if err != nil {
		return nil, fmt.Errorf("message: parse peer id: %w", err)
	}
	cursor += int(peerLen)

	var id ConnectionID
	copy(id[:], data[cursor:])

	return &ConnectionMessage{PeerID: peerID, ID: id}, nil
}

func encodeTransportMessage(tm *TransportMessage) []byte {
	substreamBytes := encodeSubstreamMessage(&tm.Message)

	out := make([]byte, ConnectionIDLength+8+len(substreamBytes))
	copy(out[:ConnectionIDLength], tm.ID[:])
	binary.BigEndian.PutUint64(out[ConnectionIDLength:ConnectionIDLength+8], tm.Nonce)
	copy(out[ConnectionIDLength+8:], substreamBytes)
	return out
}

func decodeTransportMessage(data []byte) (*TransportMessage, error) {
	minLen := ConnectionIDLength + 8 + 8 + 1
	if len(data) < minLen {
		return nil, fmt.Errorf("message: transport payload too short: %w", ErrInvalidMessage)
	}

	var id ConnectionID
	copy(id[:], data[:ConnectionIDLength])
	cursor := ConnectionIDLength

	nonce := binary.BigEndian.Uint64(data[cursor : cursor+8])
	cursor += 8

	substream, err := decodeSubstreamMessage(data[cursor:])
	if err != nil {
		return nil, err
	}

	return &TransportMessage{ID: id, Nonce: nonce, Message: *substream}, nil
}

func encodeSubstreamMessage(sm *SubstreamMessage) []byte {
	switch sm.Type {
	case SubstreamMessageData:
		out := make([]byte, 8+1+4+len(sm.Data))
		binary.BigEndian.PutUint64(out[:8], uint64(sm.ID))
		out[8] = byte(sm.Type)
		binary.BigEndian.PutUint32(out[9:13], uint32(len(sm.Data)))
		copy(out[13:], sm.Data)
		return out
	default:
		out := make([]byte, 8+1)
		binary.BigEndian.PutUint64(out[:8], uint64(sm.ID))
		out[8] = byte(sm.Type)
		return out
	}
}

func decodeSubstreamMessage(data []byte) (*SubstreamMessage, error) {
	if len(data) < 8+1 {
		return nil, fmt.Errorf("message: substream payload too short: %w", ErrInvalidMessage)
	}
	id := SubstreamID(binary.BigEndian.Uint64(data[:8]))
	msgType := SubstreamMessageType(data[8])

	switch msgType {
	case SubstreamMessageOpenRequest, SubstreamMessageOpenResponse, SubstreamMessageClose:
		if len(data) != 9 {
			return nil, fmt.Errorf("message: unexpected payload for substream control message: %w", ErrInvalidMessage)
		}
		return &SubstreamMessage{ID: id, Type: msgType}, nil
	case SubstreamMessageData:
		if len(data) < 9+4 {
			return nil, fmt.Errorf("message: data frame missing length prefix: %w", ErrInvalidMessage)
		}
		length := binary.BigEndian.Uint32(data[9:13])
		payload := data[13:]
		if uint64(len(payload)) != uint64(length) {
			return nil, fmt.Errorf("message: data frame length mismatch: %w", ErrInvalidMessage)
		}
		buf := make([]byte, len(payload))
		copy(buf, payload)
		return &SubstreamMessage{ID: id, Type: msgType, Data: buf}, nil
	default:
		return nil, fmt.Errorf("message: unknown substream kind %#x: %w", data[8], ErrInvalidMessage)
	}
}
