package mixnet

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"nymtrans/go-libp2p-nym/message"
)

const (
	requestTagSend        = 0x00
	requestTagReply       = 0x01
	requestTagSelfAddress = 0x03
)

const (
	responseTagError       = 0x00
	responseTagReceived    = 0x01
	responseTagSelfAddress = 0x02
)

// ReplyTagSize is the length of the SURB sender tag the gateway attaches to
// an inbound message when the sender used an anonymous send. Echoing it back
// through the gateway's "reply" request lets the recipient respond without
// ever learning the sender's real Recipient address.
const ReplyTagSize = 32

// ReplyTag identifies a single-use (in practice, gateway-bounded) set of
// reply SURBs handed back by the mixnet gateway alongside an inbound
// message. It has no meaning outside the gateway connection that produced
// it; only a tag received from that gateway addresses a peer.
type ReplyTag [ReplyTagSize]byte

// String renders the tag as hex for logging; it is not a stable wire form.
func (t ReplyTag) String() string {
	return hex.EncodeToString(t[:])
}

func serializeSelfAddressRequest() []byte {
	return []byte{requestTagSelfAddress}
}

// DefaultReplySURBCount is how many single-use reply SURBs a "send" request
// asks the gateway to attach to the recipient's delivery, letting the
// recipient answer anonymously via a "reply" request instead of ever
// learning the sender's Recipient address.
const DefaultReplySURBCount = 10

// serializeSendRequest builds a "send" request addressed to recipient.
// surbCount reply SURBs are requested alongside the delivery when nonzero;
// zero requests none (a plain send with no anonymous-reply capability).
func serializeSendRequest(recipient message.Recipient, payload []byte, surbCount uint32) []byte {
	size := 1 + message.RecipientLength + 8 + 1 + 4 + 8 + len(payload)
	buf := make([]byte, size)
	buf[0] = requestTagSend
	offset := 1
	copy(buf[offset:offset+message.RecipientLength], recipient.Bytes())
	offset += message.RecipientLength
	// connection id is currently unused, set to zero.
	offset += 8
	if surbCount > 0 {
		buf[offset] = 1
	}
	offset++
	binary.BigEndian.PutUint32(buf[offset:offset+4], surbCount)
	offset += 4
	binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(len(payload)))
	offset += 8
	copy(buf[offset:], payload)
	return buf
}

// serializeReplyRequest builds a "reply" request that routes payload back
// through the gateway using a previously received SURB tag instead of a
// Recipient address.
func serializeReplyRequest(tag ReplyTag, payload []byte) []byte {
	size := 1 + ReplyTagSize + 8 + len(payload)
	buf := make([]byte, size)
	buf[0] = requestTagReply
	copy(buf[1:1+ReplyTagSize], tag[:])
	offset := 1 + ReplyTagSize
	binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(len(payload)))
	offset += 8
	copy(buf[offset:], payload)
	return buf
}

func decodeServerResponse(data []byte) (serverResponse, error) {
	if len(data) == 0 {
		return serverResponse{}, fmt.Errorf("mixnet: empty response")
	}

	switch data[0] {
	case responseTagReceived:
		payload, tag, err := decodeReceivedPayload(data)
		if err != nil {
			return serverResponse{}, err
		}
		return serverResponse{kind: responseTagReceived, payload: payload, replyTag: tag}, nil
	case responseTagSelfAddress:
		if len(data) != 1+message.RecipientLength {
			return serverResponse{}, fmt.Errorf("mixnet: invalid self address response length %d", len(data))
		}
		recipient, err := message.RecipientFromBytes(data[1:])
		if err != nil {
			return serverResponse{}, fmt.Errorf("mixnet: decode self address: %w", err)
		}
		return serverResponse{kind: responseTagSelfAddress, payload: recipient}, nil
	case responseTagError:
		if len(data) < 2+8 {
			return serverResponse{}, fmt.Errorf("mixnet: error response too short")
		}
		code := data[1]
		msgLen := binary.BigEndian.Uint64(data[2 : 2+8])
		if int(msgLen) != len(data)-(2+8) {
			return serverResponse{}, fmt.Errorf("mixnet: malformed error response length")
		}
		return serverResponse{
			kind:    responseTagError,
			payload: fmt.Sprintf("remote error code=%d msg=%s", code, string(data[10:])),
		}, nil
	default:
		return serverResponse{}, fmt.Errorf("mixnet: unknown response tag %d", data[0])
	}
}

type serverResponse struct {
	kind     byte
	payload  any
	replyTag *ReplyTag
}

// decodeReceivedPayload parses a "received" response. When the gateway
// attached a SURB sender tag (hasTag == 1) it is returned alongside the
// message payload so the caller can route a reply anonymously.
func decodeReceivedPayload(data []byte) ([]byte, *ReplyTag, error) {
	if len(data) < 2+8 {
		return nil, nil, fmt.Errorf("mixnet: received response too short")
	}

	hasTag := data[1]
	offset := 2

	var tag *ReplyTag
	if hasTag == 1 {
		if len(data) < offset+ReplyTagSize+8 {
			return nil, nil, fmt.Errorf("mixnet: received response missing sender tag bytes")
		}
		var t ReplyTag
		copy(t[:], data[offset:offset+ReplyTagSize])
		tag = &t
		offset += ReplyTagSize
	} else if hasTag != 0 {
		return nil, nil, fmt.Errorf("mixnet: invalid sender tag marker %d", hasTag)
	}

	if len(data) < offset+8 {
		return nil, nil, fmt.Errorf("mixnet: received response missing length")
	}

	length := binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8
	if int(length) != len(data)-offset {
		return nil, nil, fmt.Errorf("mixnet: received response malformed length expected %d got %d", length, len(data)-offset)
	}

	msg := make([]byte, length)
	copy(msg, data[offset:])
	return msg, tag, nil
}

func encodeMessagePayload(msg *message.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("mixnet: nil message")
	}
	return message.Encode(msg)
}

func decodeMessagePayload(data []byte) (*message.Message, error) {
	return message.Decode(data)
}

// isContextDone returns true if the context has been cancelled.
func isContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
