package message

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ConnectionIDLength is the fixed byte length of a ConnectionID: 128 random
// bits, collision resistant across a process lifetime.
const ConnectionIDLength = 16

// MessageType is the leading tag byte of an encoded envelope.
type MessageType byte

const (
	MessageTypeConnectionRequest  MessageType = 0x01
	MessageTypeConnectionResponse MessageType = 0x02
	MessageTypeTransport          MessageType = 0x03
)

// ConnectionID uniquely identifies a logical connection for the lifetime of
// the process. Minted by the dialer.
type ConnectionID [ConnectionIDLength]byte

// GenerateConnectionID returns a fresh random identifier.
func GenerateConnectionID() (ConnectionID, error) {
	var id ConnectionID
	if _, err := rand.Read(id[:]); err != nil {
		return ConnectionID{}, fmt.Errorf("message: generate connection id: %w", err)
	}
	return id, nil
}

// String implements fmt.Stringer for debugging.
func (c ConnectionID) String() string {
	return hex.EncodeToString(c[:])
}

// Bytes returns the raw identifier bytes.
func (c ConnectionID) Bytes() []byte {
	b := make([]byte, len(c))
	copy(b, c[:])
	return b
}

// SubstreamID is scoped to a single connection and allocated by the opener.
// The low bit separates the two endpoints' local-allocation namespaces so
// concurrent opens from both sides of a connection never collide.
type SubstreamID uint64

func (s SubstreamID) String() string {
	return fmt.Sprintf("%d", uint64(s))
}

// ConnectionMessage is exchanged during the handshake; it is the payload of
// both ConnectionRequest and ConnectionResponse.
type ConnectionMessage struct {
	PeerID peer.ID
	ID     ConnectionID
}

// TransportMessage carries a substream payload with ordering information.
type TransportMessage struct {
	ID      ConnectionID
	Nonce   uint64
	Message SubstreamMessage
}

// Message is a top-level envelope. Exactly one of Connection/Transport is
// populated, selected by Type.
type Message struct {
	Type       MessageType
	Connection *ConnectionMessage
	Transport  *TransportMessage
}

// SubstreamMessageType is the substream-message kind tag.
type SubstreamMessageType byte

const (
	SubstreamMessageOpenRequest  SubstreamMessageType = 0x10
	SubstreamMessageOpenResponse SubstreamMessageType = 0x11
	SubstreamMessageData         SubstreamMessageType = 0x12
	SubstreamMessageClose        SubstreamMessageType = 0x13
)

// SubstreamMessage is sent over a logical substream within a connection.
type SubstreamMessage struct {
	ID   SubstreamID
	Type SubstreamMessageType
	Data []byte
}

// ErrInvalidMessage indicates a decoding failure: unknown tag, truncated
// buffer, or malformed length prefix.
var ErrInvalidMessage = errors.New("message: invalid data")
