package transport

import (
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"nymtrans/go-libp2p-nym/message"
)

// EventKind discriminates the values carried on Transport.Events(). It
// mirrors the transport-level signals a poll-based implementation would
// surface directly from its event loop; here they are pushed onto a channel
// as they occur instead.
type EventKind int

const (
	// EventNewAddress fires once a listener starts accepting on the
	// transport's Nym address.
	EventNewAddress EventKind = iota
	// EventIncoming fires when an inbound connection completes its
	// handshake and is queued for Accept.
	EventIncoming
	// EventListenerClosed fires when a listener stops, gracefully or not.
	// Err is nil for a graceful stop.
	EventListenerClosed
	// EventListenerError fires on an error that doesn't map to closing the
	// whole transport: an undecodable gateway frame, a handshake-rule
	// violation (request without a reply tag, duplicate request or response,
	// response with no pending dial), a Data frame referencing an unknown
	// substream, or a reorder-queue overflow. Only a queue overflow closes
	// the offending connection; the transport and its other connections are
	// unaffected.
	EventListenerError
)

// Upgrade describes a connection that has just finished its handshake.
type Upgrade struct {
	ConnectionID message.ConnectionID
	PeerID       peer.ID
}

// Event is a single transport-level signal. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind       EventKind
	ListenAddr ma.Multiaddr
	Upgrade    *Upgrade
	Err        error
}

// Events returns a channel of transport-level signals: new listen
// addresses, completed inbound upgrades, listener shutdowns, and recoverable
// protocol errors scoped to a single connection. Callers that don't read it
// lose nothing functionally — go-libp2p still drives Dial/Listen/Accept
// directly — but lose the out-of-band diagnostics for the errors above.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// emitEvent pushes e without blocking the caller. If the channel is full a
// best-effort goroutine keeps trying until the transport shuts down, so a
// slow or absent reader never wedges the handshake or data path.
func (t *Transport) emitEvent(e Event) {
	select {
	case <-t.ctx.Done():
		return
	case t.events <- e:
	default:
		go func() {
			select {
			case <-t.ctx.Done():
			case t.events <- e:
			}
		}()
	}
}
