package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	lptransport "github.com/libp2p/go-libp2p/core/transport"
	ma "github.com/multiformats/go-multiaddr"

	"nymtrans/go-libp2p-nym/internal/metrics"
	"nymtrans/go-libp2p-nym/message"
	"nymtrans/go-libp2p-nym/mixnet"
	"nymtrans/go-libp2p-nym/queue"
)

// Conn implements a single logical connection over the mixnet. Its outbound
// addressing is exactly one of two modes for the connection's whole
// lifetime: a dial-side Conn addresses the peer by its mixnet Recipient
// (the address it was dialed at); an accept-side Conn never learns the
// dialer's Recipient and instead answers using the SURB reply tag attached
// to inbound deliveries, refreshed as fresher tags arrive.
type Conn struct {
	transport *Transport
	id        message.ConnectionID

	localPeer  peer.ID
	remotePeer peer.ID

	localAddr  ma.Multiaddr
	remoteAddr ma.Multiaddr

	// remoteRecipient is set once and never changes; non-nil exactly for a
	// dial-side connection.
	remoteRecipient *message.Recipient
	// remoteReplyTag is set for an accept-side connection and refreshed
	// whenever a fresher SURB tag arrives on an inbound message.
	remoteReplyTag atomic.Pointer[mixnet.ReplyTag]

	// substreamParity distinguishes the two endpoints' local substream id
	// allocation namespaces: 0 for the dialer, 1 for the acceptor.
	substreamParity  uint64
	substreamCounter atomic.Uint64

	queue *queue.MessageQueue

	inboundSubstreams chan *Substream
	closeCh           chan struct{}
	closed            atomic.Bool

	streamsMu       sync.Mutex
	streams         map[string]*Substream
	pendingOutbound map[string]*pendingSubstream

	nonce atomic.Uint64

	maxDataFrameBytes int

	scope network.ConnScope
}

type pendingSubstream struct {
	stream *Substream
	ready  chan struct{}
}

// newConn constructs a Conn. Exactly one of recipient/replyTag must be set:
// recipient for a dial-side connection, replyTag for an accept-side one.
func newConn(t *Transport, connID message.ConnectionID, remotePeer peer.ID, recipient *message.Recipient, replyTag *mixnet.ReplyTag, q *queue.MessageQueue) (*Conn, error) {
	if (recipient == nil) == (replyTag == nil) {
		return nil, fmt.Errorf("nym transport: connection needs exactly one of recipient or reply tag")
	}

	var remoteAddr ma.Multiaddr
	var parity uint64
	if recipient != nil {
		addr, err := multiaddrFromRecipient(*recipient)
		if err != nil {
			return nil, err
		}
		remoteAddr = addr
		parity = 0
	} else {
		remoteAddr = anonymousMultiaddr(*replyTag)
		parity = 1
	}

	conn := &Conn{
		transport:         t,
		id:                connID,
		localPeer:         t.localPeer,
		remotePeer:        remotePeer,
		localAddr:         t.listenAddr,
		remoteAddr:        remoteAddr,
		remoteRecipient:   recipient,
		substreamParity:   parity,
		queue:             q,
		inboundSubstreams: make(chan *Substream, 8),
		closeCh:           make(chan struct{}),
		streams:           make(map[string]*Substream),
		pendingOutbound:   make(map[string]*pendingSubstream),
		maxDataFrameBytes: t.maxDataFrameBytes,
		scope:             &network.NullScope{},
	}
	if replyTag != nil {
		conn.remoteReplyTag.Store(replyTag)
	}

	role := "dialer"
	if replyTag != nil {
		role = "acceptor"
	}
	metrics.ActiveConnections.WithLabelValues(role).Inc()

	return conn, nil
}

// updateReplyTag replaces the accept-side reply tag with a fresher one, if
// this connection uses reply-tag addressing at all. Dial-side connections
// ignore this; they never switch off Recipient addressing.
func (c *Conn) updateReplyTag(tag *mixnet.ReplyTag) {
	if tag == nil || c.remoteRecipient != nil {
		return
	}
	c.remoteReplyTag.Store(tag)
}

func (c *Conn) handleTransportMessage(msg message.TransportMessage, replyTag *mixnet.ReplyTag) {
	c.updateReplyTag(replyTag)

	ready, _, err := c.queue.TryPush(msg)
	if err != nil {
		log.Errorf("connection %s: reorder queue overflow, closing: %v", c.id, err)
		metrics.QueueOverflows.Inc()
		c.transport.emitEvent(Event{
			Kind:    EventListenerError,
			Upgrade: &Upgrade{ConnectionID: c.id, PeerID: c.remotePeer},
			Err:     err,
		})
		c.Close()
		return
	}
	if ready != nil {
		c.processOrderedMessage(*ready)
	}
	for {
		next, ok, _ := c.queue.Pop()
		if !ok || next == nil {
			break
		}
		c.processOrderedMessage(*next)
	}
	metrics.QueueDepth.Observe(float64(len(c.queue.PendingNonces())))
}

// drainQueue releases any TransportMessages buffered before this
// connection's handshake completed, in nonce order. Called once, right
// after the queue is activated by SetConnectionMessageReceived.
func (c *Conn) drainQueue() {
	for {
		next, ok, _ := c.queue.Pop()
		if !ok || next == nil {
			break
		}
		c.processOrderedMessage(*next)
	}
	metrics.QueueDepth.Observe(float64(len(c.queue.PendingNonces())))
}

func (c *Conn) processOrderedMessage(msg message.TransportMessage) {
	subMsg := msg.Message
	switch subMsg.Type {
	case message.SubstreamMessageOpenRequest:
		c.handleOpenRequest(subMsg.ID)
	case message.SubstreamMessageOpenResponse:
		c.handleOpenResponse(subMsg.ID)
	case message.SubstreamMessageData:
		c.handleData(subMsg.ID, subMsg.Data)
	case message.SubstreamMessageClose:
		c.handleClose(subMsg.ID)
	}
}

func (c *Conn) handleOpenRequest(id message.SubstreamID) {
	stream := newSubstream(c, id)

	c.streamsMu.Lock()
	c.streams[substreamKey(id)] = stream
	c.streamsMu.Unlock()

	metrics.OpenSubstreams.Inc()
	_ = c.sendControl(id, message.SubstreamMessageOpenResponse)
	c.enqueueInboundStream(stream)
}

func (c *Conn) handleOpenResponse(id message.SubstreamID) {
	key := substreamKey(id)

	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()

	pending, ok := c.pendingOutbound[key]
	if !ok {
		return
	}
	delete(c.pendingOutbound, key)
	c.streams[key] = pending.stream
	metrics.OpenSubstreams.Inc()
	close(pending.ready)
}

// handleData delivers a Data frame to its substream. A frame for an id with
// no matching open (or already-closed) substream is a protocol violation
// from the remote side: it's reported via the transport's event stream
// rather than silently dropped, but the connection stays up since it's not
// necessarily fatal to other substreams.
func (c *Conn) handleData(id message.SubstreamID, data []byte) {
	stream := c.getStream(id)
	if stream == nil {
		metrics.DroppedFrames.WithLabelValues("unknown_substream").Inc()
		c.transport.emitEvent(Event{
			Kind:    EventListenerError,
			Upgrade: &Upgrade{ConnectionID: c.id, PeerID: c.remotePeer},
			Err:     fmt.Errorf("nym transport: data frame for unknown substream %s on connection %s", id, c.id),
		})
		return
	}
	stream.pushData(data)
}

func (c *Conn) handleClose(id message.SubstreamID) {
	stream := c.removeStream(id)
	if stream != nil {
		metrics.OpenSubstreams.Dec()
		stream.remoteClose()
	}
}

func (c *Conn) enqueueInboundStream(stream *Substream) {
	select {
	case <-c.closeCh:
		return
	case c.inboundSubstreams <- stream:
	default:
		go func() {
			select {
			case <-c.closeCh:
			case c.inboundSubstreams <- stream:
			}
		}()
	}
}

func (c *Conn) getStream(id message.SubstreamID) *Substream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return c.streams[substreamKey(id)]
}

func (c *Conn) removeStream(id message.SubstreamID) *Substream {
	key := substreamKey(id)
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	stream := c.streams[key]
	delete(c.streams, key)
	if pending, ok := c.pendingOutbound[key]; ok {
		delete(c.pendingOutbound, key)
		close(pending.ready)
	}
	return stream
}

// network.ConnMultiaddrs

func (c *Conn) LocalMultiaddr() ma.Multiaddr {
	return c.localAddr
}

func (c *Conn) RemoteMultiaddr() ma.Multiaddr {
	return c.remoteAddr
}

// network.ConnSecurity

func (c *Conn) LocalPeer() peer.ID {
	return c.localPeer
}

func (c *Conn) RemotePeer() peer.ID {
	return c.remotePeer
}

func (c *Conn) RemotePublicKey() crypto.PubKey {
	return nil
}

func (c *Conn) ConnState() network.ConnectionState {
	return network.ConnectionState{
		Transport: nymProtocolName,
	}
}

// network.ConnScoper

func (c *Conn) Scope() network.ConnScope {
	return c.scope
}

// network.MuxedConn

func (c *Conn) OpenStream(ctx context.Context) (network.MuxedStream, error) {
	if c.closed.Load() {
		return nil, network.ErrReset
	}

	id := c.nextSubstreamID()
	stream := newSubstream(c, id)
	key := substreamKey(id)
	pending := &pendingSubstream{
		stream: stream,
		ready:  make(chan struct{}),
	}

	c.streamsMu.Lock()
	c.pendingOutbound[key] = pending
	c.streamsMu.Unlock()

	if err := c.sendControl(id, message.SubstreamMessageOpenRequest); err != nil {
		c.streamsMu.Lock()
		delete(c.pendingOutbound, key)
		c.streamsMu.Unlock()
		return nil, err
	}

	select {
	case <-pending.ready:
		return stream, nil
	case <-ctx.Done():
		c.streamsMu.Lock()
		delete(c.pendingOutbound, key)
		c.streamsMu.Unlock()
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, network.ErrReset
	}
}

// nextSubstreamID allocates the next id in this endpoint's namespace: ids
// are (counter << 1) | parity, so the dialer (parity 0) and the acceptor
// (parity 1) never collide when both open streams concurrently.
func (c *Conn) nextSubstreamID() message.SubstreamID {
	n := c.substreamCounter.Add(1) - 1
	return message.SubstreamID(n<<1 | c.substreamParity)
}

func (c *Conn) AcceptStream() (network.MuxedStream, error) {
	select {
	case <-c.closeCh:
		return nil, network.ErrReset
	case stream, ok := <-c.inboundSubstreams:
		if !ok {
			return nil, network.ErrReset
		}
		return stream, nil
	}
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	role := "dialer"
	if c.remoteRecipient == nil {
		role = "acceptor"
	}
	metrics.ActiveConnections.WithLabelValues(role).Dec()

	close(c.closeCh)
	close(c.inboundSubstreams)

	c.transport.removeConnection(c)

	c.streamsMu.Lock()
	for key, pending := range c.pendingOutbound {
		close(pending.ready)
		delete(c.pendingOutbound, key)
	}
	for key, stream := range c.streams {
		delete(c.streams, key)
		stream.remoteClose()
	}
	c.streamsMu.Unlock()

	return nil
}

func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) CloseWithError(errCode network.ConnErrorCode) error {
	// Nym mixnet doesn't support sending error codes, just close
	return c.Close()
}

func (c *Conn) As(target any) bool {
	// No wrapped connections
	return false
}

func (c *Conn) sendControl(id message.SubstreamID, typ message.SubstreamMessageType) error {
	return c.sendSubstreamMessage(message.SubstreamMessage{
		ID:   id,
		Type: typ,
	})
}

func (c *Conn) sendData(id message.SubstreamID, data []byte) error {
	if len(data) > c.maxDataFrameBytes {
		return fmt.Errorf("nym transport: data frame of %d bytes exceeds max %d", len(data), c.maxDataFrameBytes)
	}
	return c.sendSubstreamMessage(message.SubstreamMessage{
		ID:   id,
		Type: message.SubstreamMessageData,
		Data: data,
	})
}

func (c *Conn) sendSubstreamMessage(sub message.SubstreamMessage) error {
	nonce := c.nonce.Add(1) - 1
	msg := &message.Message{
		Type: message.MessageTypeTransport,
		Transport: &message.TransportMessage{
			Nonce:   nonce,
			Message: sub,
			ID:      c.id,
		},
	}
	return c.transport.sendMixnetMessage(c.remoteRecipient, c.remoteReplyTag.Load(), msg)
}

func (c *Conn) closeLocalStream(stream *Substream) {
	if stream == nil {
		return
	}
	if c.closed.Load() {
		return
	}
	c.sendControl(stream.id, message.SubstreamMessageClose)
	c.removeStream(stream.id)
}

func substreamKey(id message.SubstreamID) string {
	return id.String()
}

func (c *Conn) Transport() lptransport.Transport {
	return c.transport
}

var _ network.ConnMultiaddrs = (*Conn)(nil)
var _ network.ConnSecurity = (*Conn)(nil)
var _ network.ConnScoper = (*Conn)(nil)
var _ network.MuxedConn = (*Conn)(nil)
var _ lptransport.CapableConn = (*Conn)(nil)
