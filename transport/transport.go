package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	lptransport "github.com/libp2p/go-libp2p/core/transport"
	ma "github.com/multiformats/go-multiaddr"

	"nymtrans/go-libp2p-nym/internal/config"
	"nymtrans/go-libp2p-nym/internal/metrics"
	"nymtrans/go-libp2p-nym/message"
	"nymtrans/go-libp2p-nym/mixnet"
	"nymtrans/go-libp2p-nym/queue"
)

var log = logging.Logger("nymtransport")

// Transport implements the go-libp2p transport interface over the Nym mixnet.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	privKey   crypto.PrivKey
	localPeer peer.ID

	selfRecipient message.Recipient
	listenAddr    ma.Multiaddr

	mixnetInbound  <-chan mixnet.InboundMessage
	mixnetOutbound chan<- mixnet.OutboundMessage

	handshakeTimeout       time.Duration
	maxQueuedPerConnection int
	maxDataFrameBytes      int

	events chan Event

	mu           sync.RWMutex
	listeners    map[*listener]struct{}
	connections  map[string]*Conn
	pendingDials map[string]*dialState
	// queues holds armed (pre-activation) reorder queues for connection ids
	// that have a TransportMessage in flight but no handshake completed yet.
	// A queue moves out of this map and into its Conn once the matching
	// ConnectionRequest/ConnectionResponse arrives.
	queues map[string]*queue.MessageQueue
}

type dialState struct {
	remoteRecipient message.Recipient
	resultCh        chan *Conn
}

// New creates a new transport instance that connects to the provided Nym
// websocket gateway URI, using default handshake and queueing bounds.
func New(ctx context.Context, uri string, privKey crypto.PrivKey) (*Transport, error) {
	cfg := config.Defaults()
	cfg.GatewayURI = uri
	return NewWithConfig(ctx, cfg, privKey)
}

// NewWithConfig creates a new transport instance using an explicit
// configuration for the gateway URI, handshake timeout, and per-connection
// reorder-queue and data-frame bounds.
func NewWithConfig(ctx context.Context, cfg config.Config, privKey crypto.PrivKey) (*Transport, error) {
	ensureProtocolRegistered()

	self, inbound, outbound, err := mixnet.Initialize(ctx, cfg.GatewayURI, nil)
	if err != nil {
		return nil, fmt.Errorf("nym transport: initialize mixnet: %w", err)
	}

	return newWithMixnet(ctx, cfg, privKey, self, inbound, outbound)
}

func newWithMixnet(ctx context.Context, cfg config.Config, privKey crypto.PrivKey, self message.Recipient, inbound <-chan mixnet.InboundMessage, outbound chan<- mixnet.OutboundMessage) (*Transport, error) {
	ensureProtocolRegistered()
	ctx, cancel := context.WithCancel(ctx)

	pub := privKey.GetPublic()
	localPeer, err := peer.IDFromPublicKey(pub)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("nym transport: derive peer id: %w", err)
	}

	addr, err := multiaddrFromRecipient(self)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("nym transport: build listen address: %w", err)
	}

	t := &Transport{
		ctx:                    ctx,
		cancel:                 cancel,
		privKey:                privKey,
		localPeer:              localPeer,
		selfRecipient:          self,
		listenAddr:             addr,
		mixnetInbound:          inbound,
		mixnetOutbound:         outbound,
		handshakeTimeout:       cfg.HandshakeTimeout,
		maxQueuedPerConnection: cfg.MaxQueuedPerConnection,
		maxDataFrameBytes:      cfg.MaxDataFrameBytes,
		events:                 make(chan Event, 32),
		listeners:              make(map[*listener]struct{}),
		connections:            make(map[string]*Conn),
		pendingDials:           make(map[string]*dialState),
		queues:                 make(map[string]*queue.MessageQueue),
	}

	log.Infof("nym transport ready, local peer %s, address %s", localPeer, addr)

	go t.processInbound()

	return t, nil
}

// Proxy indicates whether the transport is a proxy transport.
func (t *Transport) Proxy() bool {
	return false
}

// LocalAddr returns the transport's own listen multiaddr, derived from its
// mixnet Recipient address. Pass it to Listen to start accepting inbound
// connections.
func (t *Transport) LocalAddr() ma.Multiaddr {
	return t.listenAddr
}

// Protocols returns the set of supported multiaddr protocol codes.
func (t *Transport) Protocols() []int {
	return []int{nymProtocolCode}
}

// CanDial determines whether this transport can dial the given multiaddr.
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	return hasNymProtocol(addr)
}

// Close releases transport resources, closing every listener and
// connection abruptly: in-flight substream data is discarded rather than
// drained, matching how the mixnet itself offers no delivery guarantee once
// a peer stops reading.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	listeners := make([]*listener, 0, len(t.listeners))
	for l := range t.listeners {
		listeners = append(listeners, l)
		delete(t.listeners, l)
	}

	connections := make([]*Conn, 0, len(t.connections))
	for key, conn := range t.connections {
		connections = append(connections, conn)
		delete(t.connections, key)
	}

	for key, dial := range t.pendingDials {
		close(dial.resultCh)
		delete(t.pendingDials, key)
	}
	t.mu.Unlock()

	// Shutdown listeners and close connections without holding the lock:
	// conn.Close() calls back into removeConnection(), which takes it.
	for _, l := range listeners {
		l.shutdown()
		// t.ctx is already cancelled, so emitEvent could pick its Done case
		// over the send; push directly while the channel has room.
		select {
		case t.events <- Event{Kind: EventListenerClosed, ListenAddr: t.listenAddr}:
		default:
		}
	}
	for _, conn := range connections {
		conn.Close()
	}

	return nil
}

func hasNymProtocol(addr ma.Multiaddr) bool {
	found := false
	ma.ForEach(addr, func(c ma.Component) bool {
		if c.Protocol().Code == nymProtocolCode {
			found = true
			return false // stop iteration
		}
		return true // continue
	})
	return found
}

// Listen listens on the transport's Nym address.
func (t *Transport) Listen(laddr ma.Multiaddr) (lptransport.Listener, error) {
	if !laddr.Equal(t.listenAddr) {
		return nil, fmt.Errorf("nym transport: can only listen on %s", t.listenAddr)
	}

	l := newListener(t)
	t.mu.Lock()
	t.listeners[l] = struct{}{}
	t.mu.Unlock()

	t.emitEvent(Event{Kind: EventNewAddress, ListenAddr: t.listenAddr})
	return l, nil
}

// Dial dials a remote peer via the mixnet.
func (t *Transport) Dial(ctx context.Context, addr ma.Multiaddr, p peer.ID) (lptransport.CapableConn, error) {
	if !hasNymProtocol(addr) {
		return nil, fmt.Errorf("nym transport: unsupported address")
	}

	recipient, err := parseRecipientFromMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("nym transport: parse recipient: %w", err)
	}

	connID, err := message.GenerateConnectionID()
	if err != nil {
		return nil, fmt.Errorf("nym transport: generate connection id: %w", err)
	}

	resultCh := make(chan *Conn, 1)
	state := &dialState{
		remoteRecipient: recipient,
		resultCh:        resultCh,
	}
	key := connKey(connID)

	t.mu.Lock()
	if _, exists := t.pendingDials[key]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("nym transport: connection id collision")
	}
	t.pendingDials[key] = state
	t.mu.Unlock()

	msg := &message.Message{
		Type: message.MessageTypeConnectionRequest,
		Connection: &message.ConnectionMessage{
			PeerID: t.localPeer,
			ID:     connID,
		},
	}

	if err := t.sendMixnetMessage(&recipient, nil, msg); err != nil {
		t.removePendingDial(key)
		return nil, err
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()

	start := time.Now()
	defer func() { metrics.HandshakeDuration.Observe(time.Since(start).Seconds()) }()

	select {
	case conn, ok := <-resultCh:
		if !ok || conn == nil {
			return nil, fmt.Errorf("nym transport: dial aborted")
		}
		if p != "" && conn.remotePeer != p {
			conn.Close()
			return nil, fmt.Errorf("nym transport: remote peer mismatch")
		}
		return conn, nil
	case <-handshakeCtx.Done():
		t.removePendingDial(key)
		return nil, handshakeCtx.Err()
	case <-t.ctx.Done():
		t.removePendingDial(key)
		return nil, context.Canceled
	}
}

func (t *Transport) removePendingDial(key string) {
	t.mu.Lock()
	if state, ok := t.pendingDials[key]; ok {
		delete(t.pendingDials, key)
		close(state.resultCh)
	}
	t.mu.Unlock()
}

func (t *Transport) processInbound() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case inbound, ok := <-t.mixnetInbound:
			if !ok {
				return
			}
			if inbound.DecodeErr != nil {
				log.Warnf("mixnet codec error: %v", inbound.DecodeErr)
				t.emitEvent(Event{Kind: EventListenerError, Err: inbound.DecodeErr})
				continue
			}
			if inbound.Message == nil {
				continue
			}
			if err := t.handleInboundMessage(inbound.Message, inbound.ReplyTag); err != nil {
				log.Warnf("inbound message error: %v", err)
			}
		}
	}
}

func (t *Transport) handleInboundMessage(msg *message.Message, replyTag *mixnet.ReplyTag) error {
	switch msg.Type {
	case message.MessageTypeConnectionRequest:
		if msg.Connection == nil {
			return fmt.Errorf("missing connection request payload")
		}
		return t.handleConnectionRequest(msg.Connection, replyTag)
	case message.MessageTypeConnectionResponse:
		if msg.Connection == nil {
			return fmt.Errorf("missing connection response payload")
		}
		return t.handleConnectionResponse(msg.Connection, replyTag)
	case message.MessageTypeTransport:
		if msg.Transport == nil {
			return fmt.Errorf("missing transport payload")
		}
		return t.handleTransportMessage(msg.Transport, replyTag)
	default:
		return fmt.Errorf("unknown message type %d", msg.Type)
	}
}

// handleConnectionRequest accepts an inbound dial. The acceptor never learns
// the dialer's Recipient address: it answers using the SURB reply tag
// attached to this delivery, and every request must carry one.
func (t *Transport) handleConnectionRequest(connMsg *message.ConnectionMessage, replyTag *mixnet.ReplyTag) error {
	if replyTag == nil {
		err := fmt.Errorf("connection request for %s missing reply tag", connMsg.ID)
		t.emitEvent(Event{
			Kind:    EventListenerError,
			Upgrade: &Upgrade{ConnectionID: connMsg.ID, PeerID: connMsg.PeerID},
			Err:     err,
		})
		return err
	}

	key := connKey(connMsg.ID)

	t.mu.Lock()
	if _, exists := t.connections[key]; exists {
		t.mu.Unlock()
		err := fmt.Errorf("connection %s already exists", connMsg.ID)
		t.emitEvent(Event{
			Kind:    EventListenerError,
			Upgrade: &Upgrade{ConnectionID: connMsg.ID, PeerID: connMsg.PeerID},
			Err:     err,
		})
		return err
	}

	q := t.takeOrCreateQueueLocked(key)
	q.SetConnectionMessageReceived()

	conn, err := newConn(t, connMsg.ID, connMsg.PeerID, nil, replyTag, q)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.connections[key] = conn
	t.mu.Unlock()

	resp := &message.Message{
		Type: message.MessageTypeConnectionResponse,
		Connection: &message.ConnectionMessage{
			PeerID: t.localPeer,
			ID:     connMsg.ID,
		},
	}

	if err := t.sendMixnetMessage(nil, replyTag, resp); err != nil {
		conn.Close()
		return err
	}

	t.notifyListeners(conn)
	t.emitEvent(Event{
		Kind:    EventIncoming,
		Upgrade: &Upgrade{ConnectionID: connMsg.ID, PeerID: connMsg.PeerID},
	})
	conn.drainQueue()
	return nil
}

func (t *Transport) handleConnectionResponse(connMsg *message.ConnectionMessage, replyTag *mixnet.ReplyTag) error {
	key := connKey(connMsg.ID)

	t.mu.Lock()
	if _, established := t.connections[key]; established {
		t.mu.Unlock()
		err := fmt.Errorf("connection %s already established", connMsg.ID)
		t.emitEvent(Event{
			Kind:    EventListenerError,
			Upgrade: &Upgrade{ConnectionID: connMsg.ID, PeerID: connMsg.PeerID},
			Err:     err,
		})
		return err
	}

	state, ok := t.pendingDials[key]
	if !ok {
		t.mu.Unlock()
		err := fmt.Errorf("no pending dial for connection response %s", connMsg.ID)
		t.emitEvent(Event{Kind: EventListenerError, Err: err})
		return err
	}
	delete(t.pendingDials, key)

	q := t.takeOrCreateQueueLocked(key)
	q.SetConnectionMessageReceived()

	recipient := state.remoteRecipient
	conn, err := newConn(t, connMsg.ID, connMsg.PeerID, &recipient, nil, q)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.connections[key] = conn
	t.mu.Unlock()

	select {
	case state.resultCh <- conn:
	default:
		conn.Close()
	}
	conn.drainQueue()
	return nil
}

// takeOrCreateQueueLocked returns the armed queue already buffering
// pre-handshake TransportMessages for key, if any, removing it from the
// pending-queue table; otherwise it allocates a fresh one. Callers hold t.mu.
func (t *Transport) takeOrCreateQueueLocked(key string) *queue.MessageQueue {
	if q, ok := t.queues[key]; ok {
		delete(t.queues, key)
		return q
	}
	return queue.NewWithCap(t.maxQueuedPerConnection)
}

// handleTransportMessage dispatches a TransportMessage to its Connection. A
// message for a connection id with no Connection yet is not dropped: the
// handshake (ConnectionRequest/ConnectionResponse) may simply not have
// arrived yet, so the message is buffered in an armed queue keyed by
// connection id and released once the handshake completes and activates it
// (spec §3 invariant 2, §4.C).
func (t *Transport) handleTransportMessage(transportMsg *message.TransportMessage, replyTag *mixnet.ReplyTag) error {
	key := connKey(transportMsg.ID)

	t.mu.RLock()
	conn, ok := t.connections[key]
	t.mu.RUnlock()
	if ok {
		conn.handleTransportMessage(*transportMsg, replyTag)
		return nil
	}

	t.mu.Lock()
	q, exists := t.queues[key]
	if !exists {
		q = queue.NewWithCap(t.maxQueuedPerConnection)
		t.queues[key] = q
	}
	t.mu.Unlock()

	if _, _, err := q.TryPush(*transportMsg); err != nil {
		t.mu.Lock()
		delete(t.queues, key)
		t.mu.Unlock()
		wrapped := fmt.Errorf("pre-handshake queue overflow for connection %s: %w", transportMsg.ID, err)
		t.emitEvent(Event{Kind: EventListenerError, Err: wrapped})
		return wrapped
	}
	return nil
}

func (t *Transport) notifyListeners(conn *Conn) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for l := range t.listeners {
		l.enqueue(conn)
	}
}

func (t *Transport) removeConnection(conn *Conn) {
	key := connKey(conn.id)
	t.mu.Lock()
	delete(t.connections, key)
	t.mu.Unlock()
}

// sendMixnetMessage forwards msg to the mixnet client. Exactly one of
// recipient/replyTag must be set. A Recipient-addressed send always requests
// a batch of reply SURBs from the gateway, so the remote end receives a
// fresh reply tag to answer with even outside this package's test harness.
func (t *Transport) sendMixnetMessage(recipient *message.Recipient, replyTag *mixnet.ReplyTag, msg *message.Message) error {
	out := mixnet.OutboundMessage{
		Recipient: recipient,
		ReplyTag:  replyTag,
		Message:   msg,
	}
	if recipient != nil {
		out.ReplySURBCount = mixnet.DefaultReplySURBCount
	}

	select {
	case <-t.ctx.Done():
		return context.Canceled
	case t.mixnetOutbound <- out:
		return nil
	}
}

func multiaddrFromRecipient(rec message.Recipient) (ma.Multiaddr, error) {
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s", nymProtocolName, rec.String()))
}

// anonymousMultiaddr builds a non-dialable placeholder address for an
// accept-side connection whose remote Recipient is unknown, for display and
// RemoteMultiaddr() purposes only.
func anonymousMultiaddr(tag mixnet.ReplyTag) ma.Multiaddr {
	addr, err := ma.NewMultiaddr(fmt.Sprintf("/%s/anon:%s", nymProtocolName, tag.String()))
	if err != nil {
		// construction from known-valid hex input cannot fail; fall back to
		// the bare protocol component if it somehow does.
		addr, _ = ma.NewMultiaddr("/" + nymProtocolName + "/anon")
	}
	return addr
}

func parseRecipientFromMultiaddr(addr ma.Multiaddr) (message.Recipient, error) {
	data := addr.Bytes()
	code, n, err := ma.ReadVarintCode(data)
	if err != nil {
		return message.Recipient{}, err
	}
	if code != nymProtocolCode {
		return message.Recipient{}, fmt.Errorf("unexpected protocol code %d", code)
	}
	data = data[n:]
	size, m, err := ma.ReadVarintCode(data)
	if err != nil {
		return message.Recipient{}, err
	}
	data = data[m:]
	if len(data) < size {
		return message.Recipient{}, fmt.Errorf("invalid nym multiaddr payload")
	}
	value := string(data[:size])
	return message.ParseRecipient(value)
}

func connKey(id message.ConnectionID) string {
	return hex.EncodeToString(id[:])
}

var _ lptransport.Transport = (*Transport)(nil)
