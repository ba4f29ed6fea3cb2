// Package queue implements the per-connection reorder buffer that tolerates
// the mixnet's out-of-order delivery and the connection-setup race between a
// ConnectionResponse and early TransportMessages.
package queue

import (
	"errors"
	"sort"
	"sync"

	"nymtrans/go-libp2p-nym/message"
)

// DefaultMaxQueued is the default cap on buffered-but-unreleased messages
// for a single connection before the queue refuses further pushes.
const DefaultMaxQueued = 1024

// ErrOverflow is returned by TryPush when accepting a message would push the
// buffered count past the queue's cap (see NewWithCap). The caller closes only the owning
// connection; no other connection or the transport itself is affected.
var ErrOverflow = errors.New("queue: buffered message cap exceeded")

// MessageQueue reorders transport messages by nonce for one connection.
// It starts armed (collecting, not releasing) and becomes active exactly
// once, when the connection's handshake completes.
type MessageQueue struct {
	mu                sync.Mutex
	nextExpectedNonce uint64
	active            bool
	pending           map[uint64]message.TransportMessage
	nonces            []uint64
	maxQueued         int
}

// New returns an empty, armed queue using DefaultMaxQueued as its cap.
func New() *MessageQueue {
	return NewWithCap(DefaultMaxQueued)
}

// NewWithCap returns an empty, armed queue with an explicit buffered-message
// cap.
func NewWithCap(maxQueued int) *MessageQueue {
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueued
	}
	return &MessageQueue{
		pending:   make(map[uint64]message.TransportMessage),
		maxQueued: maxQueued,
	}
}

// SetConnectionMessageReceived activates the queue. Called exactly once,
// when the handshake completes for this connection id.
func (mq *MessageQueue) SetConnectionMessageReceived() {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.active {
		panic("queue: connection message received twice")
	}
	mq.active = true
}

// TryPush inserts a transport message. If it carries the next expected
// nonce on an active queue it is returned immediately for release and the
// expectation advances; a nonce already released is dropped; otherwise it is
// buffered (an armed queue buffers every message) and nil is returned.
// Pushing a message into an already-full buffer returns ErrOverflow; the
// caller must close the owning connection and must not call TryPush again
// on this queue.
func (mq *MessageQueue) TryPush(msg message.TransportMessage) (*message.TransportMessage, bool, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	nonce := msg.Nonce
	if !mq.active {
		if err := mq.insertLocked(msg); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	if nonce == mq.nextExpectedNonce {
		mq.nextExpectedNonce++
		return &msg, true, nil
	}
	if nonce < mq.nextExpectedNonce {
		// stale duplicate of an already-released nonce, drop silently
		return nil, false, nil
	}

	if err := mq.insertLocked(msg); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

// Pop returns the next in-order queued message if its nonce is now the
// expected one. The error return always reports nil; it exists so Pop and
// TryPush share a calling convention.
func (mq *MessageQueue) Pop() (*message.TransportMessage, bool, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if !mq.active || len(mq.nonces) == 0 {
		return nil, false, nil
	}

	smallest := mq.nonces[0]
	if smallest != mq.nextExpectedNonce {
		return nil, false, nil
	}

	msg := mq.pending[smallest]
	delete(mq.pending, smallest)
	mq.nonces = mq.nonces[1:]
	mq.nextExpectedNonce++
	return &msg, true, nil
}

// PendingNonces returns a snapshot of queued nonces, ascending.
func (mq *MessageQueue) PendingNonces() []uint64 {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	out := make([]uint64, len(mq.nonces))
	copy(out, mq.nonces)
	return out
}

// insertLocked buffers msg, enforcing the cap. Callers hold mq.mu.
func (mq *MessageQueue) insertLocked(msg message.TransportMessage) error {
	nonce := msg.Nonce
	if _, exists := mq.pending[nonce]; exists {
		return nil
	}
	if len(mq.pending) >= mq.maxQueued {
		return ErrOverflow
	}

	mq.pending[nonce] = msg
	idx := sort.Search(len(mq.nonces), func(i int) bool {
		return mq.nonces[i] >= nonce
	})
	if idx == len(mq.nonces) {
		mq.nonces = append(mq.nonces, nonce)
	} else {
		mq.nonces = append(mq.nonces, 0)
		copy(mq.nonces[idx+1:], mq.nonces[idx:])
		mq.nonces[idx] = nonce
	}
	return nil
}

// Reset clears the queue, returning it to the armed state so the underlying
// structure can be reused.
func (mq *MessageQueue) Reset() {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.active = false
	mq.nextExpectedNonce = 0
	mq.pending = make(map[uint64]message.TransportMessage)
	mq.nonces = mq.nonces[:0]
}
