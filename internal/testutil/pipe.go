// Package testutil provides an in-memory stand-in for a Nym gateway
// connection, letting transport tests exercise reordering, SURB reply-tag
// addressing, and queue overflow without a live mixnet client.
package testutil

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"nymtrans/go-libp2p-nym/message"
	"nymtrans/go-libp2p-nym/mixnet"
)

// Options controls the fault injection PipeNetwork applies to messages in
// flight, standing in for the mixnet's unordered delivery.
type Options struct {
	// Reorder buffers up to ReorderWindow in-flight messages per direction
	// and releases them in shuffled order instead of send order. A message
	// left in a part-full buffer is released once the direction has been
	// idle for a short interval.
	Reorder bool
	// ReorderWindow bounds the shuffle buffer; zero uses a small default.
	ReorderWindow int
	// Rand seeds the shuffle; nil uses a new source with a fixed seed.
	Rand *rand.Rand
}

const defaultReorderWindow = 4

// reorderIdleFlush is how long a part-full shuffle buffer waits for another
// message before releasing one of the messages it holds.
const reorderIdleFlush = 10 * time.Millisecond

// PipeNetwork creates two mixnet endpoints ("a" and "b") connected via
// in-memory channels, delivering messages strictly in send order and
// attaching a SURB reply tag to every Recipient-addressed delivery so the
// receiving side can answer anonymously via ReplyTag.
func PipeNetwork(ctx context.Context, aRecipient, bRecipient message.Recipient) (inboundA <-chan mixnet.InboundMessage, outboundA chan<- mixnet.OutboundMessage, inboundB <-chan mixnet.InboundMessage, outboundB chan<- mixnet.OutboundMessage) {
	return PipeNetworkWithOptions(ctx, aRecipient, bRecipient, Options{})
}

// PipeNetworkWithOptions is PipeNetwork with explicit fault injection.
func PipeNetworkWithOptions(ctx context.Context, aRecipient, bRecipient message.Recipient, opts Options) (inboundA <-chan mixnet.InboundMessage, outboundA chan<- mixnet.OutboundMessage, inboundB <-chan mixnet.InboundMessage, outboundB chan<- mixnet.OutboundMessage) {
	aIn := make(chan mixnet.InboundMessage, 256)
	bIn := make(chan mixnet.InboundMessage, 256)
	aOut := make(chan mixnet.OutboundMessage, 256)
	bOut := make(chan mixnet.OutboundMessage, 256)

	replyTagA := replyTagFor("a")
	replyTagB := replyTagFor("b")

	byRecipient := map[string]chan<- mixnet.InboundMessage{
		aRecipient.String(): aIn,
		bRecipient.String(): bIn,
	}
	byReplyTag := map[mixnet.ReplyTag]chan<- mixnet.InboundMessage{
		replyTagA: aIn,
		replyTagB: bIn,
	}

	// routeFrom resolves where an outbound message from senderTag's owner
	// should land and what reply tag (if any) the delivery should carry. A
	// Recipient-addressed send is tagged with the sender's own reply tag so
	// the receiver can answer anonymously; a ReplyTag-addressed send
	// carries no new tag.
	routeFrom := func(senderTag mixnet.ReplyTag) func(mixnet.OutboundMessage) (chan<- mixnet.InboundMessage, mixnet.InboundMessage) {
		return func(msg mixnet.OutboundMessage) (chan<- mixnet.InboundMessage, mixnet.InboundMessage) {
			switch {
			case msg.Recipient != nil:
				target := byRecipient[msg.Recipient.String()]
				return target, mixnet.InboundMessage{Message: msg.Message, ReplyTag: tagPtr(senderTag)}
			case msg.ReplyTag != nil:
				target := byReplyTag[*msg.ReplyTag]
				return target, mixnet.InboundMessage{Message: msg.Message}
			default:
				return nil, mixnet.InboundMessage{}
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pumpDirection(ctx, &wg, aOut, opts, routeFrom(replyTagA))
	go pumpDirection(ctx, &wg, bOut, opts, routeFrom(replyTagB))

	go func() {
		wg.Wait()
		close(aIn)
		close(bIn)
	}()

	return aIn, aOut, bIn, bOut
}

func tagPtr(t mixnet.ReplyTag) *mixnet.ReplyTag {
	return &t
}

// replyTagFor deterministically derives a reply tag for a named endpoint so
// tests can assert on routing without needing a live gateway handshake.
func replyTagFor(owner string) mixnet.ReplyTag {
	var tag mixnet.ReplyTag
	copy(tag[:], owner)
	return tag
}

func pumpDirection(ctx context.Context, wg *sync.WaitGroup, out <-chan mixnet.OutboundMessage, opts Options, route func(mixnet.OutboundMessage) (chan<- mixnet.InboundMessage, mixnet.InboundMessage)) {
	defer wg.Done()

	if !opts.Reorder {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-out:
				if !ok {
					return
				}
				deliver(ctx, route, msg)
			}
		}
	}

	window := opts.ReorderWindow
	if window <= 0 {
		window = defaultReorderWindow
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	buf := make([]mixnet.OutboundMessage, 0, window)
	flushOne := func() {
		if len(buf) == 0 {
			return
		}
		idx := rng.Intn(len(buf))
		msg := buf[idx]
		buf = append(buf[:idx], buf[idx+1:]...)
		deliver(ctx, route, msg)
	}

	for {
		var idle <-chan time.Time
		if len(buf) > 0 {
			idle = time.After(reorderIdleFlush)
		}
		select {
		case <-ctx.Done():
			for len(buf) > 0 {
				flushOne()
			}
			return
		case msg, ok := <-out:
			if !ok {
				for len(buf) > 0 {
					flushOne()
				}
				return
			}
			buf = append(buf, msg)
			if len(buf) >= window {
				flushOne()
			}
		case <-idle:
			flushOne()
		}
	}
}

func deliver(ctx context.Context, route func(mixnet.OutboundMessage) (chan<- mixnet.InboundMessage, mixnet.InboundMessage), msg mixnet.OutboundMessage) {
	target, inbound := route(msg)
	if target == nil {
		return
	}
	select {
	case <-ctx.Done():
	case target <- inbound:
	}
}
