package mixnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"nymtrans/go-libp2p-nym/internal/metrics"
	"nymtrans/go-libp2p-nym/message"
)

var log = logging.Logger("nymtransport/mixnet")

// InboundMessage is a message delivered from the mixnet gateway. ReplyTag is
// non-nil when the gateway attached reply SURBs to the delivery, letting the
// recipient answer the sender anonymously via Reply instead of by Recipient.
// DecodeErr is non-nil when the gateway delivered a frame this client could
// not parse as a valid envelope; Message and ReplyTag are unset in that case.
type InboundMessage struct {
	Message   *message.Message
	ReplyTag  *ReplyTag
	DecodeErr error
}

// OutboundMessage is a message destined for the mixnet gateway. Exactly one
// of Recipient or ReplyTag must be set: Recipient addresses a known peer by
// its mixnet identity, ReplyTag answers a peer anonymously using SURBs
// received on an earlier InboundMessage. ReplySURBCount is only meaningful
// alongside Recipient: it asks the gateway to attach that many reply SURBs
// to the delivery so the recipient can obtain a ReplyTag of its own.
type OutboundMessage struct {
	Message        *message.Message
	Recipient      *message.Recipient
	ReplyTag       *ReplyTag
	ReplySURBCount uint32
}

// validate enforces the exactly-one addressing invariant.
func (m OutboundMessage) validate() error {
	switch {
	case m.Recipient == nil && m.ReplyTag == nil:
		return fmt.Errorf("mixnet: outbound message has neither recipient nor reply tag")
	case m.Recipient != nil && m.ReplyTag != nil:
		return fmt.Errorf("mixnet: outbound message has both recipient and reply tag")
	}
	return nil
}

func (m OutboundMessage) addressingLabel() string {
	if m.ReplyTag != nil {
		return "reply_tag"
	}
	return "recipient"
}

// Initialize establishes a websocket connection to the Nym client mixnet gateway,
// returning the local recipient address alongside inbound/outbound channels.
// If notifyInbound is non-nil, it receives a non-blocking signal each time an
// inbound message is delivered after the handshake; a signal is dropped when
// notifyInbound is not ready to receive it.
func Initialize(ctx context.Context, uri string, notifyInbound chan<- struct{}) (message.Recipient, <-chan InboundMessage, chan<- OutboundMessage, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, uri, nil)
	if err != nil {
		return message.Recipient{}, nil, nil, fmt.Errorf("mixnet: dial gateway %s: %w", uri, err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, serializeSelfAddressRequest()); err != nil {
		conn.Close()
		return message.Recipient{}, nil, nil, err
	}

	inbound := make(chan InboundMessage, 32)
	outbound := make(chan OutboundMessage, 32)

	var self message.Recipient
	// Fetch self address synchronously before launching the workers.
	for {
		if isContextDone(ctx) {
			conn.Close()
			return message.Recipient{}, nil, nil, context.Canceled
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return message.Recipient{}, nil, nil, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		resp, err := decodeServerResponse(data)
		if err != nil {
			log.Warnf("failed to decode handshake response: %v", err)
			deliverDecodeErr(inbound, fmt.Errorf("mixnet: decode handshake response: %w", err))
			continue
		}
		switch resp.kind {
		case responseTagSelfAddress:
			self = resp.payload.(message.Recipient)
		case responseTagReceived:
			payload := resp.payload.([]byte)
			m, err := decodeMessagePayload(payload)
			if err != nil {
				log.Warnf("failed to decode pre-handshake message: %v", err)
				deliverDecodeErr(inbound, fmt.Errorf("mixnet: decode pre-handshake message: %w", err))
				continue
			}
			select {
			case inbound <- InboundMessage{Message: m, ReplyTag: resp.replyTag}:
			default:
				log.Warn("dropping pre-handshake message due to full queue")
			}
		case responseTagError:
			log.Errorf("gateway error during handshake: %v", resp.payload)
		default:
			log.Warnf("ignoring unexpected handshake response tag %d", resp.kind)
		}
		if self != (message.Recipient{}) {
			break
		}
	}

	log.Infof("mixnet client ready, self address %s", self.String())

	var (
		writeOnce sync.Once
		closer    = func() {
			writeOnce.Do(func() {
				conn.Close()
			})
		}
	)

	// Writer goroutine.
	go func() {
		defer closer()
		for {
			select {
			case <-ctx.Done():
				return
			case outboundMsg, ok := <-outbound:
				if !ok {
					return
				}
				if err := outboundMsg.validate(); err != nil {
					log.Errorf("dropping outbound message: %v", err)
					continue
				}
				payload, err := encodeMessagePayload(outboundMsg.Message)
				if err != nil {
					log.Errorf("encode outbound message: %v", err)
					continue
				}

				var req []byte
				if outboundMsg.ReplyTag != nil {
					req = serializeReplyRequest(*outboundMsg.ReplyTag, payload)
				} else {
					req = serializeSendRequest(*outboundMsg.Recipient, payload, outboundMsg.ReplySURBCount)
				}

				if err := conn.WriteMessage(websocket.BinaryMessage, req); err != nil {
					log.Errorf("failed to write message: %v", err)
					return
				}
				metrics.MixnetMessagesTotal.WithLabelValues("outbound", outboundMsg.addressingLabel()).Inc()
			}
		}
	}()

	// Reader goroutine.
	go func() {
		defer func() {
			closer()
			close(inbound)
		}()
		for {
			if isContextDone(ctx) {
				return
			}
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				log.Warnf("read error: %v", err)
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}

			resp, err := decodeServerResponse(data)
			if err != nil {
				log.Warnf("failed to decode response: %v", err)
				deliverDecodeErr(inbound, fmt.Errorf("mixnet: decode response: %w", err))
				continue
			}

			switch resp.kind {
			case responseTagReceived:
				payload := resp.payload.([]byte)
				m, err := decodeMessagePayload(payload)
				if err != nil {
					log.Warnf("failed to decode message payload: %v", err)
					deliverDecodeErr(inbound, fmt.Errorf("mixnet: decode message payload: %w", err))
					continue
				}
				addressing := "recipient"
				if resp.replyTag != nil {
					addressing = "reply_tag"
				}
				select {
				case inbound <- InboundMessage{Message: m, ReplyTag: resp.replyTag}:
					metrics.MixnetMessagesTotal.WithLabelValues("inbound", addressing).Inc()
					if notifyInbound != nil {
						select {
						case notifyInbound <- struct{}{}:
						default:
						}
					}
				default:
					log.Warn("inbound queue full, dropping message")
				}
			case responseTagSelfAddress:
				// Additional self address responses are unexpected but harmless.
				log.Debug("received duplicate self address response")
			case responseTagError:
				log.Errorf("gateway error: %v", resp.payload)
			default:
				log.Warnf("unknown response tag %d", resp.kind)
			}
		}
	}()

	return self, inbound, outbound, nil
}

// deliverDecodeErr reports a malformed gateway frame to the inbound channel
// so Transport can surface it as a ListenerError instead of it only reaching
// a log line. Best-effort: a full channel drops the report, same as any
// other inbound delivery under backpressure.
func deliverDecodeErr(inbound chan<- InboundMessage, err error) {
	select {
	case inbound <- InboundMessage{DecodeErr: err}:
	default:
	}
}
