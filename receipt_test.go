package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testReceiptFixture(t *testing.T) (*testTransport, *MessageLedger, *ReadReceiptPropagator, Id, Id, ConversationId) {
	ctx := context.Background()
	transport := newTestTransport()
	localUserId := NewId()
	peerId := NewId()
	conversationId := DirectConversationId(localUserId, peerId)

	ledger := NewMessageLedger(ctx, transport, localUserId, nil, nil)
	t.Cleanup(ledger.Close)
	propagator := NewReadReceiptPropagator(transport, localUserId, ledger)
	return transport, ledger, propagator, localUserId, peerId, conversationId
}

func confirmOwnMessage(ledger *MessageLedger, conversationId ConversationId, localUserId Id, content string) Id {
	ledger.SendLocal(conversationId, content, "")
	messageId := NewId()
	ledger.OnInboundMessage(&MessageEvent{
		MessageId:      messageId,
		ConversationId: conversationId,
		SenderId:       localUserId,
		Content:        content,
		SentAt:         time.Now(),
	})
	return messageId
}

func TestReadReceiptMonotonic(t *testing.T) {
	_, ledger, propagator, localUserId, peerId, conversationId := testReceiptFixture(t)

	messageIds := []Id{}
	for i := 0; i < 3; i += 1 {
		messageIds = append(messageIds, confirmOwnMessage(ledger, conversationId, localUserId, "own"))
	}

	cursor := messageIds[2]
	propagator.OnReceipt(&ReadReceiptEvent{
		ConversationId:    conversationId,
		ReaderId:          peerId,
		LastReadMessageId: &cursor,
	})
	for _, message := range ledger.Messages(conversationId) {
		assert.Equal(t, DeliveryStateRead, message.DeliveryState)
	}

	// a stale receipt never regresses read state
	staleCursor := messageIds[0]
	propagator.OnReceipt(&ReadReceiptEvent{
		ConversationId:    conversationId,
		ReaderId:          peerId,
		LastReadMessageId: &staleCursor,
	})
	for _, message := range ledger.Messages(conversationId) {
		assert.Equal(t, DeliveryStateRead, message.DeliveryState)
	}

	position, ok := propagator.Cursor(conversationId, peerId)
	assert.Equal(t, true, ok)
	assert.Equal(t, 2, position)
}

func TestReadReceiptFallbackMarksAll(t *testing.T) {
	_, ledger, propagator, localUserId, peerId, conversationId := testReceiptFixture(t)

	for i := 0; i < 2; i += 1 {
		confirmOwnMessage(ledger, conversationId, localUserId, "own")
	}

	// simplified ack without a cursor
	propagator.OnReceipt(&ReadReceiptEvent{
		ConversationId: conversationId,
		ReaderId:       peerId,
	})
	for _, message := range ledger.Messages(conversationId) {
		assert.Equal(t, DeliveryStateRead, message.DeliveryState)
	}
}

func TestMarkReadPublishesHighWaterMark(t *testing.T) {
	transport, ledger, propagator, _, peerId, conversationId := testReceiptFixture(t)

	// no peer message yet: nothing to ack
	propagator.MarkRead(conversationId)
	select {
	case <-transport.publishes:
		t.Fatal("unexpected publish with no peer message")
	default:
	}

	var lastPeerMessageId Id
	for i := 0; i < 3; i += 1 {
		lastPeerMessageId = NewId()
		ledger.OnInboundMessage(&MessageEvent{
			MessageId:      lastPeerMessageId,
			ConversationId: conversationId,
			SenderId:       peerId,
			Content:        "hey",
			SentAt:         time.Now(),
		})
	}

	propagator.MarkRead(conversationId)
	publish := transport.nextPublish(t, time.Second)
	assert.Equal(t, DestinationSendReadAck, publish.destination)
	ackEvent := publish.event.(*SendReadAckEvent)
	// only the most recent peer message, never a bulk mark-all
	assert.Equal(t, lastPeerMessageId, ackEvent.LastReadMessageId)

	// re-activating with nothing new does not re-publish
	propagator.MarkRead(conversationId)
	select {
	case <-transport.publishes:
		t.Fatal("unexpected duplicate ack")
	default:
	}
}

func TestReadReceiptIgnoresOwnEcho(t *testing.T) {
	_, ledger, propagator, localUserId, _, conversationId := testReceiptFixture(t)

	messageId := confirmOwnMessage(ledger, conversationId, localUserId, "own")

	cursor := messageId
	propagator.OnReceipt(&ReadReceiptEvent{
		ConversationId:    conversationId,
		ReaderId:          localUserId,
		LastReadMessageId: &cursor,
	})
	assert.NotEqual(t, DeliveryStateRead, ledger.Messages(conversationId)[0].DeliveryState)
}
