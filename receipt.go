package realtime

import (
	"sync"

	"github.com/golang/glog"
)

// read state flows both ways through here: the local user's high-water mark is
// published when a conversation becomes the active view, and inbound receipts
// upgrade the delivery state of the local user's own messages.

type ReadReceiptPropagator struct {
	publisher   Publisher
	localUserId Id
	ledger      *MessageLedger

	stateLock sync.Mutex
	// per (conversation, reader), ledger position of the read cursor.
	// monotonically non-decreasing; a stale receipt is ignored.
	cursors map[ConversationId]map[Id]int
	// last high-water mark acked per conversation, so re-activating a
	// conversation with nothing new does not re-publish
	ackedMessageIds map[ConversationId]Id
}

func NewReadReceiptPropagator(
	publisher Publisher,
	localUserId Id,
	ledger *MessageLedger,
) *ReadReceiptPropagator {
	return &ReadReceiptPropagator{
		publisher:       publisher,
		localUserId:     localUserId,
		ledger:          ledger,
		cursors:         map[ConversationId]map[Id]int{},
		ackedMessageIds: map[ConversationId]Id{},
	}
}

// called when the conversation becomes the active view. publishes a receipt
// for the most recent peer-originated message only, never a bulk mark-all.
func (self *ReadReceiptPropagator) MarkRead(conversationId ConversationId) {
	message, ok := self.ledger.LatestPeerMessage(conversationId)
	if !ok {
		return
	}

	self.stateLock.Lock()
	if self.ackedMessageIds[conversationId] == message.MessageId {
		self.stateLock.Unlock()
		return
	}
	self.ackedMessageIds[conversationId] = message.MessageId
	self.stateLock.Unlock()

	self.publisher.Publish(DestinationSendReadAck, &SendReadAckEvent{
		ConversationId:    conversationId,
		ReaderId:          self.localUserId,
		LastReadMessageId: message.MessageId,
	})
}

func (self *ReadReceiptPropagator) OnReceipt(event *ReadReceiptEvent) {
	if event.ReaderId == self.localUserId {
		// own ack echoed back on a group topic
		return
	}

	if event.LastReadMessageId == nil {
		// simplified ack without a cursor. approximate: every currently
		// confirmed local-origin message becomes read. the precise-cursor
		// path is primary; this is a known approximation.
		self.ledger.ApplyReadAll(event.ConversationId)
		return
	}

	position, ok := self.ledger.MessagePosition(event.ConversationId, *event.LastReadMessageId)
	if !ok {
		glog.V(2).Infof("[receipt]unknown cursor %s\n", *event.LastReadMessageId)
		return
	}

	self.stateLock.Lock()
	readers, ok := self.cursors[event.ConversationId]
	if !ok {
		readers = map[Id]int{}
		self.cursors[event.ConversationId] = readers
	}
	if previous, ok := readers[event.ReaderId]; ok && position <= previous {
		// stale or repeated receipt. already-read messages never regress.
		self.stateLock.Unlock()
		return
	}
	readers[event.ReaderId] = position
	self.stateLock.Unlock()

	self.ledger.ApplyReadThrough(event.ConversationId, *event.LastReadMessageId)
}

func (self *ReadReceiptPropagator) Cursor(conversationId ConversationId, readerId Id) (int, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if readers, ok := self.cursors[conversationId]; ok {
		if position, ok := readers[readerId]; ok {
			return position, true
		}
	}
	return 0, false
}
