package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// per-conversation ordered, deduplicated message sequence with speculative
// local inserts reconciled in place against the server echo.

type MessageChangeFunction func(conversationId ConversationId)

// performs the media attach and returns the stored ref.
// injected; the ledger owns no upload implementation.
type MediaUploadFunc func(ctx context.Context, mediaRef string) (string, error)

// reports whether the conversation's counterpart is currently reachable,
// which decides Sent vs Delivered on a confirmed own message
type DeliveryProbeFunc func(conversationId ConversationId) bool

type Message struct {
	MessageId      Id
	ConversationId ConversationId
	SenderId       Id
	Content        string
	MediaRef       string
	SentAt         time.Time
	DeliveryState  DeliveryState
	// set only while a locally-originated message awaits its server echo
	ClientTempId Id
}

func (self *Message) IsPending() bool {
	return self.DeliveryState == DeliveryStatePending
}

type conversationLedger struct {
	// totally ordered by SentAt, insertion order breaks ties
	messages []*Message
	// final server-assigned ids present in the ledger
	messageIds map[Id]bool
}

func newConversationLedger() *conversationLedger {
	return &conversationLedger{
		messages:   []*Message{},
		messageIds: map[Id]bool{},
	}
}

func (self *conversationLedger) insertOrdered(message *Message) {
	i := len(self.messages)
	for 0 < i && message.SentAt.Before(self.messages[i-1].SentAt) {
		i -= 1
	}
	self.messages = append(self.messages, nil)
	copy(self.messages[i+1:], self.messages[i:])
	self.messages[i] = message
	if !message.MessageId.IsZero() {
		self.messageIds[message.MessageId] = true
	}
}

type MessageLedger struct {
	ctx    context.Context
	cancel context.CancelFunc

	publisher   Publisher
	localUserId Id

	uploadMedia   MediaUploadFunc
	deliveryProbe DeliveryProbeFunc

	stateLock     sync.Mutex
	conversations map[ConversationId]*conversationLedger

	messageCallbacks *CallbackList[MessageChangeFunction]
}

func NewMessageLedger(
	ctx context.Context,
	publisher Publisher,
	localUserId Id,
	uploadMedia MediaUploadFunc,
	deliveryProbe DeliveryProbeFunc,
) *MessageLedger {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MessageLedger{
		ctx:              cancelCtx,
		cancel:           cancel,
		publisher:        publisher,
		localUserId:      localUserId,
		uploadMedia:      uploadMedia,
		deliveryProbe:    deliveryProbe,
		conversations:    map[ConversationId]*conversationLedger{},
		messageCallbacks: NewCallbackList[MessageChangeFunction](),
	}
}

func (self *MessageLedger) conversation(conversationId ConversationId) *conversationLedger {
	c, ok := self.conversations[conversationId]
	if !ok {
		c = newConversationLedger()
		self.conversations[conversationId] = c
	}
	return c
}

// appends a pending entry synchronously for instant render, then uploads media
// (if any) and publishes the outbound send. returns the client temp id so the
// caller can reference the entry before the server echo arrives.
func (self *MessageLedger) SendLocal(conversationId ConversationId, content string, mediaRef string) Id {
	message := &Message{
		ConversationId: conversationId,
		SenderId:       self.localUserId,
		Content:        content,
		MediaRef:       mediaRef,
		SentAt:         time.Now(),
		DeliveryState:  DeliveryStatePending,
		ClientTempId:   NewId(),
	}

	self.stateLock.Lock()
	self.conversation(conversationId).insertOrdered(message)
	self.stateLock.Unlock()

	self.messagesChanged(conversationId)

	go HandleError(func() {
		self.completeSend(message)
	})

	return message.ClientTempId
}

func (self *MessageLedger) completeSend(message *Message) {
	self.stateLock.Lock()
	conversationId := message.ConversationId
	content := message.Content
	mediaRef := message.MediaRef
	clientTempId := message.ClientTempId
	sentTime := message.SentAt
	self.stateLock.Unlock()

	if mediaRef != "" {
		uploadMedia := self.uploadMedia
		if uploadMedia == nil {
			uploadMedia = func(ctx context.Context, mediaRef string) (string, error) {
				return "", errors.New("no media upload configured")
			}
		}
		uploadedRef, err := uploadMedia(self.ctx, mediaRef)
		if err != nil {
			// abort this send only. the user retries manually.
			uploadErr := &UploadError{
				ClientTempId: clientTempId,
				Err:          err,
			}
			glog.Infof("[ledger]%s = %s\n", conversationId, uploadErr)

			self.stateLock.Lock()
			if message.DeliveryState.CanAdvanceTo(DeliveryStateFailed) {
				message.DeliveryState = DeliveryStateFailed
			}
			self.stateLock.Unlock()

			self.messagesChanged(conversationId)
			return
		}

		self.stateLock.Lock()
		message.MediaRef = uploadedRef
		mediaRef = uploadedRef
		self.stateLock.Unlock()
	}

	self.publisher.Publish(DestinationSendMessage, &SendMessageEvent{
		ConversationId: conversationId,
		SenderId:       self.localUserId,
		Content:        content,
		MediaRef:       mediaRef,
		ClientTempId:   clientTempId,
		SentAt:         sentTime,
	})
}

// routes a decoded inbound message frame. returns false when the frame was a
// duplicate of an already-known final id.
func (self *MessageLedger) OnInboundMessage(event *MessageEvent) bool {
	delivered := false
	if self.deliveryProbe != nil {
		delivered = self.deliveryProbe(event.ConversationId)
	}

	self.stateLock.Lock()
	c := self.conversation(event.ConversationId)

	// reconnect replay can deliver the same message twice
	if c.messageIds[event.MessageId] {
		self.stateLock.Unlock()
		glog.V(2).Infof("[ledger]dup %s\n", event.MessageId)
		return false
	}

	if event.SenderId == self.localUserId {
		// the echo has no client temp id association on the server side.
		// match the oldest unconsumed pending entry with the same content,
		// so two simultaneous sends reconcile against distinct entries.
		var pending *Message
		for _, message := range c.messages {
			if message.IsPending() && message.Content == event.Content && mediaCompatible(message.MediaRef, event.MediaRef) {
				pending = message
				break
			}
		}
		if pending != nil {
			// replace in place. the ledger position is the render anchor,
			// so the entry must not move or flicker.
			pending.MessageId = event.MessageId
			pending.ClientTempId = Id{}
			pending.SentAt = event.SentAt
			pending.MediaRef = event.MediaRef
			if delivered {
				pending.DeliveryState = DeliveryStateDelivered
			} else {
				pending.DeliveryState = DeliveryStateSent
			}
			c.messageIds[event.MessageId] = true
		} else {
			// sent from another session of the same user
			message := inboundMessage(event)
			if delivered {
				message.DeliveryState = DeliveryStateDelivered
			} else {
				message.DeliveryState = DeliveryStateSent
			}
			c.insertOrdered(message)
		}
	} else {
		message := inboundMessage(event)
		message.DeliveryState = DeliveryStateDelivered
		c.insertOrdered(message)
	}
	self.stateLock.Unlock()

	self.messagesChanged(event.ConversationId)
	return true
}

func inboundMessage(event *MessageEvent) *Message {
	return &Message{
		MessageId:      event.MessageId,
		ConversationId: event.ConversationId,
		SenderId:       event.SenderId,
		Content:        event.Content,
		MediaRef:       event.MediaRef,
		SentAt:         event.SentAt,
	}
}

// a text-only echo must not consume a media send's pending slot, and vice versa
func mediaCompatible(localMediaRef string, echoMediaRef string) bool {
	return (localMediaRef == "") == (echoMediaRef == "")
}

// seeds a conversation from the rest history fetch. duplicates of already
// present ids are dropped the same as live frames.
func (self *MessageLedger) SeedHistory(conversationId ConversationId, messages []*Message) {
	self.stateLock.Lock()
	c := self.conversation(conversationId)
	for _, message := range messages {
		if message.MessageId.IsZero() || c.messageIds[message.MessageId] {
			continue
		}
		copied := *message
		c.insertOrdered(&copied)
	}
	self.stateLock.Unlock()

	self.messagesChanged(conversationId)
}

// marks every local-origin confirmed message at or before the referenced
// message as read. returns false when the id is not in the ledger.
func (self *MessageLedger) ApplyReadThrough(conversationId ConversationId, lastReadMessageId Id) bool {
	changed := false

	self.stateLock.Lock()
	c := self.conversation(conversationId)
	through := -1
	for i, message := range c.messages {
		if message.MessageId == lastReadMessageId {
			through = i
			break
		}
	}
	if through < 0 {
		self.stateLock.Unlock()
		return false
	}
	for _, message := range c.messages[:through+1] {
		if message.SenderId == self.localUserId && message.DeliveryState.CanAdvanceTo(DeliveryStateRead) {
			message.DeliveryState = DeliveryStateRead
			changed = true
		}
	}
	self.stateLock.Unlock()

	if changed {
		self.messagesChanged(conversationId)
	}
	return true
}

// fallback when a receipt carries no cursor: approximate by marking every
// currently confirmed local-origin message as read
func (self *MessageLedger) ApplyReadAll(conversationId ConversationId) {
	changed := false

	self.stateLock.Lock()
	c := self.conversation(conversationId)
	for _, message := range c.messages {
		if message.SenderId == self.localUserId && message.DeliveryState.CanAdvanceTo(DeliveryStateRead) {
			message.DeliveryState = DeliveryStateRead
			changed = true
		}
	}
	self.stateLock.Unlock()

	if changed {
		self.messagesChanged(conversationId)
	}
}

// the most recent peer-originated message, used as the read high-water mark
func (self *MessageLedger) LatestPeerMessage(conversationId ConversationId) (*Message, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := self.conversation(conversationId)
	for i := len(c.messages) - 1; 0 <= i; i -= 1 {
		message := c.messages[i]
		if message.SenderId != self.localUserId && !message.MessageId.IsZero() {
			copied := *message
			return &copied, true
		}
	}
	return nil, false
}

func (self *MessageLedger) MessagePosition(conversationId ConversationId, messageId Id) (int, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := self.conversation(conversationId)
	for i, message := range c.messages {
		if message.MessageId == messageId {
			return i, true
		}
	}
	return 0, false
}

// snapshot copies in render order. callers never share the ledger's own structs.
func (self *MessageLedger) Messages(conversationId ConversationId) []*Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := self.conversation(conversationId)
	messages := make([]*Message, 0, len(c.messages))
	for _, message := range c.messages {
		copied := *message
		messages = append(messages, &copied)
	}
	return messages
}

func (self *MessageLedger) MessageCount(conversationId ConversationId) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.conversation(conversationId).messages)
}

// indexes where a new calendar date starts, derived at render time and never stored
func (self *MessageLedger) DateBoundaries(conversationId ConversationId) []int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := self.conversation(conversationId)
	boundaries := []int{}
	for i, message := range c.messages {
		if i == 0 {
			boundaries = append(boundaries, i)
			continue
		}
		y0, m0, d0 := c.messages[i-1].SentAt.Date()
		y1, m1, d1 := message.SentAt.Date()
		if y0 != y1 || m0 != m1 || d0 != d1 {
			boundaries = append(boundaries, i)
		}
	}
	return boundaries
}

func (self *MessageLedger) AddMessageChangeCallback(messageChangeCallback MessageChangeFunction) func() {
	callbackId := self.messageCallbacks.Add(messageChangeCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *MessageLedger) messagesChanged(conversationId ConversationId) {
	for _, messageChangeCallback := range self.messageCallbacks.Get() {
		HandleError(func() {
			messageChangeCallback(conversationId)
		})
	}
}

func (self *MessageLedger) Close() {
	self.cancel()
}
