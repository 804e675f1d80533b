package realtime

import (
	"context"
	"errors"

	"github.com/golang/glog"
)

// one engine per view session. all component state hangs off the engine, so a
// test (or a second browser tab) instantiates its own engine with no shared
// package state.

// the subscription surface the engine consumes. satisfied by PlatformTransport.
type TopicTransport interface {
	Publisher
	Subscribe(topic string, handler TopicHandler) func()
}

type EngineSettings struct {
	TypingSettings *TypingCoordinatorSettings
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		TypingSettings: DefaultTypingCoordinatorSettings(),
	}
}

type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport   TopicTransport
	api         *PlatformApi
	localUserId Id

	presence      *PresenceTracker
	typing        *TypingCoordinator
	ledger        *MessageLedger
	receipts      *ReadReceiptPropagator
	notifications *EntityCollection
	feed          *EntityCollection
	conversations *ConversationList

	unsubscribes []func()
}

func NewEngineWithDefaults(
	ctx context.Context,
	transport TopicTransport,
	api *PlatformApi,
	localUserId Id,
	uploadMedia MediaUploadFunc,
) *Engine {
	return NewEngine(ctx, transport, api, localUserId, uploadMedia, DefaultEngineSettings())
}

func NewEngine(
	ctx context.Context,
	transport TopicTransport,
	api *PlatformApi,
	localUserId Id,
	uploadMedia MediaUploadFunc,
	settings *EngineSettings,
) *Engine {
	cancelCtx, cancel := context.WithCancel(ctx)

	presence := NewPresenceTracker()
	conversations := NewConversationList(localUserId)
	// a confirmed own message is Delivered when the counterpart is online
	deliveryProbe := func(conversationId ConversationId) bool {
		if peer, ok := conversations.Peer(conversationId); ok {
			return presence.IsOnline(peer.PeerId)
		}
		return false
	}
	ledger := NewMessageLedger(cancelCtx, transport, localUserId, uploadMedia, deliveryProbe)

	engine := &Engine{
		ctx:           cancelCtx,
		cancel:        cancel,
		transport:     transport,
		api:           api,
		localUserId:   localUserId,
		presence:      presence,
		typing:        NewTypingCoordinator(cancelCtx, transport, localUserId, settings.TypingSettings),
		ledger:        ledger,
		receipts:      NewReadReceiptPropagator(transport, localUserId, ledger),
		notifications: NewEntityCollection(),
		feed:          NewEntityCollection(),
		conversations: conversations,
	}

	engine.unsubscribes = []func(){
		transport.Subscribe(TopicMessage, engine.handleMessage),
		transport.Subscribe(TopicTyping, engine.handleTyping),
		transport.Subscribe(TopicReadReceipt, engine.handleReadReceipt),
		transport.Subscribe(TopicPresence, engine.handlePresence),
		transport.Subscribe(TopicFeed, engine.handleFeed),
		transport.Subscribe(TopicNotification, engine.handleNotification),
	}

	return engine
}

func (self *Engine) Presence() *PresenceTracker {
	return self.presence
}

func (self *Engine) Typing() *TypingCoordinator {
	return self.typing
}

func (self *Engine) Ledger() *MessageLedger {
	return self.ledger
}

func (self *Engine) Receipts() *ReadReceiptPropagator {
	return self.receipts
}

func (self *Engine) Notifications() *EntityCollection {
	return self.notifications
}

func (self *Engine) Feed() *EntityCollection {
	return self.feed
}

func (self *Engine) Conversations() *ConversationList {
	return self.conversations
}

// inbound routing

func (self *Engine) handleMessage(event any) {
	messageEvent, ok := event.(*MessageEvent)
	if !ok {
		return
	}
	if !self.ledger.OnInboundMessage(messageEvent) {
		// duplicate delivery, e.g. reconnect replay
		return
	}
	peer, _ := self.conversations.Peer(messageEvent.ConversationId)
	self.conversations.OnInboundMessage(messageEvent, peer)

	if messageEvent.SenderId != self.localUserId &&
		messageEvent.ConversationId == self.conversations.ActiveConversationId() {
		// the conversation is on screen, ack immediately
		self.receipts.MarkRead(messageEvent.ConversationId)
	}
}

func (self *Engine) handleTyping(event any) {
	if typingEvent, ok := event.(*TypingEvent); ok {
		self.typing.OnSignal(typingEvent.PeerId, typingEvent.ConversationId, typingEvent.IsTyping)
	}
}

func (self *Engine) handleReadReceipt(event any) {
	if readReceiptEvent, ok := event.(*ReadReceiptEvent); ok {
		self.receipts.OnReceipt(readReceiptEvent)
	}
}

func (self *Engine) handlePresence(event any) {
	if presenceEvent, ok := event.(*PresenceEvent); ok {
		self.presence.ApplyEvent(presenceEvent.PeerId, presenceEvent.Online)
	}
}

func (self *Engine) handleFeed(event any) {
	feedEvent, ok := event.(*FeedEvent)
	if !ok {
		return
	}
	switch feedEvent.Change {
	case FeedChangeCreated:
		if feedEvent.Entity != nil {
			self.feed.OnCreated(feedEvent.Entity)
		}
	case FeedChangeCount:
		self.feed.OnCountDelta(feedEvent.EntityId, feedEvent.Field, feedEvent.Value)
	default:
		glog.V(2).Infof("[e]drop feed change %s\n", feedEvent.Change)
	}
}

func (self *Engine) handleNotification(event any) {
	if notificationEvent, ok := event.(*NotificationEvent); ok && notificationEvent.Notification != nil {
		self.notifications.OnCreated(notificationEvent.Notification)
	}
}

// user actions

func (self *Engine) SendLocal(conversationId ConversationId, content string, mediaRef string) Id {
	// sending forces the typing indicator to stopped
	self.typing.StopLocalInput(conversationId)
	return self.ledger.SendLocal(conversationId, content, mediaRef)
}

func (self *Engine) OnLocalInput(conversationId ConversationId) {
	self.typing.OnLocalInput(conversationId)
}

func (self *Engine) StopLocalInput(conversationId ConversationId) {
	self.typing.StopLocalInput(conversationId)
}

func (self *Engine) MarkRead(conversationId ConversationId) {
	self.receipts.MarkRead(conversationId)
}

func (self *Engine) SetActiveConversation(conversationId ConversationId) {
	previousConversationId := self.conversations.ActiveConversationId()
	if !previousConversationId.IsZero() && previousConversationId != conversationId {
		self.typing.StopLocalInput(previousConversationId)
	}
	self.conversations.SetActive(conversationId)
	self.receipts.MarkRead(conversationId)
}

func (self *Engine) ClearActiveConversation() {
	activeConversationId := self.conversations.ActiveConversationId()
	if !activeConversationId.IsZero() {
		self.typing.StopLocalInput(activeConversationId)
	}
	self.conversations.ClearActive()
}

// optimistic dismissal. the entity is removed immediately and re-inserted if
// the server rejects the action.
func (self *Engine) DismissNotification(notificationId Id, action string) {
	entity := self.notifications.OnRemovedLocally(notificationId)
	if entity == nil {
		return
	}
	self.api.NotificationAction(
		&NotificationActionArgs{
			NotificationId: notificationId,
			Action:         action,
		},
		NewApiCallback[*NotificationActionResult](func(result *NotificationActionResult, err error) {
			if err != nil || (result != nil && result.Error != nil) {
				glog.Infof("[e]notification action failed %s\n", notificationId)
				self.notifications.OnCreated(entity)
			}
		}),
	)
}

// seeding from rest snapshots

func (self *Engine) Bootstrap() error {
	conversationListCallback, conversationListResults := NewBlockingApiCallback[*ConversationListResult]()
	self.api.GetConversationList(conversationListCallback)

	var conversationListResult ApiCallbackResult[*ConversationListResult]
	select {
	case <-self.ctx.Done():
		return errors.New("Done")
	case conversationListResult = <-conversationListResults:
	}
	if conversationListResult.Error != nil {
		return conversationListResult.Error
	}
	self.SeedConversations(conversationListResult.Result)

	notificationListCallback, notificationListResults := NewBlockingApiCallback[*NotificationListResult]()
	self.api.GetNotifications(notificationListCallback)

	var notificationListResult ApiCallbackResult[*NotificationListResult]
	select {
	case <-self.ctx.Done():
		return errors.New("Done")
	case notificationListResult = <-notificationListResults:
	}
	if notificationListResult.Error != nil {
		return notificationListResult.Error
	}
	self.SeedNotifications(notificationListResult.Result)

	return nil
}

func (self *Engine) SeedConversations(result *ConversationListResult) {
	summaries := make([]*ConversationSummary, 0, len(result.Conversations))
	initialOnline := map[Id]bool{}
	for _, snapshot := range result.Conversations {
		summaries = append(summaries, &ConversationSummary{
			ConversationId:  snapshot.ConversationId,
			Peer:            snapshot.Peer,
			LastMessage:     snapshot.LastMessage,
			LastMessageTime: snapshot.LastMessageTime,
			Unread:          snapshot.Unread,
		})
		initialOnline[snapshot.Peer.PeerId] = snapshot.Online
	}
	self.conversations.Seed(summaries)
	self.presence.Seed(initialOnline)
}

func (self *Engine) SeedNotifications(result *NotificationListResult) {
	// snapshots arrive newest first; OnCreated prepends
	for i := len(result.Notifications) - 1; 0 <= i; i -= 1 {
		self.notifications.OnCreated(result.Notifications[i])
	}
}

func (self *Engine) LoadHistory(conversationId ConversationId) error {
	messageHistoryCallback, messageHistoryResults := NewBlockingApiCallback[*MessageHistoryResult]()
	self.api.GetMessageHistory(conversationId, messageHistoryCallback)

	var messageHistoryResult ApiCallbackResult[*MessageHistoryResult]
	select {
	case <-self.ctx.Done():
		return errors.New("Done")
	case messageHistoryResult = <-messageHistoryResults:
	}
	if messageHistoryResult.Error != nil {
		return messageHistoryResult.Error
	}

	messages := make([]*Message, 0, len(messageHistoryResult.Result.Messages))
	for _, snapshot := range messageHistoryResult.Result.Messages {
		messages = append(messages, &Message{
			MessageId:      snapshot.MessageId,
			ConversationId: conversationId,
			SenderId:       snapshot.SenderId,
			Content:        snapshot.Content,
			MediaRef:       snapshot.MediaRef,
			SentAt:         snapshot.SentAt,
			DeliveryState:  snapshot.Status,
		})
	}
	self.ledger.SeedHistory(conversationId, messages)
	return nil
}

func (self *Engine) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.typing.Close()
	self.ledger.Close()
	self.cancel()
}
