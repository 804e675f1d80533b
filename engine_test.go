package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testEngineFixture(t *testing.T, api *PlatformApi) (*testTransport, *Engine, Id, Peer, ConversationId) {
	ctx := context.Background()
	transport := newTestTransport()
	localUserId := NewId()
	bob := Peer{PeerId: NewId(), DisplayName: "bob"}
	conversationId := DirectConversationId(localUserId, bob.PeerId)

	settings := DefaultEngineSettings()
	settings.TypingSettings = fastTypingSettings()

	engine := NewEngine(ctx, transport, api, localUserId, nil, settings)
	t.Cleanup(engine.Close)

	engine.SeedConversations(&ConversationListResult{
		Conversations: []*ConversationSnapshot{
			{
				ConversationId: conversationId,
				Peer:           bob,
				Online:         false,
			},
		},
	})
	return transport, engine, localUserId, bob, conversationId
}

func TestEngineRoutesMessages(t *testing.T) {
	transport, engine, _, bob, conversationId := testEngineFixture(t, nil)

	transport.receive(TopicMessage, &MessageEvent{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       bob.PeerId,
		Content:        "hey",
		SentAt:         time.Now(),
	})

	// the ledger and the sidebar both observe the same inbound stream
	assert.Equal(t, 1, engine.Ledger().MessageCount(conversationId))
	assert.Equal(t, "hey", engine.Conversations().Summaries()[0].LastMessage)
	assert.Equal(t, 1, engine.Conversations().Unread(conversationId))

	// duplicate delivery on reconnect replay is fully absorbed
	transport.receive(TopicMessage, &MessageEvent{
		MessageId:      engine.Ledger().Messages(conversationId)[0].MessageId,
		ConversationId: conversationId,
		SenderId:       bob.PeerId,
		Content:        "hey",
		SentAt:         time.Now(),
	})
	assert.Equal(t, 1, engine.Ledger().MessageCount(conversationId))
	assert.Equal(t, 1, engine.Conversations().Unread(conversationId))
}

func TestEngineAcksActiveConversation(t *testing.T) {
	transport, engine, _, bob, conversationId := testEngineFixture(t, nil)

	engine.SetActiveConversation(conversationId)

	messageId := NewId()
	transport.receive(TopicMessage, &MessageEvent{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       bob.PeerId,
		Content:        "first",
		SentAt:         time.Now(),
	})
	transport.receive(TopicMessage, &MessageEvent{
		MessageId:      messageId,
		ConversationId: conversationId,
		SenderId:       bob.PeerId,
		Content:        "on screen",
		SentAt:         time.Now(),
	})

	// the active conversation accrues no unread and acks the latest message
	assert.Equal(t, 0, engine.Conversations().Unread(conversationId))
	publish := transport.nextPublish(t, time.Second)
	assert.Equal(t, DestinationSendReadAck, publish.destination)
	publish = transport.nextPublish(t, time.Second)
	ackEvent := publish.event.(*SendReadAckEvent)
	assert.Equal(t, messageId, ackEvent.LastReadMessageId)
}

func TestEngineRoutesPresenceAndTyping(t *testing.T) {
	transport, engine, _, bob, conversationId := testEngineFixture(t, nil)

	transport.receive(TopicPresence, &PresenceEvent{PeerId: bob.PeerId, Online: true})
	assert.Equal(t, true, engine.Presence().IsOnline(bob.PeerId))

	transport.receive(TopicTyping, &TypingEvent{
		PeerId:         bob.PeerId,
		ConversationId: conversationId,
		IsTyping:       true,
	})
	snapshot := engine.Typing().TypingPeers(conversationId)
	assert.Equal(t, []Id{bob.PeerId}, snapshot.PeerIds)

	transport.receive(TopicTyping, &TypingEvent{
		PeerId:         bob.PeerId,
		ConversationId: conversationId,
		IsTyping:       false,
	})
	assert.Equal(t, 0, len(engine.Typing().TypingPeers(conversationId).PeerIds))
}

func TestEngineRoutesReadReceipts(t *testing.T) {
	transport, engine, localUserId, bob, conversationId := testEngineFixture(t, nil)

	engine.SendLocal(conversationId, "own", "")
	messageId := NewId()
	transport.receive(TopicMessage, &MessageEvent{
		MessageId:      messageId,
		ConversationId: conversationId,
		SenderId:       localUserId,
		Content:        "own",
		SentAt:         time.Now(),
	})

	transport.receive(TopicReadReceipt, &ReadReceiptEvent{
		ConversationId:    conversationId,
		ReaderId:          bob.PeerId,
		LastReadMessageId: &messageId,
	})
	assert.Equal(t, DeliveryStateRead, engine.Ledger().Messages(conversationId)[0].DeliveryState)
}

func TestEngineRoutesFeedAndNotifications(t *testing.T) {
	transport, engine, _, _, _ := testEngineFixture(t, nil)

	post := testEntity("post")
	post.Counts = map[string]int{"likes": 0}
	transport.receive(TopicFeed, &FeedEvent{
		Change: FeedChangeCreated,
		Entity: post,
	})
	assert.Equal(t, 1, engine.Feed().Len())

	transport.receive(TopicFeed, &FeedEvent{
		Change:   FeedChangeCount,
		EntityId: post.EntityId,
		Field:    "likes",
		Value:    7,
	})
	assert.Equal(t, 7, engine.Feed().Entities()[0].Counts["likes"])

	notification := testEntity("friend_request")
	transport.receive(TopicNotification, &NotificationEvent{Notification: notification})
	assert.Equal(t, true, engine.Notifications().Contains(notification.EntityId))
}

func TestEngineDeliveredWhenPeerOnline(t *testing.T) {
	transport, engine, localUserId, bob, conversationId := testEngineFixture(t, nil)

	transport.receive(TopicPresence, &PresenceEvent{PeerId: bob.PeerId, Online: true})

	engine.SendLocal(conversationId, "own", "")
	transport.receive(TopicMessage, &MessageEvent{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       localUserId,
		Content:        "own",
		SentAt:         time.Now(),
	})
	assert.Equal(t, DeliveryStateDelivered, engine.Ledger().Messages(conversationId)[0].DeliveryState)
}

func TestEngineDismissNotificationRollback(t *testing.T) {
	var requestLock sync.Mutex
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestLock.Lock()
		requests += 1
		requestLock.Unlock()
		json.NewEncoder(w).Encode(&NotificationActionResult{
			Error: &NotificationActionResultError{Message: "not allowed"},
		})
	}))
	defer server.Close()
	api := NewPlatformApi(server.URL)
	defer api.Close()

	_, engine, _, _, _ := testEngineFixture(t, api)

	notification := testEntity("friend_request")
	engine.Notifications().OnCreated(notification)

	removals := make(chan string, 8)
	engine.Notifications().AddEntityChangeCallback(func(entityId Id, change string, field string) {
		removals <- change
	})

	engine.DismissNotification(notification.EntityId, "accept")
	assert.Equal(t, EntityChangeRemoved, <-removals)

	// server rejected the action: the entity comes back
	select {
	case change := <-removals:
		assert.Equal(t, EntityChangeCreated, change)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for rollback")
	}
	assert.Equal(t, true, engine.Notifications().Contains(notification.EntityId))
	requestLock.Lock()
	assert.Equal(t, 1, requests)
	requestLock.Unlock()
}
