package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

func testJwt(t *testing.T, userId Id, clientId Id) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   userId.String(),
		"user_name": "alice",
		"client_id": clientId.String(),
	})
	jwt, err := token.SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatal(err)
	}
	return jwt
}

// accepts websocket connections, echoes the auth frame, and hands the
// raw connection to the test
type testBroker struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newTestBroker(t *testing.T) *testBroker {
	broker := &testBroker{
		conns: make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	broker.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, authMessage, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return
		}
		if err := ws.WriteMessage(websocket.TextMessage, authMessage); err != nil {
			ws.Close()
			return
		}
		broker.conns <- ws
	}))
	t.Cleanup(broker.server.Close)
	return broker
}

func (self *testBroker) url() string {
	return "ws://" + strings.TrimPrefix(self.server.URL, "http://")
}

func (self *testBroker) nextConn(t *testing.T, timeout time.Duration) *websocket.Conn {
	select {
	case ws := <-self.conns:
		return ws
	case <-time.After(timeout):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) (string, any) {
	for {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, message, err := ws.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if len(message) == 0 {
			// ping
			continue
		}
		frameType, event, err := DecodeFrame(message)
		if err != nil {
			t.Fatal(err)
		}
		return frameType, event
	}
}

// the first connect can race the Subscribe calls, in which case the topic set
// is announced incrementally. consume announces until the expected set appears.
func awaitAnnounce(t *testing.T, ws *websocket.Conn, topics []string) {
	for {
		frameType, event := readFrame(t, ws)
		assert.Equal(t, DestinationSubscribe, frameType)
		announce := event.(*SubscribeEvent)
		if slices.Equal(topics, announce.Topics) {
			return
		}
	}
}

func writeFrame(t *testing.T, ws *websocket.Conn, event any) {
	message, err := EncodeFrame(event)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
		t.Fatal(err)
	}
}

func testTransportSettings() *PlatformTransportSettings {
	settings := DefaultPlatformTransportSettings()
	settings.ReconnectMinTimeout = 50 * time.Millisecond
	settings.ReconnectMaxTimeout = 200 * time.Millisecond
	return settings
}

func TestTransportConnectAndDispatch(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)

	userId := NewId()
	clientId := NewId()
	auth := &ClientAuth{
		ByJwt:      testJwt(t, userId, clientId),
		InstanceId: NewId(),
		AppVersion: "0.1.0-test",
	}

	transport, err := NewPlatformTransport(ctx, broker.url(), auth, testTransportSettings())
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	messages := make(chan *MessageEvent, 8)
	unsubMessages := transport.Subscribe(TopicMessage, func(event any) {
		messages <- event.(*MessageEvent)
	})
	defer unsubMessages()
	typings := make(chan *TypingEvent, 8)
	unsubTypings := transport.Subscribe(TopicTyping, func(event any) {
		typings <- event.(*TypingEvent)
	})
	defer unsubTypings()

	ws := broker.nextConn(t, 5*time.Second)
	defer ws.Close()

	// the full topic set is announced after connect
	awaitAnnounce(t, ws, []string{TopicMessage, TopicTyping})

	// inbound frames fan out to the matching topic only
	conversationId := NewId()
	writeFrame(t, ws, &TypingEvent{
		ConversationId: conversationId,
		PeerId:         NewId(),
		IsTyping:       true,
	})
	writeFrame(t, ws, &MessageEvent{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       NewId(),
		Content:        "hello",
		SentAt:         time.Now().UTC(),
	})

	typingEvent := <-typings
	assert.Equal(t, conversationId, typingEvent.ConversationId)
	messageEvent := <-messages
	assert.Equal(t, "hello", messageEvent.Content)
	select {
	case <-messages:
		t.Fatal("typing frame leaked into the message topic")
	default:
	}

	// outbound publish reaches the broker as an encoded frame
	assert.Equal(t, true, transport.IsConnected())
	ok := transport.Publish(DestinationSendTyping, &SendTypingEvent{
		ConversationId: conversationId,
		IsTyping:       true,
	})
	assert.Equal(t, true, ok)
	frameType, event := readFrame(t, ws)
	assert.Equal(t, DestinationSendTyping, frameType)
	sendTyping := event.(*SendTypingEvent)
	assert.Equal(t, conversationId, sendTyping.ConversationId)
}

func TestTransportDropsMalformedFrames(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)

	auth := &ClientAuth{
		ByJwt:      testJwt(t, NewId(), NewId()),
		InstanceId: NewId(),
	}
	transport, err := NewPlatformTransport(ctx, broker.url(), auth, testTransportSettings())
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	messages := make(chan *MessageEvent, 8)
	unsub := transport.Subscribe(TopicMessage, func(event any) {
		messages <- event.(*MessageEvent)
	})
	defer unsub()

	ws := broker.nextConn(t, 5*time.Second)
	defer ws.Close()
	awaitAnnounce(t, ws, []string{TopicMessage})

	// neither of these may kill the connection or reach a handler
	ws.WriteMessage(websocket.TextMessage, []byte("not json"))
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"no-such-topic","body":{}}`))

	writeFrame(t, ws, &MessageEvent{
		MessageId:      NewId(),
		ConversationId: NewId(),
		SenderId:       NewId(),
		Content:        "still here",
		SentAt:         time.Now().UTC(),
	})
	select {
	case messageEvent := <-messages:
		assert.Equal(t, "still here", messageEvent.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the valid frame")
	}
	select {
	case <-messages:
		t.Fatal("malformed frame reached a handler")
	default:
	}
}

func TestTransportReconnect(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)

	auth := &ClientAuth{
		ByJwt:      testJwt(t, NewId(), NewId()),
		InstanceId: NewId(),
	}
	transport, err := NewPlatformTransport(ctx, broker.url(), auth, testTransportSettings())
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	connectionChanges := make(chan bool, 8)
	unsub := transport.AddConnectionChangeCallback(func(connected bool) {
		connectionChanges <- connected
	})
	defer unsub()

	messages := make(chan *MessageEvent, 8)
	unsubMessages := transport.Subscribe(TopicMessage, func(event any) {
		messages <- event.(*MessageEvent)
	})
	defer unsubMessages()

	ws := broker.nextConn(t, 5*time.Second)
	awaitAnnounce(t, ws, []string{TopicMessage})
	assert.Equal(t, true, <-connectionChanges)

	// broker drops the connection; the transport reconnects on its own
	ws.Close()
	assert.Equal(t, false, <-connectionChanges)

	ws2 := broker.nextConn(t, 5*time.Second)
	defer ws2.Close()
	// subscriptions survive the reconnect and are re-announced
	frameType, event := readFrame(t, ws2)
	assert.Equal(t, DestinationSubscribe, frameType)
	assert.Equal(t, []string{TopicMessage}, event.(*SubscribeEvent).Topics)
	assert.Equal(t, true, <-connectionChanges)

	writeFrame(t, ws2, &MessageEvent{
		MessageId:      NewId(),
		ConversationId: NewId(),
		SenderId:       NewId(),
		Content:        "after reconnect",
		SentAt:         time.Now().UTC(),
	})
	messageEvent := <-messages
	assert.Equal(t, "after reconnect", messageEvent.Content)
}

func TestTransportSubscriptionIndependence(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)

	auth := &ClientAuth{
		ByJwt:      testJwt(t, NewId(), NewId()),
		InstanceId: NewId(),
	}
	transport, err := NewPlatformTransport(ctx, broker.url(), auth, testTransportSettings())
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	first := make(chan *PresenceEvent, 8)
	unsubFirst := transport.Subscribe(TopicPresence, func(event any) {
		first <- event.(*PresenceEvent)
	})
	defer unsubFirst()
	second := make(chan *PresenceEvent, 8)
	unsubSecond := transport.Subscribe(TopicPresence, func(event any) {
		second <- event.(*PresenceEvent)
	})

	ws := broker.nextConn(t, 5*time.Second)
	defer ws.Close()
	awaitAnnounce(t, ws, []string{TopicPresence})

	peerId := NewId()
	writeFrame(t, ws, &PresenceEvent{PeerId: peerId, Online: true})
	assert.Equal(t, peerId, (<-first).PeerId)
	assert.Equal(t, peerId, (<-second).PeerId)

	// removing one subscription leaves the other untouched
	unsubSecond()
	writeFrame(t, ws, &PresenceEvent{PeerId: peerId, Online: false})
	assert.Equal(t, false, (<-first).Online)
	select {
	case <-second:
		t.Fatal("event delivered to a removed subscription")
	default:
	}
}

func TestTransportRejectsUnusableAuth(t *testing.T) {
	ctx := context.Background()

	_, err := NewPlatformTransportWithDefaults(ctx, "ws://localhost:0", &ClientAuth{
		ByJwt: "not-a-jwt",
	})
	if err == nil {
		t.Fatal("expected an auth error")
	}
	var connectionErr *ConnectionError
	if !errors.As(err, &connectionErr) {
		t.Fatalf("expected a connection error, got %T", err)
	}
}
