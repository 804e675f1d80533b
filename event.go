package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// inbound topics
const (
	TopicMessage      = "message"
	TopicTyping       = "typing"
	TopicReadReceipt  = "read-receipt"
	TopicPresence     = "presence"
	TopicFeed         = "feed"
	TopicNotification = "notification"
)

// outbound destinations
const (
	DestinationSendMessage = "send-message"
	DestinationSendTyping  = "send-typing"
	DestinationSendReadAck = "send-read-ack"
)

// control destinations
const (
	DestinationAuth = "auth"
	// announces the client's topic set after each connect
	DestinationSubscribe = "subscribe"
)

type Frame struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

type MessageEvent struct {
	MessageId      Id             `json:"message_id"`
	ConversationId ConversationId `json:"conversation_id"`
	SenderId       Id             `json:"sender_id"`
	Content        string         `json:"content"`
	MediaRef       string         `json:"media_ref,omitempty"`
	SentAt         time.Time      `json:"sent_at"`
}

type TypingEvent struct {
	PeerId         Id             `json:"peer_id"`
	ConversationId ConversationId `json:"conversation_id"`
	IsTyping       bool           `json:"is_typing"`
}

type ReadReceiptEvent struct {
	ConversationId ConversationId `json:"conversation_id"`
	ReaderId       Id             `json:"reader_id"`
	// nil when the peer sent a simplified ack without a cursor
	LastReadMessageId *Id `json:"last_read_message_id,omitempty"`
}

type PresenceEvent struct {
	PeerId     Id        `json:"peer_id"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

const (
	FeedChangeCreated = "created"
	FeedChangeCount   = "count"
)

type FeedEvent struct {
	Change   string  `json:"change"`
	Entity   *Entity `json:"entity,omitempty"`
	EntityId Id      `json:"entity_id,omitempty"`
	Field    string  `json:"field,omitempty"`
	Value    int     `json:"value,omitempty"`
}

type NotificationEvent struct {
	Notification *Entity `json:"notification"`
}

type SendMessageEvent struct {
	ConversationId ConversationId `json:"conversation_id"`
	SenderId       Id             `json:"sender_id"`
	Content        string         `json:"content"`
	MediaRef       string         `json:"media_ref,omitempty"`
	ClientTempId   Id             `json:"client_temp_id"`
	SentAt         time.Time      `json:"sent_at"`
}

type SendTypingEvent struct {
	ConversationId ConversationId `json:"conversation_id"`
	SenderId       Id             `json:"sender_id"`
	IsTyping       bool           `json:"is_typing"`
}

type SendReadAckEvent struct {
	ConversationId    ConversationId `json:"conversation_id"`
	ReaderId          Id             `json:"reader_id"`
	LastReadMessageId Id             `json:"last_read_message_id"`
}

type SubscribeEvent struct {
	Topics []string `json:"topics"`
}

type AuthEvent struct {
	ByJwt      string `json:"by_jwt"`
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

func ToFrame(event any) (*Frame, error) {
	var frameType string
	switch v := event.(type) {
	case *MessageEvent:
		frameType = TopicMessage
	case *TypingEvent:
		frameType = TopicTyping
	case *ReadReceiptEvent:
		frameType = TopicReadReceipt
	case *PresenceEvent:
		frameType = TopicPresence
	case *FeedEvent:
		frameType = TopicFeed
	case *NotificationEvent:
		frameType = TopicNotification
	case *SendMessageEvent:
		frameType = DestinationSendMessage
	case *SendTypingEvent:
		frameType = DestinationSendTyping
	case *SendReadAckEvent:
		frameType = DestinationSendReadAck
	case *SubscribeEvent:
		frameType = DestinationSubscribe
	case *AuthEvent:
		frameType = DestinationAuth
	default:
		return nil, fmt.Errorf("Unknown event type: %T", v)
	}
	b, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type: frameType,
		Body: b,
	}, nil
}

func RequireToFrame(event any) *Frame {
	frame, err := ToFrame(event)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var event any
	switch frame.Type {
	case TopicMessage:
		event = &MessageEvent{}
	case TopicTyping:
		event = &TypingEvent{}
	case TopicReadReceipt:
		event = &ReadReceiptEvent{}
	case TopicPresence:
		event = &PresenceEvent{}
	case TopicFeed:
		event = &FeedEvent{}
	case TopicNotification:
		event = &NotificationEvent{}
	case DestinationSendMessage:
		event = &SendMessageEvent{}
	case DestinationSendTyping:
		event = &SendTypingEvent{}
	case DestinationSendReadAck:
		event = &SendReadAckEvent{}
	case DestinationSubscribe:
		event = &SubscribeEvent{}
	case DestinationAuth:
		event = &AuthEvent{}
	default:
		return nil, &MalformedEventError{
			FrameType: frame.Type,
			Err:       fmt.Errorf("unknown frame type"),
		}
	}
	if err := json.Unmarshal(frame.Body, event); err != nil {
		return nil, &MalformedEventError{
			FrameType: frame.Type,
			Err:       err,
		}
	}
	return event, nil
}

func RequireFromFrame(frame *Frame) any {
	event, err := FromFrame(frame)
	if err != nil {
		panic(err)
	}
	return event
}

func EncodeFrame(event any) ([]byte, error) {
	frame, err := ToFrame(event)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(frame)
	return b, err
}

func DecodeFrame(b []byte) (string, any, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return "", nil, &MalformedEventError{Err: err}
	}
	event, err := FromFrame(frame)
	if err != nil {
		return frame.Type, nil, err
	}
	return frame.Type, event, nil
}
