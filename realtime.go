package realtime

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// a conversation key is either a group/community id used directly,
// or derived from the unordered pair of direct participants
type ConversationId = Id

// both participants compute the same key regardless of argument order
func DirectConversationId(a Id, b Id) ConversationId {
	var conversationId ConversationId
	for i := 0; i < 16; i += 1 {
		conversationId[i] = a[i] ^ b[i]
	}
	return conversationId
}

func GroupConversationId(groupId Id) ConversationId {
	return ConversationId(groupId)
}

// immutable snapshot. components hold their own copy, never a shared pointer.
type Peer struct {
	PeerId      Id     `json:"peer_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// delivery state machine is:
// DeliveryStatePending
//
//	-> DeliveryStateFailed (terminal)
//	-> DeliveryStateSent
//	  -> DeliveryStateDelivered
//	    -> DeliveryStateRead (terminal)
type DeliveryState string

const (
	DeliveryStatePending   DeliveryState = "Pending"
	DeliveryStateSent      DeliveryState = "Sent"
	DeliveryStateDelivered DeliveryState = "Delivered"
	DeliveryStateRead      DeliveryState = "Read"
	DeliveryStateFailed    DeliveryState = "Failed"
)

func (self DeliveryState) IsTerminal() bool {
	switch self {
	case DeliveryStateRead, DeliveryStateFailed:
		return true
	default:
		return false
	}
}

func (self DeliveryState) IsConfirmed() bool {
	switch self {
	case DeliveryStateSent, DeliveryStateDelivered, DeliveryStateRead:
		return true
	default:
		return false
	}
}

func (self DeliveryState) rank() int {
	switch self {
	case DeliveryStatePending:
		return 0
	case DeliveryStateSent:
		return 1
	case DeliveryStateDelivered:
		return 2
	case DeliveryStateRead:
		return 3
	default:
		return -1
	}
}

// states never move backward except the pending replacement on reconciliation
func (self DeliveryState) CanAdvanceTo(next DeliveryState) bool {
	if next == DeliveryStateFailed {
		return self == DeliveryStatePending
	}
	return self.rank() < next.rank()
}
