package ws

import (
	"encoding/json"
	"errors"

	"circle/internal/match"
)

// 入站事件的封闭集合，边界上先校验 type 再分发。
const (
	EvRoomJoin          = "room:join"
	EvRoomLeave         = "room:leave"
	EvMessageSend       = "message:send"
	EvMessageEdit       = "message:edit"
	EvMessageDelete     = "message:delete"
	EvMarkRead          = "messages:mark_read"
	EvReceiptUpdate     = "receipt:update"
	EvReactionToggle    = "reaction:toggle"
	EvTypingSet         = "typing:set"
	EvPresenceActive    = "presence:active"
	EvMatchSearchStart  = "match:search:start"
	EvMatchSearchCancel = "match:search:cancel"
	EvMatchDecide       = "match:decide"
	EvMatchReveal       = "match:reveal"
	EvMatchEnd          = "match:end"
)

var inboundTypes = map[string]bool{
	EvRoomJoin:          true,
	EvRoomLeave:         true,
	EvMessageSend:       true,
	EvMessageEdit:       true,
	EvMessageDelete:     true,
	EvMarkRead:          true,
	EvReceiptUpdate:     true,
	EvReactionToggle:    true,
	EvTypingSet:         true,
	EvPresenceActive:    true,
	EvMatchSearchStart:  true,
	EvMatchSearchCancel: true,
	EvMatchDecide:       true,
	EvMatchReveal:       true,
	EvMatchEnd:          true,
}

// Inbound 是带 tag 的入站事件载荷。字段按事件类型取用，多余字段忽略。
type Inbound struct {
	Type        string             `json:"type"`
	ChatID      uint               `json:"chat_id,omitempty"`
	Text        string             `json:"text,omitempty"`
	MediaRef    string             `json:"media_ref,omitempty"`
	MessageID   uint               `json:"message_id,omitempty"`
	Status      string             `json:"status,omitempty"`
	Emoji       string             `json:"emoji,omitempty"`
	IsTyping    bool               `json:"is_typing,omitempty"`
	IsActive    bool               `json:"is_active,omitempty"`
	Decision    string             `json:"decision,omitempty"`
	Preferences *match.Preferences `json:"preferences,omitempty"`
}

var errUnknownEvent = errors.New("unknown event type")

// ParseInbound 在分发前把松散 JSON 收敛到封闭事件集。
func ParseInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if !inboundTypes[in.Type] {
		return nil, errUnknownEvent
	}
	return &in, nil
}

// ErrorEvent 携带机器可读拒绝码，客户端按码渲染。
type ErrorEvent struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
	Category string `json:"category,omitempty"`
}

// AckEvent 确认一次入站请求已处理。
type AckEvent struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	ChatID    uint   `json:"chat_id,omitempty"`
	MessageID uint   `json:"message_id,omitempty"`
}

// TypingEvent 是打字信号的房间广播，不持久化。
type TypingEvent struct {
	Type     string `json:"type"`
	ChatID   uint   `json:"chat_id"`
	UserID   uint   `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}
