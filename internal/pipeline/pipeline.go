package pipeline

import (
	"context"
	"time"

	"circle/internal/gate"
	"circle/internal/metrics"
	"circle/internal/models"

	"github.com/rs/zerolog/log"
)

const maxTextLen = 1000

// Repository 是管线消费的数据访问面，由 repo 包的 gorm 实现满足。
type Repository interface {
	GetChat(chatID uint) (*models.Chat, error)
	GetChatMembers(chatID uint) ([]uint, error)
	InsertMessage(msg *models.Message) error
	GetMessage(id uint) (*models.Message, error)
	UpdateMessageText(id uint, text string) (*models.Message, error)
	SoftDeleteMessage(id uint) error
	UpsertReceipt(messageID, userID uint, status string) error
	MarkChatRead(chatID, userID uint) ([]uint, error)
	ListUnreadMessageIDs(chatID, userID uint) ([]uint, error)
	ToggleReaction(messageID, userID uint, emoji string) (bool, error)
	GetBlockRelationship(a, b uint) (*models.Block, error)
	GetFriendshipStatus(a, b uint) (string, error)
	GetMatchByChat(chatID uint) (*models.BlindDateMatch, error)
	SetReveal(chatID, userID uint) (*models.BlindDateMatch, error)
	EndMatch(chatID uint) error
}

// Broadcaster 把事件投给房间在线订阅者或某用户的全部连接。
type Broadcaster interface {
	ToRoom(chatID uint, payload interface{})
	ToUser(userID uint, payload interface{})
}

// Notifier 是外部通知桥：fire-and-forget，失败只记日志，绝不阻塞实时路径。
type Notifier interface {
	Notify(userID uint, kind string, payload interface{})
}

// Gatekeeper 是盲聊内容闸门。
type Gatekeeper interface {
	Check(ctx context.Context, matchID, authorID uint, text string) gate.Result
}

// Pipeline 串起消息的校验→鉴权→过滤→落库→扇出。
type Pipeline struct {
	repo     Repository
	gate     Gatekeeper
	bc       Broadcaster
	notifier Notifier
}

func New(repo Repository, gk Gatekeeper, bc Broadcaster, notifier Notifier) *Pipeline {
	return &Pipeline{repo: repo, gate: gk, bc: bc, notifier: notifier}
}

// MessageEvent 对应 wire 上的 message:new / message:edited / message:deleted。
type MessageEvent struct {
	Type      string     `json:"type"`
	ID        uint       `json:"id"`
	ChatID    uint       `json:"chat_id"`
	SenderID  uint       `json:"sender_id"`
	Text      string     `json:"text,omitempty"`
	MediaRef  string     `json:"media_ref,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
}

type ReceiptEvent struct {
	Type      string `json:"type"`
	ChatID    uint   `json:"chat_id"`
	MessageID uint   `json:"message_id"`
	UserID    uint   `json:"user_id"`
	Status    string `json:"status"`
}

type ReactionEvent struct {
	Type      string `json:"type"`
	ChatID    uint   `json:"chat_id"`
	MessageID uint   `json:"message_id"`
	UserID    uint   `json:"user_id"`
	Emoji     string `json:"emoji"`
}

type MatchStateEvent struct {
	Type   string `json:"type"`
	ChatID uint   `json:"chat_id"`
	Status string `json:"status"`
}

func messageEvent(typ string, m *models.Message) MessageEvent {
	return MessageEvent{
		Type:      typ,
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		MediaRef:  m.MediaRef,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
		Deleted:   m.Deleted,
	}
}

// membership 解析会话成员并校验发起方在其中，返回对端。
// 本实现固定一对一会话：恰好两个成员。
func (p *Pipeline) membership(chatID, userID uint) (peer uint, err error) {
	members, err := p.repo.GetChatMembers(chatID)
	if err != nil {
		return 0, reject(CodeStoreError, "failed to resolve chat members")
	}
	if len(members) != 2 {
		return 0, reject(CodeNotFound, "chat not found")
	}
	switch userID {
	case members[0]:
		return members[1], nil
	case members[1]:
		return members[0], nil
	}
	return 0, reject(CodeNotMember, "not a member of this chat")
}

// Send 执行完整发送管线，返回携带权威 id/时间戳的消息。
func (p *Pipeline) Send(ctx context.Context, chatID, senderID uint, text, mediaRef string) (*models.Message, error) {
	// 1. 载荷校验
	if text == "" && mediaRef == "" {
		return nil, reject(CodeInvalidPayload, "empty message")
	}
	if len([]rune(text)) > maxTextLen {
		return nil, reject(CodeInvalidPayload, "text too long")
	}

	// 2. 成员解析
	peer, err := p.membership(chatID, senderID)
	if err != nil {
		return nil, err
	}

	// 3. 拉黑检查：任一方向命中都拒绝，且不产生任何持久化
	block, err := p.repo.GetBlockRelationship(senderID, peer)
	if err != nil {
		return nil, reject(CodeStoreError, "failed to check block relationship")
	}
	if block != nil {
		if block.BlockerID == peer {
			return nil, reject(CodeBlockedByUser, "you are blocked by this user")
		}
		return nil, reject(CodeUserBlocked, "you have blocked this user")
	}

	// 4. 关系检查：普通会话要求已接受的好友边，盲配会话豁免
	chat, err := p.repo.GetChat(chatID)
	if err != nil {
		return nil, reject(CodeNotFound, "chat not found")
	}
	if !chat.IsBlind {
		status, err := p.repo.GetFriendshipStatus(senderID, peer)
		if err != nil {
			return nil, reject(CodeStoreError, "failed to check friendship")
		}
		if status != models.FriendshipAccepted {
			return nil, reject(CodeNotFriends, "users are not friends")
		}
	}

	// 5. 内容闸门：仅对尚未揭示的盲配会话生效
	if chat.IsBlind && text != "" {
		match, err := p.repo.GetMatchByChat(chatID)
		if err != nil {
			return nil, reject(CodeStoreError, "failed to resolve match")
		}
		if match != nil && match.Status == models.MatchActive {
			if res := p.gate.Check(ctx, match.ID, senderID, text); res.Blocked {
				r := &Reject{Code: CodeMessageBlocked, Message: "message rejected"}
				if res.Category != "" {
					r.Code = CodePersonalInfoDetected
					r.Message = "personal information detected"
					r.Category = res.Category
				}
				return nil, r
			}
		}
	}

	// 6. 落库，拿权威 id 与时间戳
	msg := &models.Message{ChatID: chatID, SenderID: senderID, Text: text, MediaRef: mediaRef}
	if err := p.repo.InsertMessage(msg); err != nil {
		log.Error().Err(err).Uint("chat_id", chatID).Uint("sender_id", senderID).Msg("insert message")
		return nil, reject(CodeStoreError, "failed to persist message")
	}
	metrics.WsMessagesTotal.Inc()

	// 7. 双路扇出：房间在线订阅者 + 每个成员的用户通道（覆盖后台成员）
	evt := messageEvent("message:new", msg)
	p.bc.ToRoom(chatID, evt)
	p.bc.ToUser(senderID, evt)
	p.bc.ToUser(peer, evt)

	// 通知桥在权威写之后异步触发，失败不回传
	p.notifier.Notify(peer, "message:new", evt)

	return msg, nil
}

// UpdateReceipt 幂等写回执并扇出；read 隐含 delivered。
func (p *Pipeline) UpdateReceipt(ctx context.Context, messageID, userID uint, status string) error {
	if status != models.ReceiptDelivered && status != models.ReceiptRead {
		return reject(CodeInvalidPayload, "invalid receipt status")
	}
	msg, err := p.repo.GetMessage(messageID)
	if err != nil {
		return reject(CodeNotFound, "message not found")
	}
	if _, err := p.membership(msg.ChatID, userID); err != nil {
		return err
	}
	if err := p.repo.UpsertReceipt(messageID, userID, status); err != nil {
		log.Error().Err(err).Uint("message_id", messageID).Msg("upsert receipt")
		return reject(CodeStoreError, "failed to persist receipt")
	}
	evt := ReceiptEvent{Type: "receipt:updated", ChatID: msg.ChatID, MessageID: messageID, UserID: userID, Status: status}
	p.bc.ToRoom(msg.ChatID, evt)
	p.bc.ToUser(msg.SenderID, evt)
	return nil
}

// MarkAllRead 批量已读：优先走单次批量路径，失败时退化为逐条回执。
func (p *Pipeline) MarkAllRead(ctx context.Context, chatID, userID uint) (int, error) {
	if _, err := p.membership(chatID, userID); err != nil {
		return 0, err
	}
	ids, err := p.repo.MarkChatRead(chatID, userID)
	if err != nil {
		log.Warn().Err(err).Uint("chat_id", chatID).Msg("bulk mark read failed, falling back per message")
		ids, err = p.repo.ListUnreadMessageIDs(chatID, userID)
		if err != nil {
			return 0, reject(CodeStoreError, "failed to mark messages read")
		}
		marked := ids[:0]
		for _, id := range ids {
			if err := p.repo.UpsertReceipt(id, userID, models.ReceiptRead); err != nil {
				log.Error().Err(err).Uint("message_id", id).Msg("fallback receipt upsert")
				continue
			}
			marked = append(marked, id)
		}
		ids = marked
	}
	for _, id := range ids {
		evt := ReceiptEvent{Type: "receipt:updated", ChatID: chatID, MessageID: id, UserID: userID, Status: models.ReceiptRead}
		p.bc.ToRoom(chatID, evt)
	}
	return len(ids), nil
}

// Edit 只允许发送者本人修改正文。
func (p *Pipeline) Edit(ctx context.Context, messageID, userID uint, text string) (*models.Message, error) {
	if text == "" || len([]rune(text)) > maxTextLen {
		return nil, reject(CodeInvalidPayload, "invalid text")
	}
	msg, err := p.repo.GetMessage(messageID)
	if err != nil {
		return nil, reject(CodeNotFound, "message not found")
	}
	if msg.SenderID != userID {
		return nil, reject(CodeNotSender, "only the sender may edit")
	}
	updated, err := p.repo.UpdateMessageText(messageID, text)
	if err != nil {
		return nil, reject(CodeStoreError, "failed to edit message")
	}
	evt := messageEvent("message:edited", updated)
	p.bc.ToRoom(updated.ChatID, evt)
	return updated, nil
}

// Delete 打软删除墓碑，回执/表情/排序保持不变。
func (p *Pipeline) Delete(ctx context.Context, messageID, userID uint) error {
	msg, err := p.repo.GetMessage(messageID)
	if err != nil {
		return reject(CodeNotFound, "message not found")
	}
	if msg.SenderID != userID {
		return reject(CodeNotSender, "only the sender may delete")
	}
	if err := p.repo.SoftDeleteMessage(messageID); err != nil {
		return reject(CodeStoreError, "failed to delete message")
	}
	evt := MessageEvent{Type: "message:deleted", ID: messageID, ChatID: msg.ChatID, SenderID: msg.SenderID, Deleted: true}
	p.bc.ToRoom(msg.ChatID, evt)
	return nil
}

// ToggleReaction 翻转 (message,user,emoji)，新增广播 added、移除广播 removed。
func (p *Pipeline) ToggleReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error) {
	if emoji == "" || len(emoji) > 32 {
		return false, reject(CodeInvalidPayload, "invalid emoji")
	}
	msg, err := p.repo.GetMessage(messageID)
	if err != nil {
		return false, reject(CodeNotFound, "message not found")
	}
	if _, err := p.membership(msg.ChatID, userID); err != nil {
		return false, err
	}
	added, err := p.repo.ToggleReaction(messageID, userID, emoji)
	if err != nil {
		return false, reject(CodeStoreError, "failed to toggle reaction")
	}
	typ := "reaction:removed"
	if added {
		typ = "reaction:added"
	}
	evt := ReactionEvent{Type: typ, ChatID: msg.ChatID, MessageID: messageID, UserID: userID, Emoji: emoji}
	p.bc.ToRoom(msg.ChatID, evt)
	return added, nil
}

// Reveal 记录一侧的揭示意愿；双方都同意后会话永久脱离内容闸门。
func (p *Pipeline) Reveal(ctx context.Context, chatID, userID uint) (*models.BlindDateMatch, error) {
	peer, err := p.membership(chatID, userID)
	if err != nil {
		return nil, err
	}
	match, err := p.repo.SetReveal(chatID, userID)
	if err != nil {
		return nil, reject(CodeNotFound, "match not found")
	}
	if match.Status == models.MatchRevealed {
		evt := MatchStateEvent{Type: "match:revealed", ChatID: chatID, Status: match.Status}
		p.bc.ToUser(userID, evt)
		p.bc.ToUser(peer, evt)
		p.notifier.Notify(peer, "match:revealed", evt)
	}
	return match, nil
}

// EndMatch 结束盲配，会话本身与历史消息保留。
func (p *Pipeline) EndMatch(ctx context.Context, chatID, userID uint) error {
	peer, err := p.membership(chatID, userID)
	if err != nil {
		return err
	}
	if err := p.repo.EndMatch(chatID); err != nil {
		return reject(CodeNotFound, "match not found")
	}
	evt := MatchStateEvent{Type: "match:ended", ChatID: chatID, Status: models.MatchEnded}
	p.bc.ToUser(userID, evt)
	p.bc.ToUser(peer, evt)
	return nil
}
