package repo

import (
	"errors"
	"time"

	"circle/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("not found")
)

// Repo 封装实时层消费的全部数据访问。持久状态只存在这里，
// 进程内的房间表/计数都只是缓存。
type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) GetChat(chatID uint) (*models.Chat, error) {
	var chat models.Chat
	if err := r.db.First(&chat, chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &chat, nil
}

func (r *Repo) GetChatMembers(chatID uint) ([]uint, error) {
	var members []models.ChatMember
	if err := r.db.Where("chat_id = ?", chatID).Order("user_id").Find(&members).Error; err != nil {
		return nil, err
	}
	out := make([]uint, 0, len(members))
	for _, m := range members {
		out = append(out, m.UserID)
	}
	return out, nil
}

// InsertMessage 落库并回填权威 id 与时间戳。
func (r *Repo) InsertMessage(msg *models.Message) error {
	return r.db.Create(msg).Error
}

func (r *Repo) GetMessage(id uint) (*models.Message, error) {
	var msg models.Message
	if err := r.db.First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// UpdateMessageText 修改正文并记录编辑时间。
func (r *Repo) UpdateMessageText(id uint, text string) (*models.Message, error) {
	now := time.Now()
	res := r.db.Model(&models.Message{}).Where("id = ? AND deleted = false", id).
		Updates(map[string]interface{}{"text": text, "edited_at": &now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.GetMessage(id)
}

// SoftDeleteMessage 打墓碑，回执、表情与排序全部保留。
func (r *Repo) SoftDeleteMessage(id uint) error {
	res := r.db.Model(&models.Message{}).Where("id = ?", id).Update("deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertReceipt 幂等写回执；写 read 时同时补一条 delivered。
func (r *Repo) UpsertReceipt(messageID, userID uint, status string) error {
	statuses := []string{status}
	if status == models.ReceiptRead {
		statuses = []string{models.ReceiptDelivered, models.ReceiptRead}
	}
	rows := make([]models.Receipt, 0, len(statuses))
	for _, s := range statuses {
		rows = append(rows, models.Receipt{MessageID: messageID, UserID: userID, Status: s})
	}
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// ListUnreadMessageIDs 返回会话内对端发来且尚无 read 回执的消息。
func (r *Repo) ListUnreadMessageIDs(chatID, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.Model(&models.Message{}).
		Where("chat_id = ? AND sender_id <> ? AND deleted = false", chatID, userID).
		Where("id NOT IN (?)", r.db.Model(&models.Receipt{}).Select("message_id").
			Where("user_id = ? AND status = ?", userID, models.ReceiptRead)).
		Order("id").Pluck("id", &ids).Error
	return ids, err
}

// MarkChatRead 批量把会话内未读消息置为已读（含 delivered），单条 upsert 语义。
func (r *Repo) MarkChatRead(chatID, userID uint) ([]uint, error) {
	ids, err := r.ListUnreadMessageIDs(chatID, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows := make([]models.Receipt, 0, len(ids)*2)
	for _, id := range ids {
		rows = append(rows,
			models.Receipt{MessageID: id, UserID: userID, Status: models.ReceiptDelivered},
			models.Receipt{MessageID: id, UserID: userID, Status: models.ReceiptRead},
		)
	}
	if err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ToggleReaction 存在则删、不存在则增，返回本次是否为新增。
func (r *Repo) ToggleReaction(messageID, userID uint, emoji string) (bool, error) {
	added := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
			Delete(&models.Reaction{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		added = true
		return tx.Create(&models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}).Error
	})
	return added, err
}

// FindOrCreateDirectChat 先找双方已有的一对一会话，没有才建新的，
// 保证两个 accept 并发到达时拿到同一个 chat id。
func (r *Repo) FindOrCreateDirectChat(a, b uint, blind bool) (*models.Chat, error) {
	var chatID uint
	err := r.db.Model(&models.ChatMember{}).
		Select("chat_id").
		Where("user_id IN ?", []uint{a, b}).
		Group("chat_id").
		Having("COUNT(DISTINCT user_id) = 2").
		Limit(1).
		Scan(&chatID).Error
	if err != nil {
		return nil, err
	}
	if chatID != 0 {
		return r.GetChat(chatID)
	}
	chat := models.Chat{IsBlind: blind}
	err = r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		members := []models.ChatMember{
			{ChatID: chat.ID, UserID: a},
			{ChatID: chat.ID, UserID: b},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetBlockRelationship 返回任一方向的拉黑记录，没有则返回 nil。
func (r *Repo) GetBlockRelationship(a, b uint) (*models.Block, error) {
	var block models.Block
	err := r.db.Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a).
		First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// GetFriendshipStatus 返回双向任一边的状态，没有边返回空串。
func (r *Repo) GetFriendshipStatus(a, b uint) (string, error) {
	var f models.Friendship
	err := r.db.Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)", a, b, b, a).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return f.Status, nil
}

// EnsureFriendship 幂等建立已接受的好友边。配对归约时调用：
// 没有这条边，消息管线会把普通配对会话里的发言按非好友拒绝。
func (r *Repo) EnsureFriendship(a, b uint) error {
	var f models.Friendship
	err := r.db.Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)", a, b, b, a).
		First(&f).Error
	if err == nil {
		if f.Status == models.FriendshipAccepted {
			return nil
		}
		return r.db.Model(&f).Update("status", models.FriendshipAccepted).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Friendship{UserID: a, FriendID: b, Status: models.FriendshipAccepted}).Error
}

func (r *Repo) GetMatchByChat(chatID uint) (*models.BlindDateMatch, error) {
	var m models.BlindDateMatch
	err := r.db.Where("chat_id = ?", chatID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) CreateBlindMatch(chatID, a, b uint) (*models.BlindDateMatch, error) {
	m := models.BlindDateMatch{ChatID: chatID, UserAID: a, UserBID: b, Status: models.MatchActive}
	if err := r.db.Create(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// SetReveal 记录单侧揭示意愿，双方都同意后整体转入 revealed（不可逆）。
func (r *Repo) SetReveal(chatID, userID uint) (*models.BlindDateMatch, error) {
	var m *models.BlindDateMatch
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var cur models.BlindDateMatch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("chat_id = ?", chatID).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if cur.Status == models.MatchEnded {
			return ErrNotFound
		}
		switch userID {
		case cur.UserAID:
			cur.RevealA = true
		case cur.UserBID:
			cur.RevealB = true
		default:
			return ErrNotFound
		}
		if cur.RevealA && cur.RevealB {
			cur.Status = models.MatchRevealed
		}
		if err := tx.Save(&cur).Error; err != nil {
			return err
		}
		m = &cur
		return nil
	})
	return m, err
}

func (r *Repo) EndMatch(chatID uint) error {
	res := r.db.Model(&models.BlindDateMatch{}).Where("chat_id = ?", chatID).
		Update("status", models.MatchEnded)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages 分页查询会话消息，按 id 升序返回。
func (r *Repo) ListMessages(chatID uint, limit int, beforeID uint) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.db.Where("chat_id = ?", chatID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListReactions 返回一批消息上的全部表态，历史接口聚合用。
func (r *Repo) ListReactions(messageIDs []uint) ([]models.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var rs []models.Reaction
	err := r.db.Where("message_id IN ?", messageIDs).Order("id").Find(&rs).Error
	return rs, err
}

// ListReceipts 返回一批消息上的全部回执。
func (r *Repo) ListReceipts(messageIDs []uint) ([]models.Receipt, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var rows []models.Receipt
	err := r.db.Where("message_id IN ?", messageIDs).Order("id").Find(&rows).Error
	return rows, err
}

func (r *Repo) GetUser(id uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
