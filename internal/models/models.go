package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	Age          int    `gorm:"not null;default:0"`
	Gender       string `gorm:"size:16"`
	// 期望匹配的性别，空表示不限。
	GenderPref string `gorm:"size:16"`
	// 最近上报的位置，供配对距离过滤；0,0 视为未知。
	Latitude  float64 `gorm:"not null;default:0"`
	Longitude float64 `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chat 是一对一会话，IsBlind 标记匿名（盲配）会话。
type Chat struct {
	ID        uint `gorm:"primaryKey"`
	IsBlind   bool `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChatMember struct {
	ID        uint `gorm:"primaryKey"`
	ChatID    uint `gorm:"uniqueIndex:idx_chat_member;not null"`
	UserID    uint `gorm:"uniqueIndex:idx_chat_member;index;not null"`
	CreatedAt time.Time
}

type Message struct {
	ID       uint   `gorm:"primaryKey"`
	ChatID   uint   `gorm:"index:idx_msg_chat_id;not null"`
	SenderID uint   `gorm:"index;not null"`
	Text     string `gorm:"type:text"`
	MediaRef string `gorm:"size:512"`
	EditedAt *time.Time
	// 软删除墓碑：消息不物理删除，回执/表情/排序全部保留。
	Deleted   bool `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// Receipt 的 (message,user,status) 三元组唯一，幂等 upsert。
type Receipt struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"uniqueIndex:idx_receipt;not null"`
	UserID    uint   `gorm:"uniqueIndex:idx_receipt;not null"`
	Status    string `gorm:"uniqueIndex:idx_receipt;size:16;not null"`
	CreatedAt time.Time
}

// Reaction 的 (message,user,emoji) 三元组唯一，存在即已表态。
type Reaction struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"uniqueIndex:idx_reaction;not null"`
	UserID    uint   `gorm:"uniqueIndex:idx_reaction;not null"`
	Emoji     string `gorm:"uniqueIndex:idx_reaction;size:32;not null"`
	CreatedAt time.Time
}

// Friendship 有向存储，Status ∈ pending/accepted/rejected。
type Friendship struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"uniqueIndex:idx_friend_pair;not null"`
	FriendID  uint   `gorm:"uniqueIndex:idx_friend_pair;not null"`
	Status    string `gorm:"size:16;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Block struct {
	ID        uint `gorm:"primaryKey"`
	BlockerID uint `gorm:"uniqueIndex:idx_block_pair;not null"`
	BlockedID uint `gorm:"uniqueIndex:idx_block_pair;index;not null"`
	CreatedAt time.Time
}

// BlindDateMatch 的状态机：active → revealed | ended。
// active 且未 revealed 时，其会话受内容闸门约束。
type BlindDateMatch struct {
	ID      uint   `gorm:"primaryKey"`
	ChatID  uint   `gorm:"uniqueIndex;not null"`
	UserAID uint   `gorm:"index;not null"`
	UserBID uint   `gorm:"index;not null"`
	Status  string `gorm:"size:16;not null;default:active"`
	// 双方各自的揭示意愿，均为 true 时整体进入 revealed。
	RevealA   bool `gorm:"not null;default:false"`
	RevealB   bool `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"

	FriendshipAccepted = "accepted"
	FriendshipPending  = "pending"

	MatchActive   = "active"
	MatchRevealed = "revealed"
	MatchEnded    = "ended"
)

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
