package ws

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Hub 维护房间订阅表与每用户通道。两张表都是进程内缓存：
// 跨进程的定向投递由通知桥兜底，这里只负责本进程在线连接的扇出。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]map[*Client]bool
	users map[uint]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[uint]map[*Client]bool),
		users: make(map[uint]map[*Client]bool),
	}
}

func (h *Hub) JoinRoom(chatID uint, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.rooms[chatID]
	if set == nil {
		set = make(map[*Client]bool)
		h.rooms[chatID] = set
	}
	set[c] = true
}

func (h *Hub) LeaveRoom(chatID uint, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.rooms[chatID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

// JoinUser 把连接挂到隐式的每用户通道上，服务端定向推送走这里。
func (h *Hub) JoinUser(userID uint, c *Client) {
	if userID == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.users[userID]
	if set == nil {
		set = make(map[*Client]bool)
		h.users[userID] = set
	}
	set[c] = true
}

// InUserChannel 供周期性自愈检查：重连竞态可能把连接挤出通道。
func (h *Hub) InUserChannel(userID uint, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID][c]
}

// UserSessions 返回该用户当前在本进程的连接数。
func (h *Hub) UserSessions(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// DropClient 把连接从所有房间和用户通道摘除。
func (h *Hub) DropClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for chatID, set := range h.rooms {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, chatID)
		}
	}
	if c.userID != 0 {
		if set := h.users[c.userID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.users, c.userID)
			}
		}
	}
}

// pushTo 给单个连接发一条序列化消息。
func (h *Hub) pushTo(c *Client, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("hub marshal direct payload")
		return
	}
	c.push(data)
}

// RoomCount 返回房间当前订阅连接数，REST 查询复用。
func (h *Hub) RoomCount(chatID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// ToRoom 向房间在线订阅者扇出。序列化一次，慢客户端丢弃而不阻塞。
func (h *Hub) ToRoom(chatID uint, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Uint("chat_id", chatID).Msg("hub marshal room payload")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[chatID] {
		c.push(data)
	}
}

// ToUser 向该用户的全部连接投递，覆盖不在房间里的后台成员。
func (h *Hub) ToUser(userID uint, payload interface{}) {
	if userID == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("hub marshal user payload")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.users[userID] {
		c.push(data)
	}
}
