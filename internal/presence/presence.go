package presence

import "sync"

// Broadcaster 由网关实现，Tracker 只负责计数，不关心投递细节。
type Broadcaster interface {
	ToRoom(chatID uint, payload interface{})
}

// Delta 是每次计数变化后推给房间成员的快照。
type Delta struct {
	Type        string `json:"type"`
	ChatID      uint   `json:"chat_id"`
	MemberCount int    `json:"member_count"`
	ActiveCount int    `json:"active_count"`
	Online      bool   `json:"online"`
}

type roomState struct {
	// 同一用户可能有多条连接，按 session 计数
	members map[string]uint
	viewers map[string]bool
}

// Tracker 维护每个房间的订阅数与前台活跃数。
// 进程内表只是缓存，跨进程正确性不依赖它。
type Tracker struct {
	mu    sync.Mutex
	bc    Broadcaster
	rooms map[uint]*roomState
}

func NewTracker(bc Broadcaster) *Tracker {
	return &Tracker{bc: bc, rooms: make(map[uint]*roomState)}
}

func (t *Tracker) room(chatID uint) *roomState {
	rs := t.rooms[chatID]
	if rs == nil {
		rs = &roomState{members: make(map[string]uint), viewers: make(map[string]bool)}
		t.rooms[chatID] = rs
	}
	return rs
}

// Join 记录一条连接订阅了房间并广播增量。
func (t *Tracker) Join(chatID uint, sessionID string, userID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.room(chatID)
	rs.members[sessionID] = userID
	t.broadcast(chatID, rs)
}

// Leave 解除订阅；计数永不为负。
func (t *Tracker) Leave(chatID uint, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaveLocked(chatID, sessionID)
}

func (t *Tracker) leaveLocked(chatID uint, sessionID string) {
	rs := t.rooms[chatID]
	if rs == nil {
		return
	}
	delete(rs.members, sessionID)
	delete(rs.viewers, sessionID)
	t.broadcast(chatID, rs)
	if len(rs.members) == 0 {
		delete(t.rooms, chatID)
	}
}

// SetActive 由客户端的前台/后台信号驱动，独立于订阅关系。
func (t *Tracker) SetActive(chatID uint, sessionID string, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.rooms[chatID]
	if rs == nil {
		return
	}
	if _, ok := rs.members[sessionID]; !ok {
		return
	}
	if active {
		rs.viewers[sessionID] = true
	} else {
		delete(rs.viewers, sessionID)
	}
	t.broadcast(chatID, rs)
}

// DropSession 断连清理：把该连接加入过的房间全部退订，best-effort。
func (t *Tracker) DropSession(sessionID string, chatIDs []uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range chatIDs {
		t.leaveLocked(id, sessionID)
	}
}

// Snapshot 返回房间当前计数，供 REST 查询复用。
func (t *Tracker) Snapshot(chatID uint) (memberCount, activeCount int, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.rooms[chatID]
	if rs == nil {
		return 0, 0, false
	}
	return len(rs.members), len(rs.viewers), len(rs.members) > 1
}

func (t *Tracker) broadcast(chatID uint, rs *roomState) {
	t.bc.ToRoom(chatID, Delta{
		Type:        "presence:delta",
		ChatID:      chatID,
		MemberCount: len(rs.members),
		ActiveCount: len(rs.viewers),
		Online:      len(rs.members) > 1,
	})
}
