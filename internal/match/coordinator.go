package match

import (
	"math"
	"sync"
	"time"

	"circle/internal/metrics"
	"circle/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// 每个参与者的状态机：idle → searching → proposed → matched（终态）。
// cancel/decline/expiry 会回到 idle 或 searching。
const (
	StateIdle      = "idle"
	StateSearching = "searching"
	StateProposed  = "proposed"
	StateMatched   = "matched"

	DecisionNone     = "none"
	DecisionAccepted = "accepted"
	DecisionPassed   = "passed"
)

// Store 是协调器依赖的数据访问面：兼容性排除项与配对成功后的会话供给。
type Store interface {
	GetUser(id uint) (*models.User, error)
	GetBlockRelationship(a, b uint) (*models.Block, error)
	GetFriendshipStatus(a, b uint) (string, error)
	FindOrCreateDirectChat(a, b uint, blind bool) (*models.Chat, error)
	EnsureFriendship(a, b uint) error
	GetMatchByChat(chatID uint) (*models.BlindDateMatch, error)
	CreateBlindMatch(chatID, a, b uint) (*models.BlindDateMatch, error)
}

type Broadcaster interface {
	ToUser(userID uint, payload interface{})
}

type Notifier interface {
	Notify(userID uint, kind string, payload interface{})
}

// Preferences 是入队时的可选过滤条件。
type Preferences struct {
	Blind         bool `json:"blind"`
	AgeMin        int  `json:"age_min"`
	AgeMax        int  `json:"age_max"`
	MaxDistanceKm int  `json:"max_distance_km"`
}

// Summary 是推给对方的公开摘要；盲配时不含用户名。
type Summary struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username,omitempty"`
	Age      int    `json:"age,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

// Event 覆盖 match:* 的全部出站载荷。
type Event struct {
	Type        string   `json:"type"`
	State       string   `json:"state,omitempty"`
	ProposalID  string   `json:"proposal_id,omitempty"`
	ChatID      uint     `json:"chat_id,omitempty"`
	Counterpart *Summary `json:"counterpart,omitempty"`
	ExpiresAt   int64    `json:"expires_at,omitempty"`
}

type entry struct {
	userID  uint
	prefs   Preferences
	profile *models.User
	state   string
	// proposed 状态下指向所属提议
	proposalID string
}

type proposal struct {
	id        string
	users     [2]uint
	decisions map[uint]string
	blind     bool
	createdAt time.Time
	expiresAt time.Time
}

func (p *proposal) other(userID uint) uint {
	if p.users[0] == userID {
		return p.users[1]
	}
	return p.users[0]
}

// matched 终态记录的保留时长，掉线重连在窗口内都能回放 chat id。
const matchedRetention = 5 * time.Minute

// resolved 记录一次已归约的配对，供重连回放。
type resolved struct {
	chatID uint
	at     time.Time
}

// Coordinator 持有配对队列与提议状态机。状态是进程内的：
// 两个 accept 的先后或并发都在同一把锁下归约，matched 恰好触发一次。
type Coordinator struct {
	mu        sync.Mutex
	store     Store
	bc        Broadcaster
	notifier  Notifier
	ttl       time.Duration
	entries   map[uint]*entry
	proposals map[string]*proposal
	matched   map[uint]resolved
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewCoordinator(store Store, bc Broadcaster, notifier Notifier, ttl time.Duration) *Coordinator {
	c := &Coordinator{
		store:     store,
		bc:        bc,
		notifier:  notifier,
		ttl:       ttl,
		entries:   make(map[uint]*entry),
		proposals: make(map[string]*proposal),
		matched:   make(map[uint]resolved),
		stop:      make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// Stop 终止过期巡检，优雅停服用。
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// StartSearch 幂等入队：已在搜索或已持有提议的用户拿回当前状态。
func (c *Coordinator) StartSearch(userID uint, prefs Preferences) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[userID]; ok {
		c.replayLocked(userID, e)
		return
	}

	profile, err := c.store.GetUser(userID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("match enqueue: load profile")
		c.bc.ToUser(userID, Event{Type: "error", State: "profile_unavailable"})
		return
	}

	// 重新入队即放弃上一次配对的回放记录
	delete(c.matched, userID)

	e := &entry{userID: userID, prefs: prefs, profile: profile, state: StateSearching}
	c.entries[userID] = e
	c.bc.ToUser(userID, Event{Type: "match:searching", State: StateSearching})
	c.scanLocked(e)
}

// Cancel 显式取消：出队并拆除未终结的提议。
func (c *Coordinator) Cancel(userID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(userID, true)
}

// Disconnect 在用户最后一条连接断开时调用，与显式取消同语义。
func (c *Coordinator) Disconnect(userID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(userID, false)
}

// Decide 处理 accept / pass。两个 accept 以任意顺序或几乎同时到达时，
// 提议都只归约一次，双方收到同一个 chat id。
func (c *Coordinator) Decide(userID uint, accept bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok || e.state != StateProposed {
		c.bc.ToUser(userID, Event{Type: "error", State: "no_pending_proposal"})
		return
	}
	p := c.proposals[e.proposalID]
	if p == nil {
		e.state = StateSearching
		e.proposalID = ""
		return
	}
	otherID := p.other(userID)

	if !accept {
		// pass：提议拆除，pass 方回 idle，对方被告知并回到搜索
		p.decisions[userID] = DecisionPassed
		delete(c.proposals, p.id)
		metrics.ActiveProposals.Dec()
		delete(c.entries, userID)
		c.bc.ToUser(userID, Event{Type: "match:declined", State: StateIdle})
		if other, ok := c.entries[otherID]; ok {
			other.state = StateSearching
			other.proposalID = ""
			c.bc.ToUser(otherID, Event{Type: "match:declined", State: StateSearching})
			c.scanLocked(other)
		}
		return
	}

	p.decisions[userID] = DecisionAccepted
	if p.decisions[otherID] != DecisionAccepted {
		// 对方未决，accept 方在 proposed 状态等待
		c.bc.ToUser(userID, Event{Type: "match:state", State: StateProposed, ProposalID: p.id})
		return
	}
	c.resolveLocked(p)
}

// Replay 在（重）连接时回放当前状态：排队中、待定提议或刚归约的配对。
// matched 推送可能因慢客户端被丢弃，回放是拿回 chat id 的兜底通道。
func (c *Coordinator) Replay(userID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		if rec, ok := c.matched[userID]; ok {
			c.bc.ToUser(userID, Event{Type: "match:state", State: StateMatched, ChatID: rec.chatID})
		}
		return
	}
	c.replayLocked(userID, e)
}

func (c *Coordinator) replayLocked(userID uint, e *entry) {
	evt := Event{Type: "match:state", State: e.state}
	if e.state == StateProposed {
		if p := c.proposals[e.proposalID]; p != nil {
			evt.ProposalID = p.id
			evt.ExpiresAt = p.expiresAt.Unix()
			if other, ok := c.entries[p.other(userID)]; ok {
				evt.Counterpart = summarize(other.profile, p.blind)
			}
		}
	}
	c.bc.ToUser(userID, evt)
}

// scanLocked 在队列中为 e 找一个兼容候选并发起提议。
func (c *Coordinator) scanLocked(e *entry) {
	for _, cand := range c.entries {
		if cand.userID == e.userID || cand.state != StateSearching {
			continue
		}
		if !c.compatibleLocked(e, cand) {
			continue
		}
		c.proposeLocked(e, cand)
		return
	}
}

// compatibleLocked 做双向兼容判定：变体一致、年龄互在区间内、
// 性别偏好互相满足、距离达标、非好友、无任一方向拉黑。
func (c *Coordinator) compatibleLocked(a, b *entry) bool {
	if a.prefs.Blind != b.prefs.Blind {
		return false
	}
	if !ageOK(a.prefs, b.profile.Age) || !ageOK(b.prefs, a.profile.Age) {
		return false
	}
	if a.prefs.Blind {
		if !genderOK(a.profile.GenderPref, b.profile.Gender) || !genderOK(b.profile.GenderPref, a.profile.Gender) {
			return false
		}
	}
	if !distanceOK(a, b) {
		return false
	}
	block, err := c.store.GetBlockRelationship(a.userID, b.userID)
	if err != nil || block != nil {
		return false
	}
	status, err := c.store.GetFriendshipStatus(a.userID, b.userID)
	if err != nil || status == models.FriendshipAccepted {
		return false
	}
	return true
}

func ageOK(p Preferences, age int) bool {
	if p.AgeMin > 0 && age < p.AgeMin {
		return false
	}
	if p.AgeMax > 0 && age > p.AgeMax {
		return false
	}
	return true
}

func genderOK(pref, gender string) bool {
	return pref == "" || pref == gender
}

func distanceOK(a, b *entry) bool {
	limit := a.prefs.MaxDistanceKm
	if b.prefs.MaxDistanceKm > 0 && (limit == 0 || b.prefs.MaxDistanceKm < limit) {
		limit = b.prefs.MaxDistanceKm
	}
	if limit == 0 {
		return true
	}
	// 位置未知的用户不做距离排除
	if (a.profile.Latitude == 0 && a.profile.Longitude == 0) ||
		(b.profile.Latitude == 0 && b.profile.Longitude == 0) {
		return true
	}
	return haversineKm(a.profile.Latitude, a.profile.Longitude, b.profile.Latitude, b.profile.Longitude) <= float64(limit)
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func summarize(u *models.User, blind bool) *Summary {
	if u == nil {
		return nil
	}
	s := &Summary{UserID: u.ID, Age: u.Age, Gender: u.Gender}
	if !blind {
		s.Username = u.Username
	}
	return s
}

func (c *Coordinator) proposeLocked(a, b *entry) {
	p := &proposal{
		id:        uuid.NewString(),
		users:     [2]uint{a.userID, b.userID},
		decisions: map[uint]string{a.userID: DecisionNone, b.userID: DecisionNone},
		blind:     a.prefs.Blind,
		createdAt: time.Now(),
		expiresAt: time.Now().Add(c.ttl),
	}
	c.proposals[p.id] = p
	metrics.ActiveProposals.Inc()
	a.state, a.proposalID = StateProposed, p.id
	b.state, b.proposalID = StateProposed, p.id

	c.bc.ToUser(a.userID, Event{Type: "match:proposed", State: StateProposed, ProposalID: p.id, Counterpart: summarize(b.profile, p.blind), ExpiresAt: p.expiresAt.Unix()})
	c.bc.ToUser(b.userID, Event{Type: "match:proposed", State: StateProposed, ProposalID: p.id, Counterpart: summarize(a.profile, p.blind), ExpiresAt: p.expiresAt.Unix()})
	log.Info().Str("proposal_id", p.id).Uint("user_a", a.userID).Uint("user_b", b.userID).Bool("blind", p.blind).Msg("match proposed")
}

// resolveLocked 把互相接受的提议归约为 matched：复用或新建一对一会话，
// 双方各收到恰好一条携带同一 chat id 的 matched 事件。
func (c *Coordinator) resolveLocked(p *proposal) {
	delete(c.proposals, p.id)
	metrics.ActiveProposals.Dec()

	a, b := p.users[0], p.users[1]
	chat, err := c.store.FindOrCreateDirectChat(a, b, p.blind)
	if err == nil && !p.blind {
		// 普通配对要补上好友边，否则消息管线会按非好友拒绝双方发言
		err = c.store.EnsureFriendship(a, b)
	}
	if err != nil {
		log.Error().Err(err).Str("proposal_id", p.id).Msg("match resolve: provision chat")
		// 会话供给失败：双方回到搜索而不是吞掉状态
		for _, uid := range p.users {
			if e, ok := c.entries[uid]; ok {
				e.state = StateSearching
				e.proposalID = ""
				c.bc.ToUser(uid, Event{Type: "error", State: "provision_failed"})
			}
		}
		return
	}
	if p.blind {
		existing, err := c.store.GetMatchByChat(chat.ID)
		if err == nil && existing == nil {
			if _, err := c.store.CreateBlindMatch(chat.ID, a, b); err != nil {
				log.Error().Err(err).Uint("chat_id", chat.ID).Msg("match resolve: create blind match")
			}
		}
	}

	metrics.MatchesTotal.Inc()
	for _, uid := range p.users {
		delete(c.entries, uid)
		c.matched[uid] = resolved{chatID: chat.ID, at: time.Now()}
		peer := p.other(uid)
		var counterpart *Summary
		if u, err := c.store.GetUser(peer); err == nil {
			counterpart = summarize(u, p.blind)
		}
		evt := Event{Type: "match:matched", State: StateMatched, ChatID: chat.ID, Counterpart: counterpart}
		c.bc.ToUser(uid, evt)
		c.notifier.Notify(uid, "match:matched", evt)
	}
	log.Info().Str("proposal_id", p.id).Uint("chat_id", chat.ID).Msg("match resolved")
}

// teardownLocked 出队并拆提议。explicit 区分显式取消与断连，仅影响日志。
func (c *Coordinator) teardownLocked(userID uint, explicit bool) {
	e, ok := c.entries[userID]
	if !ok {
		return
	}
	delete(c.entries, userID)
	if e.state == StateProposed {
		if p := c.proposals[e.proposalID]; p != nil {
			delete(c.proposals, p.id)
			metrics.ActiveProposals.Dec()
			otherID := p.other(userID)
			if other, ok := c.entries[otherID]; ok {
				other.state = StateSearching
				other.proposalID = ""
				c.bc.ToUser(otherID, Event{Type: "match:declined", State: StateSearching})
				c.scanLocked(other)
			}
		}
	}
	log.Debug().Uint("user_id", userID).Bool("explicit", explicit).Msg("match teardown")
}

// expireLoop 巡检超时提议，把双方送回搜索。
func (c *Coordinator) expireLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.expire(now)
		}
	}
}

func (c *Coordinator) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.proposals {
		if now.Before(p.expiresAt) {
			continue
		}
		delete(c.proposals, id)
		metrics.ActiveProposals.Dec()
		for _, uid := range p.users {
			if e, ok := c.entries[uid]; ok {
				e.state = StateSearching
				e.proposalID = ""
				c.bc.ToUser(uid, Event{Type: "match:expired", State: StateSearching})
			}
		}
		// 先把双方都复位成 searching，再做扫描
		for _, uid := range p.users {
			if e, ok := c.entries[uid]; ok && e.state == StateSearching {
				c.scanLocked(e)
			}
		}
		log.Info().Str("proposal_id", id).Msg("match proposal expired")
	}
	for uid, rec := range c.matched {
		if now.Sub(rec.at) > matchedRetention {
			delete(c.matched, uid)
		}
	}
}
