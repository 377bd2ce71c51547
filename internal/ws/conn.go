package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"circle/internal/auth"
	"circle/internal/config"
	"circle/internal/limit"
	"circle/internal/match"
	"circle/internal/metrics"
	"circle/internal/pipeline"
	"circle/internal/presence"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MemberResolver 供网关校验加入房间的成员资格。
type MemberResolver interface {
	GetChatMembers(chatID uint) ([]uint, error)
}

// Gateway 是实时层的入口：认证、准入、事件路由都在这里收口。
type Gateway struct {
	cfg      config.Config
	hub      *Hub
	presence *presence.Tracker
	pipe     *pipeline.Pipeline
	match    *match.Coordinator
	limiter  *limit.Limiter
	adm      *limit.Admission
	members  MemberResolver
}

func NewGateway(cfg config.Config, hub *Hub, tracker *presence.Tracker, pipe *pipeline.Pipeline, coord *match.Coordinator, limiter *limit.Limiter, adm *limit.Admission, members MemberResolver) *Gateway {
	return &Gateway{
		cfg:      cfg,
		hub:      hub,
		presence: tracker,
		pipe:     pipe,
		match:    coord,
		limiter:  limiter,
		adm:      adm,
		members:  members,
	}
}

// Client 对应一条活跃连接（Session）。
type Client struct {
	id     string
	userID uint
	conn   *websocket.Conn
	send   chan []byte

	mu    sync.Mutex
	rooms map[uint]bool

	idleTimer *time.Timer
}

// push 非阻塞投递；发送缓冲满视为慢客户端，本条丢弃。
func (c *Client) push(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) pushJSON(g *Gateway, payload interface{}) {
	g.hub.pushTo(c, payload)
}

func (c *Client) joinedRooms() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Client) inRoom(chatID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[chatID]
}

// Serve 处理握手：解析身份、执行准入控制、再把连接交给读写泵。
// 准入拒绝是终态握手失败，客户端需退避重连。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID uint
		if token := auth.BearerToken(c); token != "" {
			claims, err := auth.ParseAccessToken(token, g.cfg.JWTSecret)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			userID = claims.UserID
		}

		ok, reason := g.adm.Admit(c.Request.Context(), userID)
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": reason})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			g.adm.Release(context.Background(), userID)
			return
		}

		client := &Client{
			id:     uuid.NewString(),
			userID: userID,
			conn:   conn,
			send:   make(chan []byte, 256),
			rooms:  make(map[uint]bool),
		}
		metrics.WsConnections.Inc()
		log.Info().Str("session_id", client.id).Uint("user_id", userID).Msg("session established")

		// 认证连接自动挂到每用户通道，并回放配对状态
		if userID != 0 {
			g.hub.JoinUser(userID, client)
			g.match.Replay(userID)
		}

		go g.writePump(client)
		g.readPump(client)
	}
}

func (g *Gateway) readPump(c *Client) {
	defer g.cleanup(c)

	c.conn.SetReadLimit(1 << 20) // 1MB
	// 传输层兜底 deadline，空闲断开由 idleTimer 单独控制
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * g.cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * g.cfg.IdleTimeout))
	})

	// 空闲超时：只有入站事件会重置，pong 不算活跃
	c.idleTimer = time.AfterFunc(g.cfg.IdleTimeout, func() {
		log.Info().Str("session_id", c.id).Msg("idle timeout, disconnecting")
		_ = c.conn.Close()
	})
	defer c.idleTimer.Stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.idleTimer.Reset(g.cfg.IdleTimeout)
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * g.cfg.IdleTimeout))

		in, err := ParseInbound(data)
		if err != nil {
			c.pushJSON(g, ErrorEvent{Type: "error", Code: pipeline.CodeInvalidPayload, Message: "unrecognized event"})
			continue
		}
		g.dispatch(c, in)
	}
}

// dispatch 把入站事件路由到限流、在场、管线或配对协调器。
// 事件在本连接内顺序处理，保证同一发送者的发送序。
func (g *Gateway) dispatch(c *Client, in *Inbound) {
	ctx := context.Background()

	// 变更类操作必须有已解析的身份
	if c.userID == 0 {
		c.pushJSON(g, ErrorEvent{Type: "error", Code: "unauthenticated", Message: "authentication required"})
		return
	}

	// 限流前置：hard 规则回显式拒绝，soft 规则静默丢弃
	rule := g.limiter.RuleFor(in.Type)
	if !g.limiter.Allow(ctx, c.userID, in.Type) {
		metrics.WsRejectedTotal.WithLabelValues(pipeline.CodeRateLimited).Inc()
		if rule.Hard {
			c.pushJSON(g, ErrorEvent{Type: "error", Code: pipeline.CodeRateLimited, Message: "rate limit exceeded"})
		}
		return
	}

	switch in.Type {
	case EvRoomJoin:
		g.handleRoomJoin(c, in)
	case EvRoomLeave:
		g.handleRoomLeave(c, in)
	case EvMessageSend:
		msg, err := g.pipe.Send(ctx, in.ChatID, c.userID, in.Text, in.MediaRef)
		if err != nil {
			g.sendErr(c, err)
			return
		}
		c.pushJSON(g, AckEvent{Type: "ack", Event: in.Type, ChatID: in.ChatID, MessageID: msg.ID})
	case EvMessageEdit:
		if _, err := g.pipe.Edit(ctx, in.MessageID, c.userID, in.Text); err != nil {
			g.sendErr(c, err)
			return
		}
		c.pushJSON(g, AckEvent{Type: "ack", Event: in.Type, MessageID: in.MessageID})
	case EvMessageDelete:
		if err := g.pipe.Delete(ctx, in.MessageID, c.userID); err != nil {
			g.sendErr(c, err)
			return
		}
		c.pushJSON(g, AckEvent{Type: "ack", Event: in.Type, MessageID: in.MessageID})
	case EvMarkRead:
		if _, err := g.pipe.MarkAllRead(ctx, in.ChatID, c.userID); err != nil {
			g.sendErr(c, err)
			return
		}
		c.pushJSON(g, AckEvent{Type: "ack", Event: in.Type, ChatID: in.ChatID})
	case EvReceiptUpdate:
		if err := g.pipe.UpdateReceipt(ctx, in.MessageID, c.userID, in.Status); err != nil {
			g.sendErr(c, err)
			return
		}
	case EvReactionToggle:
		if _, err := g.pipe.ToggleReaction(ctx, in.MessageID, c.userID, in.Emoji); err != nil {
			g.sendErr(c, err)
			return
		}
	case EvTypingSet:
		// 打字信号不落库，只对已加入的房间转发
		if !c.inRoom(in.ChatID) {
			return
		}
		g.hub.ToRoom(in.ChatID, TypingEvent{Type: "typing", ChatID: in.ChatID, UserID: c.userID, IsTyping: in.IsTyping})
	case EvPresenceActive:
		g.presence.SetActive(in.ChatID, c.id, in.IsActive)
	case EvMatchSearchStart:
		prefs := match.Preferences{}
		if in.Preferences != nil {
			prefs = *in.Preferences
		}
		g.match.StartSearch(c.userID, prefs)
	case EvMatchSearchCancel:
		g.match.Cancel(c.userID)
	case EvMatchDecide:
		switch in.Decision {
		case "accept":
			g.match.Decide(c.userID, true)
		case "pass":
			g.match.Decide(c.userID, false)
		default:
			c.pushJSON(g, ErrorEvent{Type: "error", Code: pipeline.CodeInvalidPayload, Message: "decision must be accept or pass"})
		}
	case EvMatchReveal:
		if _, err := g.pipe.Reveal(ctx, in.ChatID, c.userID); err != nil {
			g.sendErr(c, err)
			return
		}
		c.pushJSON(g, AckEvent{Type: "ack", Event: in.Type, ChatID: in.ChatID})
	case EvMatchEnd:
		if err := g.pipe.EndMatch(ctx, in.ChatID, c.userID); err != nil {
			g.sendErr(c, err)
			return
		}
		c.pushJSON(g, AckEvent{Type: "ack", Event: in.Type, ChatID: in.ChatID})
	}
}

func (g *Gateway) handleRoomJoin(c *Client, in *Inbound) {
	members, err := g.members.GetChatMembers(in.ChatID)
	if err != nil {
		g.sendErr(c, err)
		return
	}
	isMember := false
	for _, m := range members {
		if m == c.userID {
			isMember = true
			break
		}
	}
	if !isMember {
		c.pushJSON(g, ErrorEvent{Type: "error", Code: pipeline.CodeNotMember, Message: "not a member of this chat"})
		return
	}
	c.mu.Lock()
	c.rooms[in.ChatID] = true
	c.mu.Unlock()
	g.hub.JoinRoom(in.ChatID, c)
	g.presence.Join(in.ChatID, c.id, c.userID)
	c.pushJSON(g, AckEvent{Type: "ack", Event: in.Type, ChatID: in.ChatID})
}

func (g *Gateway) handleRoomLeave(c *Client, in *Inbound) {
	c.mu.Lock()
	delete(c.rooms, in.ChatID)
	c.mu.Unlock()
	g.hub.LeaveRoom(in.ChatID, c)
	g.presence.Leave(in.ChatID, c.id)
}

// sendErr 把管线错误映射为 wire error 事件；未知错误按临时存储故障上报。
func (g *Gateway) sendErr(c *Client, err error) {
	evt := ErrorEvent{Type: "error", Code: pipeline.CodeStoreError, Message: "temporary failure, retry"}
	if r, ok := pipeline.AsReject(err); ok {
		evt.Code = r.Code
		evt.Message = r.Message
		evt.Category = r.Category
	}
	metrics.WsRejectedTotal.WithLabelValues(evt.Code).Inc()
	c.pushJSON(g, evt)
}

// cleanup 统一做断连清理：退房、归还准入名额、必要时撤配对。
func (g *Gateway) cleanup(c *Client) {
	_ = c.conn.Close()
	rooms := c.joinedRooms()
	g.presence.DropSession(c.id, rooms)
	g.hub.DropClient(c)
	g.adm.Release(context.Background(), c.userID)
	metrics.WsConnections.Dec()

	// 用户的最后一条连接断开才撤销搜索与提议
	if c.userID != 0 && g.hub.UserSessions(c.userID) == 0 {
		g.match.Disconnect(c.userID)
	}
	log.Info().Str("session_id", c.id).Uint("user_id", c.userID).Msg("session closed")
}

func (g *Gateway) writePump(c *Client) {
	pingTicker := time.NewTicker(10 * time.Second)
	rejoinTicker := time.NewTicker(g.cfg.UserChannelRejoin)
	defer func() {
		pingTicker.Stop()
		rejoinTicker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-pingTicker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-rejoinTicker.C:
			// 自愈：重连竞态可能把连接挤出用户通道，周期性补挂
			if c.userID != 0 && !g.hub.InUserChannel(c.userID, c) {
				g.hub.JoinUser(c.userID, c)
			}
		}
	}
}
