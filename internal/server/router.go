package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"circle/internal/auth"
	"circle/internal/config"
	"circle/internal/metrics"
	"circle/internal/models"
	"circle/internal/mw"
	"circle/internal/presence"
	"circle/internal/repo"
	"circle/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, rp *repo.Repo, gw *ws.Gateway, tracker *presence.Tracker) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.CORS(cfg.Env))
	r.Use(metrics.GinMiddleware())
	// HTTP 面的 IP+路由令牌桶，与 ws 事件级限流互相独立。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", func(c *gin.Context) {
		var req struct {
			Username   string  `json:"username"`
			Password   string  `json:"password"`
			Age        int     `json:"age"`
			Gender     string  `json:"gender"`
			GenderPref string  `json:"gender_pref"`
			Latitude   float64 `json:"latitude"`
			Longitude  float64 `json:"longitude"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		if req.Username == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		if len(req.Username) < 2 || len(req.Username) > 64 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
			return
		}
		if len(req.Password) < 4 || len(req.Password) > 128 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
			return
		}
		var count int64
		if err := db.Model(&models.User{}).Where("username = ?", req.Username).Count(&count).Error; err != nil {
			log.Error().Err(err).Str("username", req.Username).Msg("register count")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
			return
		}
		if count > 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			log.Error().Err(err).Str("username", req.Username).Msg("register hash password")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
			return
		}
		user := models.User{
			Username:     req.Username,
			PasswordHash: hash,
			Age:          req.Age,
			Gender:       req.Gender,
			GenderPref:   req.GenderPref,
			Latitude:     req.Latitude,
			Longitude:    req.Longitude,
		}
		if err := db.Create(&user).Error; err != nil {
			log.Error().Err(err).Str("username", req.Username).Msg("register create user")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username})
	})

	api.POST("/auth/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		if req.Username == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		var user models.User
		if err := db.Where("username = ?", req.Username).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			log.Error().Err(err).Str("username", req.Username).Msg("login query user")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		if !auth.VerifyPassword(user.PasswordHash, req.Password) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		at, err := auth.GenerateAccessToken(user.ID, cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
		if err != nil {
			log.Error().Err(err).Uint("user_id", user.ID).Msg("login generate access token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		rt, err := auth.GenerateRefreshToken()
		if err != nil {
			log.Error().Err(err).Uint("user_id", user.ID).Msg("login generate refresh token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		exp := time.Now().Add(time.Duration(cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := auth.SaveRefreshToken(db, user.ID, rt, exp); err != nil {
			log.Error().Err(err).Uint("user_id", user.ID).Msg("login save refresh token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": at, "refresh_token": rt, "user": gin.H{"id": user.ID, "username": user.Username}})
	})

	api.POST("/auth/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		var (
			accessToken  string
			refreshToken string
		)
		err := db.Transaction(func(tx *gorm.DB) error {
			rec, err := auth.ValidateRefreshToken(tx, req.RefreshToken)
			if err != nil {
				return err
			}
			if err := auth.RevokeRefreshToken(tx, req.RefreshToken); err != nil {
				return err
			}
			at, err := auth.GenerateAccessToken(rec.UserID, cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
			if err != nil {
				return err
			}
			newRT, err := auth.GenerateRefreshToken()
			if err != nil {
				return err
			}
			exp := time.Now().Add(time.Duration(cfg.RefreshTokenTTLDays) * 24 * time.Hour)
			if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, exp); err != nil {
				return err
			}
			accessToken = at
			refreshToken = newRT
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Msg("refresh token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": accessToken, "refresh_token": refreshToken})
	})

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.GET("/chats/:id/messages", func(c *gin.Context) {
		chatID, err := strconv.Atoi(c.Param("id"))
		if err != nil || chatID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
			return
		}
		userID := auth.GetUserID(c)
		members, err := rp.GetChatMembers(uint(chatID))
		if err != nil {
			log.Error().Err(err).Int("chat_id", chatID).Msg("list chat members")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		isMember := false
		for _, m := range members {
			if m == userID {
				isMember = true
				break
			}
		}
		if !isMember {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		beforeID, _ := strconv.Atoi(c.Query("before_id"))
		msgs, err := rp.ListMessages(uint(chatID), limit, uint(beforeID))
		if err != nil {
			log.Error().Err(err).Int("chat_id", chatID).Msg("list messages")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		ids := make([]uint, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		reactions, err := rp.ListReactions(ids)
		if err != nil {
			log.Error().Err(err).Int("chat_id", chatID).Msg("list reactions")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		receipts, err := rp.ListReceipts(ids)
		if err != nil {
			log.Error().Err(err).Int("chat_id", chatID).Msg("list receipts")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}

		type reactionDTO struct {
			UserID uint   `json:"user_id"`
			Emoji  string `json:"emoji"`
		}
		type receiptDTO struct {
			UserID uint   `json:"user_id"`
			Status string `json:"status"`
		}
		type msgDTO struct {
			ID        uint          `json:"id"`
			ChatID    uint          `json:"chat_id"`
			SenderID  uint          `json:"sender_id"`
			Text      string        `json:"text,omitempty"`
			MediaRef  string        `json:"media_ref,omitempty"`
			EditedAt  *time.Time    `json:"edited_at,omitempty"`
			Deleted   bool          `json:"deleted,omitempty"`
			Reactions []reactionDTO `json:"reactions,omitempty"`
			Receipts  []receiptDTO  `json:"receipts,omitempty"`
			CreatedAt time.Time     `json:"created_at"`
		}

		reactionsByMsg := make(map[uint][]reactionDTO)
		for _, r := range reactions {
			reactionsByMsg[r.MessageID] = append(reactionsByMsg[r.MessageID], reactionDTO{UserID: r.UserID, Emoji: r.Emoji})
		}
		receiptsByMsg := make(map[uint][]receiptDTO)
		for _, r := range receipts {
			receiptsByMsg[r.MessageID] = append(receiptsByMsg[r.MessageID], receiptDTO{UserID: r.UserID, Status: r.Status})
		}

		out := make([]msgDTO, 0, len(msgs))
		for _, m := range msgs {
			dto := msgDTO{
				ID: m.ID, ChatID: m.ChatID, SenderID: m.SenderID,
				EditedAt: m.EditedAt, Deleted: m.Deleted, CreatedAt: m.CreatedAt,
				Reactions: reactionsByMsg[m.ID], Receipts: receiptsByMsg[m.ID],
			}
			// 墓碑不回显正文
			if !m.Deleted {
				dto.Text = m.Text
				dto.MediaRef = m.MediaRef
			}
			out = append(out, dto)
		}
		c.JSON(http.StatusOK, gin.H{"messages": out})
	})

	authed.GET("/chats/:id/presence", func(c *gin.Context) {
		chatID, err := strconv.Atoi(c.Param("id"))
		if err != nil || chatID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
			return
		}
		memberCount, activeCount, online := tracker.Snapshot(uint(chatID))
		c.JSON(http.StatusOK, gin.H{"member_count": memberCount, "active_count": activeCount, "online": online})
	})

	r.GET("/ws", gw.Serve())

	return r
}
