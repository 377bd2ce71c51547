package main

import (
	"circle/internal/config"
	"circle/internal/db"
	"circle/internal/gate"
	"circle/internal/limit"
	clog "circle/internal/log"
	"circle/internal/match"
	"circle/internal/notify"
	"circle/internal/pipeline"
	"circle/internal/presence"
	"circle/internal/repo"
	"circle/internal/server"
	"circle/internal/store"
	"circle/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 负责装配：配置、日志、存储、各组件的依赖注入与启动。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	rdb, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}

	var notifier pipeline.Notifier = notify.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		bridge, err := notify.NewBridge(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka connect")
		}
		defer bridge.Close()
		notifier = bridge
	}

	limiter := limit.NewLimiter(rdb, cfg.RateMaxEvents, cfg.RateWindow)
	// 打字与前台信号超限时静默丢弃，其余事件回显式拒绝
	limiter.SetRule(limit.Rule{Event: ws.EvTypingSet, Max: cfg.RateMaxEvents, Window: cfg.RateWindow, Hard: false})
	limiter.SetRule(limit.Rule{Event: ws.EvPresenceActive, Max: cfg.RateMaxEvents, Window: cfg.RateWindow, Hard: false})
	admission := limit.NewAdmission(rdb, cfg.MaxTotalConnections, cfg.MaxUserConnections)

	rp := repo.New(gdb)
	hub := ws.NewHub()
	tracker := presence.NewTracker(hub)
	gk := gate.New(cfg.GateTimeout)
	pipe := pipeline.New(rp, gk, hub, notifier)
	coord := match.NewCoordinator(rp, hub, notifier, cfg.ProposalTTL)
	defer coord.Stop()

	gw := ws.NewGateway(cfg, hub, tracker, pipe, coord, limiter, admission, rp)

	r := server.SetupRouter(cfg, gdb, rp, gw, tracker)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
