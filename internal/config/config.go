package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseDSN string
	JWTSecret   string
	Env         string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string

	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	// 连接准入与空闲控制
	MaxTotalConnections int
	MaxUserConnections  int
	IdleTimeout         time.Duration
	UserChannelRejoin   time.Duration

	// 事件级限流（跨进程，Redis 计数）
	RateWindow    time.Duration
	RateMaxEvents int

	// 盲聊内容闸门的判定预算
	GateTimeout time.Duration

	// 配对提议的存活时间
	ProposalTTL time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

func getseconds(key string, def int) time.Duration {
	n := getint(key, def)
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

// Validate 做启动前自检；默认 JWT 密钥只允许出现在 dev 环境。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("default jwt secret is not allowed outside dev")
	}
	return nil
}

// Load 从环境变量读取配置，未设置时回退到默认值。
func Load() Config {
	_ = godotenv.Load()

	var brokers []string
	for _, b := range strings.Split(getenv("KAFKA_BROKERS", ""), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	return Config{
		Port:        getenv("APP_PORT", "8080"),
		DatabaseDSN: getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=circle port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:   getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:         getenv("APP_ENV", "dev"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getint("REDIS_DB", 0),

		KafkaBrokers: brokers,
		KafkaTopic:   getenv("KAFKA_NOTIFY_TOPIC", "notifications"),

		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getint("REFRESH_TOKEN_TTL_DAYS", 7),

		MaxTotalConnections: getint("MAX_TOTAL_CONNECTIONS", 10000),
		MaxUserConnections:  getint("MAX_USER_CONNECTIONS", 3),
		IdleTimeout:         getseconds("IDLE_TIMEOUT_SECONDS", 30),
		UserChannelRejoin:   getseconds("USER_CHANNEL_REJOIN_SECONDS", 30),

		RateWindow:    getseconds("RATE_WINDOW_SECONDS", 60),
		RateMaxEvents: getint("RATE_MAX_EVENTS", 100),

		GateTimeout: getseconds("GATE_TIMEOUT_SECONDS", 2),
		ProposalTTL: getseconds("PROPOSAL_TTL_SECONDS", 60),
	}
}
