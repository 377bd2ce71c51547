package limit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rule 描述某类事件的限流参数。Hard 表示超限时要向客户端回显式拒绝，
// 否则静默丢弃（如 typing 信号）。
type Rule struct {
	Event  string
	Max    int
	Window time.Duration
	Hard   bool
}

// Limiter 基于 Redis 固定窗口计数限流，所有网关进程共享同一组计数器。
type Limiter struct {
	rdb           *redis.Client
	defaultMax    int
	defaultWindow time.Duration
	rules         map[string]Rule
}

func NewLimiter(rdb *redis.Client, defaultMax int, defaultWindow time.Duration) *Limiter {
	return &Limiter{
		rdb:           rdb,
		defaultMax:    defaultMax,
		defaultWindow: defaultWindow,
		rules:         make(map[string]Rule),
	}
}

// SetRule 为单个事件类型覆盖默认限流参数。
func (l *Limiter) SetRule(r Rule) {
	l.rules[r.Event] = r
}

// RuleFor 返回事件对应的规则，未覆盖时回退到默认值（硬拒绝）。
func (l *Limiter) RuleFor(event string) Rule {
	if r, ok := l.rules[event]; ok {
		return r
	}
	return Rule{Event: event, Max: l.defaultMax, Window: l.defaultWindow, Hard: true}
}

// Lua 脚本：原子执行 INCR 与首次访问时的 EXPIRE。
const fixedWindowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`

func eventKey(userID uint, event string) string {
	return fmt.Sprintf("rl:%d:%s", userID, event)
}

// Allow 判断 (user, event) 在当前窗口内是否放行。
// 存储故障时放行（fail-open）：宁可放过也不因基础设施抖动拒绝正常流量。
func (l *Limiter) Allow(ctx context.Context, userID uint, event string) bool {
	r := l.RuleFor(event)
	res, err := l.rdb.Eval(ctx, fixedWindowScript,
		[]string{eventKey(userID, event)},
		r.Max, int(r.Window.Seconds())).Int()
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Str("event", event).Msg("rate limiter store failure, allowing")
		return true
	}
	return res == 1
}
