package limit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Admission 用共享原子计数维护全局与每用户的活跃连接数，
// 握手期拒绝是终态失败，客户端需退避后重连。
type Admission struct {
	rdb      *redis.Client
	maxTotal int
	maxUser  int
}

func NewAdmission(rdb *redis.Client, maxTotal, maxUser int) *Admission {
	return &Admission{rdb: rdb, maxTotal: maxTotal, maxUser: maxUser}
}

// 原子检查两个上限并同时自增，避免读-改-写竞态。
// 返回 1 放行，-1 全局超限，-2 用户超限。匿名连接 ARGV[2] 为 0，只记全局。
const admitScript = `
local total = tonumber(redis.call("GET", KEYS[1]) or "0")
if total >= tonumber(ARGV[1]) then
	return -1
end
if ARGV[2] ~= "0" then
	local user = tonumber(redis.call("GET", KEYS[2]) or "0")
	if user >= tonumber(ARGV[3]) then
		return -2
	end
	redis.call("INCR", KEYS[2])
end
redis.call("INCR", KEYS[1])
return 1
`

const releaseScript = `
local total = tonumber(redis.call("GET", KEYS[1]) or "0")
if total > 0 then
	redis.call("DECR", KEYS[1])
end
if ARGV[1] ~= "0" then
	local user = tonumber(redis.call("GET", KEYS[2]) or "0")
	if user > 0 then
		redis.call("DECR", KEYS[2])
	end
end
return 1
`

const (
	totalKey      = "conn:total"
	userKeyFormat = "conn:user:%d"
)

func userKey(userID uint) string {
	return fmt.Sprintf(userKeyFormat, userID)
}

// Admit 尝试为一条新连接占位。userID 为 0 表示匿名连接。
// 存储故障时放行，与限流器一致的 fail-open 策略。
func (a *Admission) Admit(ctx context.Context, userID uint) (bool, string) {
	res, err := a.rdb.Eval(ctx, admitScript,
		[]string{totalKey, userKey(userID)},
		a.maxTotal, fmt.Sprintf("%d", userID), a.maxUser).Int()
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("admission store failure, allowing")
		return true, ""
	}
	switch res {
	case -1:
		return false, "server_full"
	case -2:
		return false, "too_many_connections"
	}
	return true, ""
}

// Release 归还连接占位，best-effort。
func (a *Admission) Release(ctx context.Context, userID uint) {
	err := a.rdb.Eval(ctx, releaseScript,
		[]string{totalKey, userKey(userID)},
		fmt.Sprintf("%d", userID)).Err()
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("admission release failed")
	}
}
