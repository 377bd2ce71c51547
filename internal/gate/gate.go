package gate

import (
	"context"
	"regexp"
	"strings"
	"time"

	"circle/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Result 是闸门判定结论。Blocked 为 true 时 Category 标明命中的个人信息类别。
type Result struct {
	Blocked  bool
	Category string
}

type pattern struct {
	category string
	re       *regexp.Regexp
}

// Gate 对未揭示的盲配会话做个人信息过滤。
// 与限流器相反，这里超时或出错一律拦截（fail-closed）：
// 个人信息一旦泄露不可挽回，而误拦只需重发。
type Gate struct {
	timeout  time.Duration
	patterns []pattern
}

func New(timeout time.Duration) *Gate {
	return &Gate{
		timeout: timeout,
		patterns: []pattern{
			{"phone_number", regexp.MustCompile(`(?:\+?\d[\s\-.]?){7,15}`)},
			{"email", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
			{"url", regexp.MustCompile(`(?i)(?:https?://|www\.)\S+`)},
			{"social_handle", regexp.MustCompile(`(?i)(?:instagram|insta|ig|telegram|tg|wechat|whatsapp|snap(?:chat)?|kakao|line)\s*[:@]?\s*[A-Za-z0-9._\-]{3,}`)},
		},
	}
}

// Check 在预算时间内判定文本。调用方拿到 Blocked=true 时不得持久化该消息。
func (g *Gate) Check(ctx context.Context, matchID uint, authorID uint, text string) Result {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- g.scan(text)
	}()

	select {
	case res := <-done:
		if res.Blocked {
			g.audit(matchID, authorID, res.Category)
		}
		return res
	case <-ctx.Done():
		// 超时视为拦截，类别未知
		g.audit(matchID, authorID, "timeout")
		return Result{Blocked: true}
	}
}

func (g *Gate) scan(text string) Result {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return Result{}
	}
	for _, p := range g.patterns {
		if p.re.MatchString(normalized) {
			return Result{Blocked: true, Category: p.category}
		}
	}
	return Result{}
}

// audit 独立记录被拦截的尝试，供风控回查。
func (g *Gate) audit(matchID, authorID uint, category string) {
	metrics.GateBlocksTotal.Inc()
	log.Warn().
		Uint("match_id", matchID).
		Uint("author_id", authorID).
		Str("category", category).
		Msg("content gate blocked message")
}
