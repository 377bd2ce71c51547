package pipeline

import "errors"

// 机器可读的拒绝码，客户端据此渲染具体 UI。
const (
	CodeInvalidPayload       = "invalid_payload"
	CodeNotMember            = "not_member"
	CodeNotSender            = "not_sender"
	CodeNotFriends           = "not_friends"
	CodeBlockedByUser        = "blocked_by_user"
	CodeUserBlocked          = "user_blocked"
	CodeMessageBlocked       = "message_blocked"
	CodePersonalInfoDetected = "personal_info_detected"
	CodeNotFound             = "not_found"
	CodeRateLimited          = "rate_limited"
	CodeStoreError           = "store_error"
)

// Reject 表示请求被业务规则终止：直接回给发起方，绝不自动重试，无副作用。
type Reject struct {
	Code     string
	Message  string
	Category string
}

func (r *Reject) Error() string { return r.Code + ": " + r.Message }

func reject(code, msg string) error {
	return &Reject{Code: code, Message: msg}
}

// AsReject 帮助网关把错误映射为 wire error 事件。
func AsReject(err error) (*Reject, bool) {
	var r *Reject
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
