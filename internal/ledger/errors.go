package ledger

import "errors"

// 错误分类。所有操作都用 fmt.Errorf("%w: ...") 包装，调用方用 errors.Is 判断。
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidInput  = errors.New("invalid input")
)

// Kind 返回错误分类名，用于指标和日志
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}

// IsRejection 是否为业务拒绝（区别于基础设施错误）
func IsRejection(err error) bool {
	switch Kind(err) {
	case "ok", "error":
		return false
	default:
		return true
	}
}
