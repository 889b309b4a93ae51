package requester

import (
	"errors"
	"fmt"

	"liuproxy_egress/internal/challenge"
)

var (
	// ErrExhaustedRetries 是终止错误：max_retries 次重绑后仍然失败。
	// 调用方应把它当作 "目标暂时不可达"，而不是致命错误。
	ErrExhaustedRetries = errors.New("exhausted retries")
	// ErrNoRoute 表示池中没有可用身份，且回退通道被禁用。
	ErrNoRoute = errors.New("no identity available and fallback channel disabled")
)

// TransportError wraps a connection, TLS or timeout failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ChallengeError 表示响应被识别为挑战页。
type ChallengeError struct {
	Kind       challenge.Kind
	StatusCode int
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("challenge detected: %s (status %d)", e.Kind, e.StatusCode)
}

// ExhaustedError carries the attempt count and the last per-attempt error.
// errors.Is(err, ErrExhaustedRetries) is true for it.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhaustedRetries, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrExhaustedRetries}
	}
	return []error{ErrExhaustedRetries, e.Last}
}
