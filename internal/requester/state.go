package requester

import (
	"math/rand/v2"
	"time"
)

// State 是单次逻辑请求所处的状态。
type State int

const (
	StateBound State = iota
	StateSent
	StateSucceeded
	StateChallengeDetected
	StateTransportFailed
	StateRebinding
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateSent:
		return "sent"
	case StateSucceeded:
		return "succeeded"
	case StateChallengeDetected:
		return "challenge-detected"
	case StateTransportFailed:
		return "transport-failed"
	case StateRebinding:
		return "rebinding"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// transition 返回下一个状态。attempt 是已经完成的重绑次数。
// Sent 的结果由响应决定，不经过这里；Succeeded 和 Failed 是终态。
func transition(s State, attempt, maxRetries int) State {
	switch s {
	case StateBound:
		return StateSent
	case StateChallengeDetected, StateTransportFailed:
		if attempt >= maxRetries {
			return StateFailed
		}
		return StateRebinding
	case StateRebinding:
		return StateBound
	}
	return s
}

// backoff = min(base * 2^attempt, max)，jitter 时再乘以 [0.75, 1.25)。
func backoff(attempt int, base, maxDelay time.Duration, jitter bool) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	if jitter {
		d = time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
	}
	return d
}
