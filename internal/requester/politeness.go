package requester

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// politeness 为每个域名维护访问间隔：基础 5s，访问 5/15/30 次后
// 分别升到 7.5s/10s/15s，再加上每个域名自己漂移的 1-5s 抖动。
type politeness struct {
	mu      sync.Mutex
	domains map[string]*domainStats
	now     func() time.Time
}

type domainStats struct {
	lastVisit time.Time
	visits    int
	jitter    float64 // 秒
}

func newPoliteness(now func() time.Time) *politeness {
	return &politeness{domains: make(map[string]*domainStats), now: now}
}

func baseDelay(visits int) time.Duration {
	switch {
	case visits > 30:
		return 15 * time.Second
	case visits > 15:
		return 10 * time.Second
	case visits > 5:
		return 7500 * time.Millisecond
	}
	return 5 * time.Second
}

// delay 计算本次访问 domain 前需要等待的时间，并记录这次访问。
func (p *politeness) delay(domain string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st, ok := p.domains[domain]
	if !ok {
		st = &domainStats{jitter: 1 + rand.Float64()*2}
		p.domains[domain] = st
	}

	total := baseDelay(st.visits) + time.Duration(st.jitter*float64(time.Second))
	var wait time.Duration
	if !st.lastVisit.IsZero() {
		if since := now.Sub(st.lastVisit); since < total {
			wait = total - since
		}
	}

	st.lastVisit = now.Add(wait)
	st.visits++
	st.jitter = min(5.0, max(1.0, st.jitter+rand.Float64()-0.5))
	return wait
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
