package proxypool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/internal/shared/types"
	"liuproxy_egress/proxypool/model"
	"liuproxy_egress/proxypool/validator"
)

// Verifier 由 validator.Verifier 实现。
type Verifier interface {
	VerifyAll(ctx context.Context, records []model.Identity) validator.Summary
}

// Refresher 由 scraper.Importer 实现。
type Refresher interface {
	RefreshAll(ctx context.Context) (int, error)
}

// ManagerOptions 对应 [pool] 中的调度参数。
type ManagerOptions struct {
	VerifyInterval  time.Duration
	RefreshInterval time.Duration
	BatchSize       int
	VerifyOnStartup bool
	AutoFetch       bool
}

func ManagerOptionsFromConfig(cfg types.PoolConf) ManagerOptions {
	return ManagerOptions{
		VerifyInterval:  time.Duration(cfg.VerifyIntervalMinutes) * time.Minute,
		RefreshInterval: time.Duration(cfg.RefreshIntervalHours) * time.Hour,
		BatchSize:       cfg.RevalidationBatchSize,
		VerifyOnStartup: cfg.VerifyOnStartup,
		AutoFetch:       cfg.AutoFetchFree,
	}
}

// InitReport summarizes what Init did.
type InitReport struct {
	Loaded   int
	Verified validator.Summary
	Fetched  int
	Working  int
}

// Manager 是身份池的后台调度器：定期复验一批身份、定期刷新 feed。
// 它从不阻塞请求路径。
type Manager struct {
	store    *Store
	verifier Verifier
	importer Refresher
	opts     ManagerOptions

	verifyTicker  *time.Ticker
	refreshTicker *time.Ticker
	stopChan      chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	stopOnce      sync.Once

	verifying   atomic.Bool
	refreshing  atomic.Bool
	emptyCycles atomic.Int32
}

// NewManager creates the scheduler. importer may be nil when no feeds are configured.
func NewManager(store *Store, verifier Verifier, importer Refresher, opts ManagerOptions) *Manager {
	if opts.VerifyInterval <= 0 {
		opts.VerifyInterval = 30 * time.Minute
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 6 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		verifier: verifier,
		importer: importer,
		opts:     opts,
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Init 是启动流程：验证已有身份；若没有可用身份且允许自动抓取，
// 则刷新免费 feed 并验证新加入的身份。
func (m *Manager) Init(ctx context.Context) InitReport {
	l := logger.WithComponent("ProxyPool/Manager")
	report := InitReport{Loaded: m.store.Len()}

	// 验证过时以验证结果为准，否则只看未封禁数量
	verified := false
	working := func() int {
		if verified {
			return report.Verified.Working
		}
		return m.store.CountAvailable()
	}

	if m.opts.VerifyOnStartup && report.Loaded > 0 {
		report.Verified = m.verifier.VerifyAll(ctx, m.store.Snapshot())
		verified = true
		l.Info().Int("working", report.Verified.Working).Int("checked", report.Verified.Checked).
			Msg("Startup verification finished.")
	}

	if m.opts.AutoFetch && m.importer != nil && working() == 0 && ctx.Err() == nil {
		l.Info().Msg("No working identities, fetching free feeds.")
		n, err := m.importer.RefreshAll(ctx)
		if err != nil {
			l.Warn().Err(err).Msg("Feed refresh failed.")
		}
		report.Fetched = n
		if n > 0 {
			s := m.verifier.VerifyAll(ctx, m.unchecked())
			report.Verified.Checked += s.Checked
			report.Verified.Working += s.Working
			report.Verified.Failed += s.Failed
			report.Verified.Elapsed += s.Elapsed
			verified = true
		}
	}

	report.Working = working()
	if report.Working == 0 {
		l.Warn().Msg("Pool has no working identities, requests will use the fallback channel.")
	}
	return report
}

// Start 启动调度循环。
func (m *Manager) Start() {
	l := logger.WithComponent("ProxyPool/Manager")
	m.verifyTicker = time.NewTicker(m.opts.VerifyInterval)
	m.refreshTicker = time.NewTicker(m.opts.RefreshInterval)
	l.Info().
		Dur("verify_interval", m.opts.VerifyInterval).
		Dur("refresh_interval", m.opts.RefreshInterval).
		Msg("Schedulers initialized.")

	m.wg.Add(1)
	go m.schedulerLoop()
}

func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	for {
		select {
		case <-m.verifyTicker.C:
			l.Debug().Msg("Verify ticker triggered.")
			m.TriggerVerify()

		case <-m.refreshTicker.C:
			l.Info().Msg("Refresh ticker triggered.")
			m.TriggerRefresh()

		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down schedulers.")
			m.verifyTicker.Stop()
			m.refreshTicker.Stop()
			return
		}
	}
}

// TriggerVerify 在后台跑一轮复验。已有一轮在跑时返回 false。
func (m *Manager) TriggerVerify() bool {
	if !m.verifying.CompareAndSwap(false, true) {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.verifying.Store(false)
		m.RunVerifyCycle(m.ctx)
	}()
	return true
}

// TriggerRefresh runs RunRefreshCycle in the background unless one is already running.
func (m *Manager) TriggerRefresh() bool {
	if m.importer == nil || !m.refreshing.CompareAndSwap(false, true) {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.refreshing.Store(false)
		m.RunRefreshCycle(m.ctx)
	}()
	return true
}

// RunVerifyCycle 复验最久未检查的一批身份。
func (m *Manager) RunVerifyCycle(ctx context.Context) validator.Summary {
	l := logger.WithComponent("ProxyPool/Manager")

	batch := m.dueBatch()
	if len(batch) == 0 {
		l.Debug().Msg("No identities to re-verify.")
		return validator.Summary{}
	}
	l.Info().Int("batch_size", len(batch)).Int("total", m.store.Len()).Msg("Starting re-verification batch.")
	summary := m.verifier.VerifyAll(ctx, batch)
	m.checkStarvation()
	return summary
}

// RunRefreshCycle 刷新所有 feed，然后只验证新加入 (从未检查过) 的身份。
func (m *Manager) RunRefreshCycle(ctx context.Context) (int, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Starting feed refresh cycle...")

	added, err := m.importer.RefreshAll(ctx)
	if err != nil {
		l.Error().Err(err).Msg("Feed refresh failed.")
	}
	if added > 0 {
		s := m.verifier.VerifyAll(ctx, m.unchecked())
		l.Info().Int("added", added).Int("working", s.Working).Msg("New identities verified.")
	}
	m.checkStarvation()
	return added, err
}

// dueBatch 按 last_checked_at 升序取 BatchSize 个，从未检查过的排最前。
func (m *Manager) dueBatch() []model.Identity {
	all := m.store.Snapshot()
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].LastCheckedAt.Before(all[j].LastCheckedAt)
	})
	if len(all) > m.opts.BatchSize {
		all = all[:m.opts.BatchSize]
	}
	return all
}

func (m *Manager) unchecked() []model.Identity {
	var out []model.Identity
	for _, rec := range m.store.Snapshot() {
		if rec.LastCheckedAt.IsZero() {
			out = append(out, rec)
		}
	}
	return out
}

// checkStarvation 在连续两个周期都没有可用身份时提醒运维。
func (m *Manager) checkStarvation() {
	if m.store.CountAvailable() > 0 {
		m.emptyCycles.Store(0)
		return
	}
	if n := m.emptyCycles.Add(1); n >= 2 {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Warn().Int32("cycles", n).
			Msg("Identity pool has had no working identities for several cycles. Add identities or feeds.")
	}
}

// EmptyCycles reports how many consecutive cycles ended with no available identity.
func (m *Manager) EmptyCycles() int {
	return int(m.emptyCycles.Load())
}

// Stop 停止调度并等待后台任务结束。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.verifyTicker != nil {
			close(m.stopChan)
		}
		m.cancel()
		m.wg.Wait()
		logger.Info().Msg("ProxyPool Manager gracefully stopped.")
	})
}
