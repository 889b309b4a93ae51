package proxypool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/internal/shared/types"
	"liuproxy_egress/proxypool/model"
	"liuproxy_egress/proxypool/storage"
)

var (
	// ErrNoIdentityAvailable 表示池为空或所有身份都处于封禁期。
	ErrNoIdentityAvailable = errors.New("no identity available")
	// ErrUnknownIdentity is returned by report calls for ids the store never saw.
	ErrUnknownIdentity = errors.New("unknown identity")
)

// Strategy 决定 SelectNext 如何在可用身份之间挑选。
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round-robin"
	StrategyPerformance Strategy = "performance"
	StrategyRandom      Strategy = "random"
)

// ParseStrategy accepts the values allowed in [pool] rotation_strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyPerformance, StrategyRandom:
		return Strategy(s), nil
	case "":
		return StrategyRoundRobin, nil
	}
	return "", fmt.Errorf("unknown rotation strategy %q", s)
}

// 响应时间 EWMA 的权重
const (
	ewmaOld = 0.8
	ewmaNew = 0.2
)

// Options 配置 Store 的阈值与策略。Now 和 Rand 可以在测试中替换。
type Options struct {
	MaxFails    int
	BanDuration time.Duration
	Strategy    Strategy
	Now         func() time.Time
	Rand        *rand.Rand
}

// OptionsFromConfig builds store options from the [pool] section.
func OptionsFromConfig(cfg types.PoolConf) (Options, error) {
	strategy, err := ParseStrategy(cfg.RotationStrategy)
	if err != nil {
		return Options{}, &types.ConfigurationError{Source: "pool.rotation_strategy", Reason: "invalid value", Err: err}
	}
	return Options{
		MaxFails:    cfg.MaxFails,
		BanDuration: time.Duration(cfg.BanDurationSeconds) * time.Second,
		Strategy:    strategy,
	}, nil
}

// Stats 是仪表盘和 CLI 使用的聚合计数。
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Banned    int `json:"banned"`
	Measured  int `json:"measured"`
}

// Store 是所有 worker 共享的身份表。所有写操作都经过 mu；
// CountAvailable 只读取 avail 快照，不加锁。
type Store struct {
	opts    Options
	storage storage.Storage

	mu      sync.Mutex
	records map[string]*model.Identity
	order   []string // 插入顺序, round-robin 游标在其上移动
	cursor  int

	// 每条记录的 banned_until (零值表示未封禁)，每次变更后重建
	avail atomic.Pointer[[]time.Time]

	saveCh   chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// NewStore creates an empty store. st may be nil for a purely in-memory pool.
func NewStore(opts Options, st storage.Storage) *Store {
	if opts.MaxFails <= 0 {
		opts.MaxFails = 3
	}
	if opts.BanDuration <= 0 {
		opts.BanDuration = 30 * time.Minute
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyRoundRobin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}

	s := &Store{
		opts:     opts,
		storage:  st,
		records:  make(map[string]*model.Identity),
		saveCh:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	s.avail.Store(&[]time.Time{})

	if st != nil {
		s.wg.Add(1)
		go s.saveLoop()
	}
	return s
}

// Load 从持久化层读入身份并合并到内存表。已存在的 id 会被磁盘上的版本覆盖。
func (s *Store) Load() error {
	if s.storage == nil {
		return nil
	}
	identities, err := s.storage.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, id := range identities {
		if _, exists := s.records[id.ID]; !exists {
			s.order = append(s.order, id.ID)
		}
		c := id.Clone()
		s.records[id.ID] = &c
	}
	s.rebuildSnapshotLocked()
	s.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Store")
	l.Info().Int("count", len(identities)).Msg("Identities loaded into store.")
	return nil
}

// Add 插入一条身份。id 已存在时不做任何改动并返回 false，已有统计保持不变。
func (s *Store) Add(rec model.Identity) (bool, error) {
	if rec.Protocol == "" {
		rec.Protocol = model.ProtocolHTTP
	}
	if err := rec.Validate(); err != nil {
		return false, &types.ConfigurationError{Source: rec.Address(), Reason: "invalid identity", Err: err}
	}
	if rec.ID == "" {
		rec.ID = model.IdentityID(rec.Protocol, rec.Host, rec.Port)
	}

	s.mu.Lock()
	if _, exists := s.records[rec.ID]; exists {
		s.mu.Unlock()
		return false, nil
	}
	c := rec.Clone()
	s.records[rec.ID] = &c
	s.order = append(s.order, rec.ID)
	s.rebuildSnapshotLocked()
	s.mu.Unlock()

	s.schedulePersist()
	return true, nil
}

// SelectNext 按配置的策略返回一个未封禁的身份副本，并更新其 last_used_at。
func (s *Store) SelectNext() (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	s.releaseExpiredLocked(now)

	var picked *model.Identity
	switch s.opts.Strategy {
	case StrategyPerformance:
		picked = s.pickFastestLocked(now)
	case StrategyRandom:
		picked = s.pickRandomLocked(now)
	default:
		picked = s.pickRoundRobinLocked(now)
	}
	if picked == nil {
		return model.Identity{}, ErrNoIdentityAvailable
	}

	picked.LastUsedAt = now
	s.schedulePersist()
	return picked.Clone(), nil
}

func (s *Store) pickRoundRobinLocked(now time.Time) *model.Identity {
	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		rec := s.records[s.order[idx]]
		if !rec.BannedAt(now) {
			s.cursor = (idx + 1) % n
			return rec
		}
	}
	return nil
}

func (s *Store) pickFastestLocked(now time.Time) *model.Identity {
	var best *model.Identity
	for _, id := range s.order {
		rec := s.records[id]
		if rec.BannedAt(now) {
			continue
		}
		if best == nil || fasterThan(rec, best) {
			best = rec
		}
	}
	return best
}

// fasterThan: 已测得的身份优先于未测得的，相同时最久未使用的优先。
func fasterThan(a, b *model.Identity) bool {
	switch {
	case a.AvgResponseTime != nil && b.AvgResponseTime == nil:
		return true
	case a.AvgResponseTime == nil && b.AvgResponseTime != nil:
		return false
	case a.AvgResponseTime != nil && *a.AvgResponseTime != *b.AvgResponseTime:
		return *a.AvgResponseTime < *b.AvgResponseTime
	}
	return a.LastUsedAt.Before(b.LastUsedAt)
}

func (s *Store) pickRandomLocked(now time.Time) *model.Identity {
	candidates := make([]*model.Identity, 0, len(s.order))
	for _, id := range s.order {
		if rec := s.records[id]; !rec.BannedAt(now) {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[s.opts.Rand.IntN(len(candidates))]
}

// releaseExpiredLocked 清除已过期的封禁，并把 fail_count 归零。
func (s *Store) releaseExpiredLocked(now time.Time) {
	changed := false
	for _, rec := range s.records {
		if rec.BannedUntil != nil && !rec.BannedAt(now) {
			rec.BannedUntil = nil
			rec.FailCount = 0
			changed = true
		}
	}
	if changed {
		s.rebuildSnapshotLocked()
	}
}

// ReportSuccess 清零失败计数、解除封禁，并把 latency 计入 EWMA。
func (s *Store) ReportSuccess(id string, latency time.Duration) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}

	sample := latency.Seconds()
	if rec.AvgResponseTime == nil {
		rec.AvgResponseTime = &sample
	} else {
		avg := ewmaOld*(*rec.AvgResponseTime) + ewmaNew*sample
		rec.AvgResponseTime = &avg
	}
	rec.FailCount = 0
	rec.BannedUntil = nil
	s.rebuildSnapshotLocked()
	s.mu.Unlock()

	s.schedulePersist()
	return nil
}

// ReportFailure 增加失败计数；forceBan 直接把计数推到 max_fails。
// 达到阈值时封禁 ban_duration。已在封禁期内的身份不会被延长封禁。
func (s *Store) ReportFailure(id string, forceBan bool) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}

	now := s.opts.Now()
	if forceBan {
		rec.FailCount = max(rec.FailCount, s.opts.MaxFails)
	} else {
		rec.FailCount++
	}

	banned := false
	if rec.FailCount >= s.opts.MaxFails && !rec.BannedAt(now) {
		until := now.Add(s.opts.BanDuration)
		rec.BannedUntil = &until
		banned = true
		s.rebuildSnapshotLocked()
	}
	failCount := rec.FailCount
	s.mu.Unlock()

	if banned {
		l := logger.WithComponent("ProxyPool/Store")
		l.Warn().
			Str("identity_id", id).
			Int("fail_count", failCount).
			Bool("forced", forceBan).
			Dur("ban", s.opts.BanDuration).
			Msg("Identity banned.")
	}
	s.schedulePersist()
	return nil
}

// CountAvailable 返回当前未封禁的身份数量。只读快照，不获取 mu。
func (s *Store) CountAvailable() int {
	now := s.opts.Now()
	count := 0
	for _, until := range *s.avail.Load() {
		if until.IsZero() || !until.After(now) {
			count++
		}
	}
	return count
}

func (s *Store) rebuildSnapshotLocked() {
	snap := make([]time.Time, 0, len(s.records))
	for _, rec := range s.records {
		if rec.BannedUntil != nil {
			snap = append(snap, *rec.BannedUntil)
		} else {
			snap = append(snap, time.Time{})
		}
	}
	s.avail.Store(&snap)
}

// Len returns the total number of identities, banned or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Get returns a copy of one identity.
func (s *Store) Get(id string) (model.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return model.Identity{}, false
	}
	return rec.Clone(), true
}

// Snapshot returns copies of every identity, sorted by id.
func (s *Store) Snapshot() []model.Identity {
	s.mu.Lock()
	list := make([]model.Identity, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, rec.Clone())
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Stats 汇总池的状态。
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	st := Stats{Total: len(s.records)}
	for _, rec := range s.records {
		if rec.BannedAt(now) {
			st.Banned++
		} else {
			st.Available++
		}
		if rec.AvgResponseTime != nil {
			st.Measured++
		}
	}
	return st
}

// Annotate 填写身份的国家信息 (来自 feed 或 GeoIP)。
func (s *Store) Annotate(id, country string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	rec.Country = country
	s.mu.Unlock()

	s.schedulePersist()
	return nil
}

// MarkChecked records when the verifier last probed the identity.
func (s *Store) MarkChecked(id string, at time.Time) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	rec.LastCheckedAt = at
	s.mu.Unlock()

	s.schedulePersist()
	return nil
}

// schedulePersist 合并写请求：saveCh 已有待处理信号时直接丢弃。
func (s *Store) schedulePersist() {
	if s.storage == nil {
		return
	}
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

func (s *Store) saveLoop() {
	defer s.wg.Done()
	l := logger.WithComponent("ProxyPool/Store")
	for {
		select {
		case <-s.saveCh:
			if err := s.Flush(); err != nil {
				l.Error().Err(err).Msg("Failed to persist identities.")
			}
		case <-s.stopChan:
			return
		}
	}
}

// Flush 同步地把当前表写入持久化层。
func (s *Store) Flush() error {
	if s.storage == nil {
		return nil
	}
	s.mu.Lock()
	list := make([]*model.Identity, 0, len(s.records))
	for _, rec := range s.records {
		c := rec.Clone()
		list = append(list, &c)
	}
	s.mu.Unlock()
	return s.storage.Save(list)
}

// Close 停止后台写入，做最后一次 Flush，并关闭持久化层。
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.storage == nil {
		return nil
	}
	close(s.stopChan)
	s.wg.Wait()

	if err := s.Flush(); err != nil {
		return err
	}
	return s.storage.Close()
}
