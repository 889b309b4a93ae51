package proxypool

import (
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"liuproxy_egress/proxypool/model"
	"liuproxy_egress/proxypool/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, strategy Strategy, clock *fakeClock) *Store {
	t.Helper()
	s := NewStore(Options{
		MaxFails:    3,
		BanDuration: 30 * time.Minute,
		Strategy:    strategy,
		Now:         clock.Now,
		Rand:        rand.New(rand.NewPCG(1, 2)),
	}, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustAdd(t *testing.T, s *Store, host string, port int) string {
	t.Helper()
	rec := model.New(model.ProtocolHTTP, host, port)
	added, err := s.Add(*rec)
	if err != nil || !added {
		t.Fatalf("Add(%s) = %v, %v", rec.ID, added, err)
	}
	return rec.ID
}

func TestStore_AddIsIdempotentAndKeepsStats(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, StrategyRoundRobin, clock)
	id := mustAdd(t, s, "10.0.0.1", 8080)

	if err := s.ReportSuccess(id, 200*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := s.ReportFailure(id, false); err != nil {
		t.Fatal(err)
	}

	added, err := s.Add(*model.New(model.ProtocolHTTP, "10.0.0.1", 8080))
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("Expected second Add of the same id to be a no-op")
	}
	if s.Len() != 1 {
		t.Fatalf("Expected exactly one record, got %d", s.Len())
	}
	rec, _ := s.Get(id)
	if rec.FailCount != 1 {
		t.Errorf("Expected fail_count 1 to be preserved, got %d", rec.FailCount)
	}
	if rec.AvgResponseTime == nil || *rec.AvgResponseTime != 0.2 {
		t.Errorf("Expected avg_response_time 0.2 to be preserved, got %v", rec.AvgResponseTime)
	}
}

func TestStore_AddRejectsInvalidRecord(t *testing.T) {
	s := newTestStore(t, StrategyRoundRobin, &fakeClock{now: time.Now()})
	if _, err := s.Add(model.Identity{Host: "", Port: 80, Protocol: model.ProtocolHTTP}); err == nil {
		t.Error("Expected an error for an empty host")
	}
	if _, err := s.Add(model.Identity{Host: "1.2.3.4", Port: 70000, Protocol: model.ProtocolHTTP}); err == nil {
		t.Error("Expected an error for an out-of-range port")
	}
}

func TestStore_AddNormalizesProtocolAlias(t *testing.T) {
	s := newTestStore(t, StrategyRoundRobin, &fakeClock{now: time.Now()})
	if _, err := s.Add(model.Identity{Host: "1.2.3.4", Port: 1080, Protocol: "socks"}); err != nil {
		t.Fatal(err)
	}
	rec, ok := s.Get("socks5-1.2.3.4-1080")
	if !ok || rec.Protocol != model.ProtocolSOCKS5 {
		t.Errorf("Expected canonical socks5 identity, got %+v (found=%v)", rec, ok)
	}
}

func TestStore_ReportSuccessResetsFailCountAndSeedsAverage(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, StrategyRoundRobin, clock)
	id := mustAdd(t, s, "10.0.0.1", 8080)

	for i := 0; i < 5; i++ {
		s.ReportFailure(id, false)
	}
	if err := s.ReportSuccess(id, time.Second); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Get(id)
	if rec.FailCount != 0 {
		t.Errorf("Expected fail_count 0 after success, got %d", rec.FailCount)
	}
	if rec.BannedUntil != nil {
		t.Errorf("Expected ban cleared after success, got %v", rec.BannedUntil)
	}
	if rec.AvgResponseTime == nil || *rec.AvgResponseTime != 1.0 {
		t.Fatalf("Expected first sample to seed the average, got %v", rec.AvgResponseTime)
	}

	s.ReportSuccess(id, 2*time.Second)
	rec, _ = s.Get(id)
	want := 0.8*1.0 + 0.2*2.0
	if math.Abs(*rec.AvgResponseTime-want) > 1e-9 {
		t.Errorf("Expected EWMA %.4f, got %.4f", want, *rec.AvgResponseTime)
	}
}

func TestStore_BanAfterMaxFails(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, StrategyRoundRobin, clock)
	id := mustAdd(t, s, "10.0.0.1", 8080)

	callTime := clock.now
	for i := 0; i < 3; i++ {
		s.ReportFailure(id, false)
	}
	rec, _ := s.Get(id)
	if rec.BannedUntil == nil || !rec.BannedUntil.After(callTime) {
		t.Fatalf("Expected banned_until after %v, got %v", callTime, rec.BannedUntil)
	}
}

func TestStore_ForceBanAndNoExtension(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, StrategyRoundRobin, clock)
	id := mustAdd(t, s, "10.0.0.1", 8080)

	s.ReportFailure(id, true)
	rec, _ := s.Get(id)
	if rec.FailCount != 3 || rec.BannedUntil == nil {
		t.Fatalf("Expected force ban to set fail_count=3 and ban, got %d / %v", rec.FailCount, rec.BannedUntil)
	}
	firstBan := *rec.BannedUntil

	clock.Advance(10 * time.Minute)
	s.ReportFailure(id, true)
	rec, _ = s.Get(id)
	if !rec.BannedUntil.Equal(firstBan) {
		t.Errorf("Expected ban to stay at %v, got %v", firstBan, rec.BannedUntil)
	}
}

func TestStore_ScenarioA_CountAvailableDrops(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, StrategyRoundRobin, clock)
	id := mustAdd(t, s, "10.0.0.1", 8080)
	mustAdd(t, s, "10.0.0.2", 8080)
	mustAdd(t, s, "10.0.0.3", 8080)

	if got := s.CountAvailable(); got != 3 {
		t.Fatalf("Expected 3 available, got %d", got)
	}
	for i := 0; i < 3; i++ {
		s.ReportFailure(id, false)
	}
	if got := s.CountAvailable(); got != 2 {
		t.Errorf("Expected 2 available after ban, got %d", got)
	}

	// 封禁到期后重新计为可用
	clock.Advance(31 * time.Minute)
	if got := s.CountAvailable(); got != 3 {
		t.Errorf("Expected 3 available after ban expiry, got %d", got)
	}
}

func TestStore_RoundRobinSkipsBannedAndWraps(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, StrategyRoundRobin, clock)
	a := mustAdd(t, s, "10.0.0.1", 1)
	b := mustAdd(t, s, "10.0.0.2", 2)
	c := mustAdd(t, s, "10.0.0.3", 3)

	s.ReportFailure(b, true)

	var got []string
	for i := 0; i < 4; i++ {
		rec, err := s.SelectNext()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, rec.ID)
	}
	want := []string{a, c, a, c}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Selection order = %v, want %v", got, want)
		}
	}
}

func TestStore_SelectNextAllBanned(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, StrategyRoundRobin, clock)

	if _, err := s.SelectNext(); !errors.Is(err, ErrNoIdentityAvailable) {
		t.Errorf("Expected ErrNoIdentityAvailable on empty store, got %v", err)
	}

	id := mustAdd(t, s, "10.0.0.1", 8080)
	s.ReportFailure(id, true)
	if _, err := s.SelectNext(); !errors.Is(err, ErrNoIdentityAvailable) {
		t.Errorf("Expected ErrNoIdentityAvailable when all banned, got %v", err)
	}

	clock.Advance(31 * time.Minute)
	rec, err := s.SelectNext()
	if err != nil {
		t.Fatalf("Expected identity after ban expiry, got %v", err)
	}
	if rec.BannedUntil != nil || rec.FailCount != 0 {
		t.Errorf("Expected expired ban to be cleared at selection, got %v / %d", rec.BannedUntil, rec.FailCount)
	}
	if !rec.LastUsedAt.Equal(clock.now) {
		t.Errorf("Expected last_used_at %v, got %v", clock.now, rec.LastUsedAt)
	}
}

func TestStore_PerformanceStrategy(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, StrategyPerformance, clock)
	slow := mustAdd(t, s, "10.0.0.1", 1)
	fast := mustAdd(t, s, "10.0.0.2", 2)
	mustAdd(t, s, "10.0.0.3", 3) // 未测得

	s.ReportSuccess(slow, 3*time.Second)
	s.ReportSuccess(fast, 500*time.Millisecond)

	rec, err := s.SelectNext()
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != fast {
		t.Errorf("Expected fastest identity %s, got %s", fast, rec.ID)
	}

	s.ReportFailure(fast, true)
	rec, _ = s.SelectNext()
	if rec.ID != slow {
		t.Errorf("Expected measured identity %s before unmeasured ones, got %s", slow, rec.ID)
	}
}

func TestStore_RandomStrategyOnlyReturnsAvailable(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, StrategyRandom, clock)
	banned := mustAdd(t, s, "10.0.0.1", 1)
	mustAdd(t, s, "10.0.0.2", 2)
	mustAdd(t, s, "10.0.0.3", 3)
	s.ReportFailure(banned, true)

	for i := 0; i < 50; i++ {
		rec, err := s.SelectNext()
		if err != nil {
			t.Fatal(err)
		}
		if rec.ID == banned {
			t.Fatalf("Random strategy returned banned identity %s", banned)
		}
	}
}

// 随机的成功/失败/时间推进序列下，SelectNext 永远不会返回封禁中的身份。
func TestStore_SelectNeverReturnsBannedUnderRandomSequences(t *testing.T) {
	for _, strategy := range []Strategy{StrategyRoundRobin, StrategyPerformance, StrategyRandom} {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		s := newTestStore(t, strategy, clock)
		ids := []string{
			mustAdd(t, s, "10.0.0.1", 1),
			mustAdd(t, s, "10.0.0.2", 2),
			mustAdd(t, s, "10.0.0.3", 3),
			mustAdd(t, s, "10.0.0.4", 4),
		}
		r := rand.New(rand.NewPCG(42, uint64(len(strategy))))

		for step := 0; step < 2000; step++ {
			id := ids[r.IntN(len(ids))]
			switch r.IntN(5) {
			case 0:
				s.ReportSuccess(id, time.Duration(r.IntN(3000))*time.Millisecond)
			case 1, 2:
				s.ReportFailure(id, r.IntN(10) == 0)
			case 3:
				clock.Advance(time.Duration(r.IntN(20)) * time.Minute)
			case 4:
				rec, err := s.SelectNext()
				if errors.Is(err, ErrNoIdentityAvailable) {
					if s.CountAvailable() != 0 {
						t.Fatalf("%s: no identity selected while %d available", strategy, s.CountAvailable())
					}
					continue
				}
				if err != nil {
					t.Fatal(err)
				}
				if rec.BannedUntil != nil && rec.BannedUntil.After(clock.now) {
					t.Fatalf("%s: step %d selected banned identity %s until %v", strategy, step, rec.ID, rec.BannedUntil)
				}
			}
			if fc := mustGet(t, s, id).FailCount; fc < 0 {
				t.Fatalf("%s: negative fail_count %d", strategy, fc)
			}
		}
	}
}

func mustGet(t *testing.T, s *Store, id string) model.Identity {
	t.Helper()
	rec, ok := s.Get(id)
	if !ok {
		t.Fatalf("identity %s not found", id)
	}
	return rec
}

func TestStore_UnknownIdentity(t *testing.T) {
	s := newTestStore(t, StrategyRoundRobin, &fakeClock{now: time.Now()})
	if err := s.ReportSuccess("missing", time.Second); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("Expected ErrUnknownIdentity, got %v", err)
	}
	if err := s.ReportFailure("missing", false); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("Expected ErrUnknownIdentity, got %v", err)
	}
}

func TestStore_FileRoundTripPreservesAvailability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.json")
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts := Options{MaxFails: 3, BanDuration: time.Hour, Now: clock.Now}

	s := NewStore(opts, storage.NewFileStorage(path))
	id := mustAdd(t, s, "10.0.0.1", 8080)
	mustAdd(t, s, "10.0.0.2", 8080)
	mustAdd(t, s, "10.0.0.3", 1080)
	s.ReportFailure(id, true)
	s.Annotate(id, "DE")
	want := s.CountAvailable()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	reloaded := NewStore(opts, storage.NewFileStorage(path))
	defer reloaded.Close()
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if reloaded.Len() != 3 {
		t.Fatalf("Expected 3 records after reload, got %d", reloaded.Len())
	}
	if got := reloaded.CountAvailable(); got != want {
		t.Errorf("CountAvailable after reload = %d, want %d", got, want)
	}
	if rec, _ := reloaded.Get(id); rec.Country != "DE" || rec.FailCount != 3 {
		t.Errorf("Unexpected reloaded record: %+v", rec)
	}
}
