package scraper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/internal/shared/types"
	"liuproxy_egress/proxypool/model"
)

// Adder 是 Importer 写入的目标，通常是 proxypool.Store。
type Adder interface {
	Add(rec model.Identity) (bool, error)
}

// Importer 从各个 feed 拉取候选身份并合并进 Store。
type Importer struct {
	store       Adder
	client      *resty.Client
	concurrency int

	mu    sync.RWMutex
	feeds []Feed
}

// NewImporter creates an importer with no feeds; see AddFeed and FeedsFromConfig.
func NewImporter(store Adder, client *resty.Client, concurrency int) *Importer {
	if client == nil {
		client = NewFeedClient(20*time.Second, 2)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Importer{
		store:       store,
		client:      client,
		concurrency: concurrency,
	}
}

// AddFeed 添加一个 feed 到 RefreshAll 的列表。
func (im *Importer) AddFeed(f Feed) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.feeds = append(im.feeds, f)
}

// Feeds returns the configured feeds.
func (im *Importer) Feeds() []Feed {
	im.mu.RLock()
	defer im.mu.RUnlock()
	out := make([]Feed, len(im.feeds))
	copy(out, im.feeds)
	return out
}

// LoadFeeds 按 [feeds] 配置注册所有 feed。未知的站点名会被记录并跳过。
func (im *Importer) LoadFeeds(cfg types.FeedsConf) {
	l := logger.WithComponent("ProxyPool/Importer")
	classes := []struct {
		urls []string
		hint model.Protocol
	}{
		{cfg.HTTP, model.ProtocolHTTP},
		{cfg.HTTPS, model.ProtocolHTTPS},
		{cfg.SOCKS5, model.ProtocolSOCKS5},
	}
	for _, class := range classes {
		for _, u := range class.urls {
			if u == "" {
				continue
			}
			im.AddFeed(NewPlainFeed(u, class.hint, im.client))
		}
	}
	for _, name := range cfg.HTMLSites {
		if name == "" {
			continue
		}
		f, ok := SiteFeed(name)
		if !ok {
			l.Warn().Err(&types.ConfigurationError{Source: "feeds.html_sites", Reason: fmt.Sprintf("unknown site %q", name)}).
				Msg("Skipping unknown HTML site.")
			continue
		}
		im.AddFeed(f)
	}
}

// ImportFrom 抓取单个纯文本 feed，返回新增数量。已存在的 id 不算失败。
func (im *Importer) ImportFrom(ctx context.Context, feedURL string, hint model.Protocol) (int, error) {
	return im.importFeed(ctx, NewPlainFeed(feedURL, hint, im.client))
}

func (im *Importer) importFeed(ctx context.Context, f Feed) (int, error) {
	identities, err := f.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	return im.merge(identities, f.Name()), nil
}

// merge 逐条 Add；无效记录记一条 ConfigurationError 后跳过。
func (im *Importer) merge(identities []*model.Identity, source string) int {
	l := logger.WithComponent("ProxyPool/Importer")
	added := 0
	for _, identity := range identities {
		ok, err := im.store.Add(*identity)
		if err != nil {
			l.Debug().Err(err).Str("feed", source).Msg("Skipping invalid identity.")
			continue
		}
		if ok {
			added++
		}
	}
	return added
}

// RefreshAll 并发抓取所有 feed 并汇总新增数量。单个 feed 失败只记录日志；
// 只有全部 feed 都失败时才返回错误。
func (im *Importer) RefreshAll(ctx context.Context) (int, error) {
	l := logger.WithComponent("ProxyPool/Importer")
	feeds := im.Feeds()
	if len(feeds) == 0 {
		l.Warn().Msg("No feeds configured, nothing to refresh.")
		return 0, nil
	}

	l.Info().Int("feeds", len(feeds)).Msg("Starting feed refresh...")
	start := time.Now()

	var total atomic.Int64
	var mu sync.Mutex
	var errs []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.concurrency)
	for _, f := range feeds {
		g.Go(func() error {
			added, err := im.importFeed(gctx, f)
			if err != nil {
				l.Warn().Err(err).Str("feed", f.Name()).Msg("Feed failed.")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", f.Name(), err))
				mu.Unlock()
				return nil
			}
			l.Debug().Int("added", added).Str("feed", f.Name()).Msg("Feed merged.")
			total.Add(int64(added))
			return nil
		})
	}
	g.Wait()

	added := int(total.Load())
	l.Info().
		Int("added", added).
		Int("failed_feeds", len(errs)).
		Dur("elapsed", time.Since(start)).
		Msg("Feed refresh finished.")

	if len(errs) == len(feeds) {
		return 0, fmt.Errorf("all %d feeds failed: %w", len(feeds), errors.Join(errs...))
	}
	return added, nil
}

// ImportText merges an operator-supplied list, e.g. from the dashboard.
func (im *Importer) ImportText(text, source string, hint model.Protocol) int {
	return im.merge(ParseList(text, source, hint), source)
}

// ImportFile 读取本地列表文件，格式同 feed。
func (im *Importer) ImportFile(path string, hint model.Protocol) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return im.ImportText(string(data), "manual", hint), nil
}
