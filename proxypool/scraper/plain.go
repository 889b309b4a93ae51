package scraper

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"liuproxy_egress/internal/fingerprint"
	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/proxypool/model"
)

// NewFeedClient 创建抓取 feed 用的 resty 客户端，带重试。
func NewFeedClient(timeout time.Duration, retries int) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(20 * time.Second).
		SetHeader("User-Agent", fingerprint.Profiles[0].UserAgent)
}

// PlainFeed 抓取每行一个 host:port 的纯文本列表。
type PlainFeed struct {
	url    string
	hint   model.Protocol
	client *resty.Client
}

func NewPlainFeed(feedURL string, hint model.Protocol, client *resty.Client) *PlainFeed {
	return &PlainFeed{url: feedURL, hint: hint, client: client}
}

// Name 返回 feed 的主机名，例如 "api.proxyscrape.com"。
func (f *PlainFeed) Name() string {
	if u, err := url.Parse(f.url); err == nil && u.Host != "" {
		return u.Host
	}
	return f.url
}

func (f *PlainFeed) Fetch(ctx context.Context) ([]*model.Identity, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("feed", f.url).Str("protocol", string(f.hint)).Msg("Fetching plain feed...")

	resp, err := f.client.R().SetContext(ctx).Get(f.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", f.url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode(), f.url)
	}

	identities := ParseList(resp.String(), f.Name(), f.hint)
	l.Info().Int("count", len(identities)).Str("feed", f.Name()).Msg("Plain feed parsed.")
	return identities, nil
}
