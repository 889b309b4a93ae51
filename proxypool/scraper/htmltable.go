package scraper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"liuproxy_egress/internal/fingerprint"
	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/proxypool/model"
)

// TableLayout 描述一个免费代理网站的表格结构。
type TableLayout struct {
	Rows     string // 行选择器, e.g. "table#ipc tbody tr"
	Host     int    // host 所在列
	Port     int    // port 所在列
	Protocol int    // 协议列, -1 表示没有
	Inner    string // 单元格内的子选择器, e.g. "a"
}

// HTMLTableFeed 用 colly 抓取 HTML 表格形式的代理列表。
type HTMLTableFeed struct {
	name    string
	urls    []string
	layout  TableLayout
	hint    model.Protocol
	timeout time.Duration
}

func NewHTMLTableFeed(name string, urls []string, layout TableLayout, hint model.Protocol) *HTMLTableFeed {
	return &HTMLTableFeed{
		name:    name,
		urls:    urls,
		layout:  layout,
		hint:    hint,
		timeout: 20 * time.Second,
	}
}

func (f *HTMLTableFeed) Name() string {
	return f.name
}

func (f *HTMLTableFeed) Fetch(ctx context.Context) ([]*model.Identity, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("feed", f.name).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(fingerprint.Profiles[0].UserAgent),
		colly.AllowURLRevisit(),
	)
	c.Context = ctx
	c.SetRequestTimeout(f.timeout)

	var mu sync.Mutex
	var identities []*model.Identity

	c.OnHTML(f.layout.Rows, func(e *colly.HTMLElement) {
		if identity := f.parseRow(e.DOM); identity != nil {
			mu.Lock()
			identities = append(identities, identity)
			mu.Unlock()
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
	})

	var errs []error
	for _, u := range f.urls {
		if err := ctx.Err(); err != nil {
			return identities, err
		}
		l.Debug().Str("url", u).Str("feed", f.name).Msg("Scraping page...")
		if err := c.Visit(u); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
		}
	}
	c.Wait()

	if len(identities) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	l.Info().Int("count", len(identities)).Str("feed", f.name).Msg("Scrape finished.")
	return identities, nil
}

func (f *HTMLTableFeed) parseRow(row *goquery.Selection) *model.Identity {
	cells := row.Find("td")
	cell := func(i int) string {
		sel := cells.Eq(i)
		if f.layout.Inner != "" {
			sel = sel.Find(f.layout.Inner)
		}
		return strings.TrimSpace(sel.Text())
	}

	host := cell(f.layout.Host)
	portStr := cell(f.layout.Port)
	if host == "" || portStr == "" {
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		l := logger.WithComponent("ProxyPool/Scraper")
		l.Debug().
			Str("host", host).Str("port", portStr).Str("feed", f.name).
			Msg("Failed to parse port, skipping.")
		return nil
	}

	protocol := f.hint
	if f.layout.Protocol >= 0 {
		protocol = protocolFromCell(cell(f.layout.Protocol), f.hint)
	}
	identity := model.New(protocol, host, port)
	identity.Source = f.name
	return identity
}
