package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"liuproxy_egress/internal/fingerprint"
	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/proxypool/model"
)

// 内置的免费代理网站。[feeds] html_sites 按名字启用。
var htmlSites = map[string]func() Feed{
	"ip3366.net": func() Feed {
		return NewHTMLTableFeed("ip3366.net",
			[]string{"http://www.ip3366.net/?stype=1&page=1"},
			TableLayout{Rows: "table.table-bordered tbody tr", Host: 0, Port: 1, Protocol: 3},
			model.ProtocolHTTP)
	},
	"proxydb.net": func() Feed {
		return NewHTMLTableFeed("proxydb.net",
			[]string{"https://proxydb.net/?protocol=http&protocol=https&protocol=socks5&offset=0"},
			TableLayout{Rows: "tbody tr", Host: 0, Port: 1, Protocol: 2, Inner: "a"},
			model.ProtocolHTTP)
	},
	"proxy-list.download": func() Feed {
		return NewHTMLTableFeed("proxy-list.download",
			[]string{"https://www.proxy-list.download/HTTP"},
			TableLayout{Rows: "table#example1 tbody#tabli tr", Host: 0, Port: 1, Protocol: -1},
			model.ProtocolHTTP)
	},
	"qiyunip.com": func() Feed {
		return NewHTMLTableFeed("qiyunip.com",
			[]string{"https://www.qiyunip.com/freeProxy/1.html"},
			TableLayout{Rows: "table#proxyTable tbody tr", Host: 0, Port: 1, Protocol: 3},
			model.ProtocolHTTP)
	},
	"zdaye.com": func() Feed {
		return NewHTMLTableFeed("zdaye.com",
			[]string{"https://www.zdaye.com/free/1/?https=1"},
			TableLayout{Rows: "table#ipc tbody tr", Host: 0, Port: 1, Protocol: 2},
			model.ProtocolHTTPS)
	},
	"kuaidaili.com": func() Feed {
		return NewScriptListFeed("kuaidaili.com",
			[]string{"https://www.kuaidaili.com/free/intr/1/", "https://www.kuaidaili.com/free/inha/1/"},
			`(var|let|const)\s+fpsList\s*=\s*(\[.*?\]);`)
	},
}

// SiteFeed returns the built-in feed for name.
func SiteFeed(name string) (Feed, bool) {
	mk, ok := htmlSites[strings.TrimSpace(name)]
	if !ok {
		return nil, false
	}
	return mk(), true
}

// ScriptListFeed 处理把代理列表放在页面 JS 变量里的网站。
type ScriptListFeed struct {
	name string
	urls []string
	re   *regexp.Regexp
}

type scriptEntry struct {
	IP   string `json:"ip"`
	Port string `json:"port"`
}

// NewScriptListFeed: pattern 的最后一个捕获组必须是 JSON 数组。
func NewScriptListFeed(name string, urls []string, pattern string) *ScriptListFeed {
	return &ScriptListFeed{name: name, urls: urls, re: regexp.MustCompile(pattern)}
}

func (f *ScriptListFeed) Name() string {
	return f.name
}

func (f *ScriptListFeed) Fetch(ctx context.Context) ([]*model.Identity, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("feed", f.name).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(fingerprint.Profiles[0].UserAgent),
		colly.AllowURLRevisit(),
	)
	c.Context = ctx
	c.SetRequestTimeout(20 * time.Second)

	var mu sync.Mutex
	var identities []*model.Identity
	var scrapeErr error

	c.OnResponse(func(r *colly.Response) {
		matches := f.re.FindSubmatch(r.Body)
		if len(matches) < 2 {
			l.Warn().Str("url", r.Request.URL.String()).Msg("Could not find proxy list variable in response body.")
			return
		}

		var entries []scriptEntry
		if err := json.Unmarshal(matches[len(matches)-1], &entries); err != nil {
			l.Warn().Err(err).Str("url", r.Request.URL.String()).Msg("Failed to unmarshal proxy list JSON.")
			mu.Lock()
			scrapeErr = err
			mu.Unlock()
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for _, e := range entries {
			port, err := strconv.Atoi(strings.TrimSpace(e.Port))
			if err != nil || strings.TrimSpace(e.IP) == "" {
				continue
			}
			identity := model.New(model.ProtocolHTTP, strings.TrimSpace(e.IP), port)
			identity.Source = f.name
			identities = append(identities, identity)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		scrapeErr = err
		mu.Unlock()
	})

	for _, u := range f.urls {
		if err := ctx.Err(); err != nil {
			return identities, err
		}
		c.Visit(u)
	}
	c.Wait()

	if len(identities) == 0 && scrapeErr != nil {
		return nil, fmt.Errorf("scrape %s: %w", f.name, scrapeErr)
	}
	l.Info().Int("count", len(identities)).Str("feed", f.name).Msg("Scrape finished.")
	return identities, nil
}
