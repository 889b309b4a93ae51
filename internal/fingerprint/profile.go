package fingerprint

import (
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"

	utls "github.com/refraction-networking/utls"
)

// Profile 是一组浏览器指纹：User-Agent、默认请求头以及 TLS ClientHello。
type Profile struct {
	Name      string
	UserAgent string
	Headers   [][2]string // 按浏览器实际发送顺序排列
	HelloID   utls.ClientHelloID
}

var chromeHeaders = [][2]string{
	{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"},
	{"Accept-Language", "en-US,en;q=0.9"},
	{"Accept-Encoding", "gzip, deflate"},
	{"Upgrade-Insecure-Requests", "1"},
	{"Sec-Fetch-Dest", "document"},
	{"Sec-Fetch-Mode", "navigate"},
	{"Sec-Fetch-Site", "none"},
	{"Sec-Fetch-User", "?1"},
	{"Cache-Control", "max-age=0"},
}

var firefoxHeaders = [][2]string{
	{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
	{"Accept-Language", "en-US,en;q=0.5"},
	{"Accept-Encoding", "gzip, deflate"},
	{"DNT", "1"},
	{"Connection", "keep-alive"},
	{"Upgrade-Insecure-Requests", "1"},
	{"Sec-Fetch-Dest", "document"},
	{"Sec-Fetch-Mode", "navigate"},
	{"Sec-Fetch-Site", "none"},
}

var safariHeaders = [][2]string{
	{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
	{"Accept-Language", "en-US,en;q=0.9"},
	{"Accept-Encoding", "gzip, deflate"},
	{"Connection", "keep-alive"},
}

// Profiles 是内置的指纹表，新增浏览器只需追加条目。
var Profiles = []Profile{
	{
		Name:      "chrome-windows",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Headers:   chromeHeaders,
		HelloID:   utls.HelloChrome_Auto,
	},
	{
		Name:      "chrome-mac",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Headers:   chromeHeaders,
		HelloID:   utls.HelloChrome_Auto,
	},
	{
		Name:      "edge-windows",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
		Headers:   chromeHeaders,
		HelloID:   utls.HelloEdge_Auto,
	},
	{
		Name:      "firefox-windows",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		Headers:   firefoxHeaders,
		HelloID:   utls.HelloFirefox_Auto,
	},
	{
		Name:      "firefox-linux",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
		Headers:   firefoxHeaders,
		HelloID:   utls.HelloFirefox_Auto,
	},
	{
		Name:      "safari-mac",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		Headers:   safariHeaders,
		HelloID:   utls.HelloSafari_Auto,
	},
	{
		Name:      "safari-iphone",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
		Headers:   safariHeaders,
		HelloID:   utls.HelloIOS_Auto,
	},
}

// Rotator hands out profiles and never repeats the previous one twice in a row.
// Safe for concurrent use.
type Rotator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	last  int
	epoch uint64
}

func NewRotator(seed uint64) *Rotator {
	return &Rotator{
		rng:  rand.New(rand.NewPCG(seed, seed^0x5bd1e995)),
		last: -1,
	}
}

// Next 返回一个与上一次不同的指纹。
func (r *Rotator) Next() Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.rng.IntN(len(Profiles))
	if idx == r.last && len(Profiles) > 1 {
		idx = (idx + 1 + r.rng.IntN(len(Profiles)-1)) % len(Profiles)
	}
	r.last = idx
	r.epoch++
	return Profiles[idx]
}

// Epoch counts how many times the rotator has advanced.
func (r *Rotator) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// Apply 把指纹的 UA 和默认请求头写入 req，调用方已设置的头不会被覆盖。
// 没有 Referer 时补一个 google 搜索来源。
func Apply(req *http.Request, p Profile) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	for _, kv := range p.Headers {
		if req.Header.Get(kv[0]) == "" {
			req.Header.Set(kv[0], kv[1])
		}
	}
	if req.Header.Get("Referer") == "" && req.URL != nil && req.URL.Hostname() != "" {
		req.Header.Set("Referer", "https://www.google.com/search?q="+url.QueryEscape(req.URL.Hostname()))
	}
}
