package challenge

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"liuproxy_egress/internal/shared/logger"
)

// Kind 是挑战页的分类。
type Kind string

const (
	KindInteractive Kind = "interactive-verification"
	KindEdgeProxy   Kind = "edge-proxy-challenge"
	KindBotScript   Kind = "bot-detection-script"
	KindAnomalous   Kind = "anomalous-size"
	KindNone        Kind = "none"
)

// Marker 是一条 (子串, 分类) 规则，匹配小写后的响应体。
type Marker struct {
	Needle string
	Kind   Kind
}

// DOMRule matches an element (Selector) or the <title> text (Title, lower case).
type DOMRule struct {
	Selector string
	Title    string
	Kind     Kind
}

// 按顺序匹配，越具体的越靠前。新增标记只需追加条目。
var DefaultMarkers = []Marker{
	{"google.com/recaptcha", KindInteractive},
	{`class="g-recaptcha"`, KindInteractive},
	{"data-sitekey", KindInteractive},
	{"cf-challenge", KindEdgeProxy},
	{"cf_chl_captcha", KindEdgeProxy},
	{"cf-browser-verification", KindEdgeProxy},
	{"/cdn-cgi/challenge-platform", KindEdgeProxy},
	{"hcaptcha", KindInteractive},
	{`id="ak_js"`, KindBotScript},
	{"bot-detection", KindBotScript},
	{"captcha-delivery.com", KindBotScript},
	{"_pxcaptcha", KindBotScript},
	{"captcha", KindInteractive},
	{"robot check", KindInteractive},
	{"verify you are human", KindInteractive},
	{"please verify", KindInteractive},
	{"security check", KindInteractive},
}

var DefaultDOMRules = []DOMRule{
	{Title: "just a moment...", Kind: KindEdgeProxy},
	{Title: "attention required! | cloudflare", Kind: KindEdgeProxy},
	{Title: "access denied", Kind: KindEdgeProxy},
	{Selector: "form#challenge-form", Kind: KindEdgeProxy},
	{Selector: `iframe[src*="recaptcha"]`, Kind: KindInteractive},
	{Selector: "div#sec-if-cpt-container", Kind: KindBotScript},
	{Selector: `script[src*="/akam/"]`, Kind: KindBotScript},
}

var defaultKeywords = []string{"security", "bot", "automated", "blocked", "access denied"}

// Observed 是 Detector 需要的响应视图。Body 必须已完整读出。
type Observed struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Options 配置 Detector。零值字段使用默认值。
type Options struct {
	SizeFloor     int
	SampleDir     string
	Markers       []Marker
	DOMRules      []DOMRule
	Keywords      []string
	BlockStatuses []int
}

// Detector classifies responses as bot challenges. It never tries to solve one.
type Detector struct {
	sizeFloor     int
	sampleDir     string
	markers       []Marker
	domRules      []DOMRule
	keywords      []string
	blockStatuses map[int]bool
	now           func() time.Time
}

func New(opts Options) *Detector {
	if opts.SizeFloor <= 0 {
		opts.SizeFloor = 1000
	}
	if opts.Markers == nil {
		opts.Markers = DefaultMarkers
	}
	if opts.DOMRules == nil {
		opts.DOMRules = DefaultDOMRules
	}
	if opts.Keywords == nil {
		opts.Keywords = defaultKeywords
	}
	if opts.BlockStatuses == nil {
		opts.BlockStatuses = []int{http.StatusForbidden, http.StatusTooManyRequests}
	}

	blocks := make(map[int]bool, len(opts.BlockStatuses))
	for _, code := range opts.BlockStatuses {
		blocks[code] = true
	}
	return &Detector{
		sizeFloor:     opts.SizeFloor,
		sampleDir:     opts.SampleDir,
		markers:       opts.Markers,
		domRules:      opts.DOMRules,
		keywords:      opts.Keywords,
		blockStatuses: blocks,
		now:           time.Now,
	}
}

// IsBlockStatus reports whether code is one of the block status codes.
func (d *Detector) IsBlockStatus(code int) bool {
	return d.blockStatuses[code]
}

// Classify 依次检查：标记表、DOM 规则、小体积+关键词启发式、封锁状态码。
func (d *Detector) Classify(resp *Observed) (bool, Kind) {
	if resp == nil {
		return false, KindNone
	}
	body := bytes.ToLower(resp.Body)

	for _, m := range d.markers {
		if bytes.Contains(body, []byte(strings.ToLower(m.Needle))) {
			return true, m.Kind
		}
	}

	if kind, ok := d.matchDOM(resp.Body); ok {
		return true, kind
	}

	if len(resp.Body) < d.sizeFloor {
		for _, kw := range d.keywords {
			if bytes.Contains(body, []byte(kw)) {
				return true, KindAnomalous
			}
		}
	}

	if d.blockStatuses[resp.StatusCode] {
		return true, KindEdgeProxy
	}
	return false, KindNone
}

func (d *Detector) matchDOM(body []byte) (Kind, bool) {
	if len(d.domRules) == 0 || !bytes.Contains(body, []byte("<")) {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, rule := range d.domRules {
		if rule.Title != "" && title == rule.Title {
			return rule.Kind, true
		}
		if rule.Selector != "" && doc.Find(rule.Selector).Length() > 0 {
			return rule.Kind, true
		}
	}
	return "", false
}

// Record 把挑战样本写入 sample 目录，供离线分析。只写不读。
// 未配置目录时不做任何事，返回空路径。
func (d *Detector) Record(resp *Observed, kind Kind) (string, error) {
	if d.sampleDir == "" || resp == nil {
		return "", nil
	}
	if err := os.MkdirAll(d.sampleDir, 0755); err != nil {
		return "", err
	}

	now := d.now().UTC()
	name := fmt.Sprintf("%s_%s_%s.txt", now.Format("20060102T150405.000Z"), kind, uuid.NewString()[:8])
	path := filepath.Join(d.sampleDir, name)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "URL: %s\n", resp.URL)
	fmt.Fprintf(&buf, "Kind: %s\n", kind)
	fmt.Fprintf(&buf, "Status Code: %d\n", resp.StatusCode)
	fmt.Fprintf(&buf, "Timestamp: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&buf, "Content Length: %d\n", len(resp.Body))
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "Header %s: %s\n", k, strings.Join(resp.Header[k], ", "))
	}
	buf.WriteString("\n")
	buf.Write(resp.Body)

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", err
	}
	l := logger.WithComponent("Challenge")
	l.Info().Str("path", path).Str("kind", string(kind)).Msg("Saved challenge sample.")
	return path, nil
}
