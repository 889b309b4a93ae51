package challenge

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// normalPage 生成一个约 5KB、不含任何标记的商品页。
func normalPage() []byte {
	var b strings.Builder
	b.WriteString("<html><head><title>Running Shoe - Store</title></head><body><ul>")
	for b.Len() < 5000 {
		b.WriteString(`<li class="item"><span class="name">Trail runner</span><span class="price">$120.00</span></li>`)
	}
	b.WriteString("</ul></body></html>")
	return []byte(b.String())
}

func TestClassify_InteractiveWidget(t *testing.T) {
	d := New(Options{})
	body := append(normalPage(), []byte(`<div class="g-recaptcha" data-callback="x"></div>`)...)

	ok, kind := d.Classify(&Observed{StatusCode: 200, Body: body})
	if !ok || kind != KindInteractive {
		t.Errorf("Classify() = %v, %q; want true, %q", ok, kind, KindInteractive)
	}
}

func TestClassify_NormalPage(t *testing.T) {
	d := New(Options{})
	ok, kind := d.Classify(&Observed{StatusCode: 200, Body: normalPage()})
	if ok || kind != KindNone {
		t.Errorf("Classify() = %v, %q; want false, none", ok, kind)
	}
}

func TestClassify_Table(t *testing.T) {
	d := New(Options{})
	cases := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"cloudflare marker", 503, `<div id="cf-challenge-running"></div>`, KindEdgeProxy},
		{"akamai script", 200, `<script id="ak_js" src="/x.js"></script>`, KindBotScript},
		{"cloudflare title", 503, `<html><head><title>Just a moment...</title></head><body></body></html>`, KindEdgeProxy},
		{"px widget hits generic marker", 200, `<html><body><div id="px-captcha-wrapper"><div id="px-captcha"></div></div></body></html>`, KindInteractive},
		{"akamai dom rule", 200, `<html><body><div id="sec-if-cpt-container"></div></body></html>`, KindBotScript},
		{"small blocked body", 200, `<p>Your request was blocked.</p>`, KindAnomalous},
		{"small automated body", 200, `Automated traffic detected`, KindAnomalous},
		{"bare 429", 429, `slow down`, KindEdgeProxy},
		{"bare 403", 403, ``, KindEdgeProxy},
		{"small clean body", 200, `{"ok": true}`, KindNone},
		{"404 is not a challenge", 404, `not found`, KindNone},
	}
	for _, c := range cases {
		ok, kind := d.Classify(&Observed{StatusCode: c.status, Body: []byte(c.body)})
		if kind != c.want || ok != (c.want != KindNone) {
			t.Errorf("%s: Classify() = %v, %q; want %q", c.name, ok, kind, c.want)
		}
	}
}

func TestClassify_SizeFloorOnlyAppliesToSmallBodies(t *testing.T) {
	d := New(Options{SizeFloor: 1000})
	body := append(normalPage(), []byte("<footer>security and privacy</footer>")...)
	if ok, kind := d.Classify(&Observed{StatusCode: 200, Body: body}); ok {
		t.Errorf("Large page with keyword classified as %q", kind)
	}
}

func TestRecord_WritesSample(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "samples")
	d := New(Options{SampleDir: dir})
	d.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	obs := &Observed{
		URL:        "https://shop.example.com/p/1",
		StatusCode: 403,
		Header:     http.Header{"Server": []string{"cloudflare"}},
		Body:       []byte("denied"),
	}
	path, err := d.Record(obs, KindEdgeProxy)
	if err != nil {
		t.Fatalf("Record() = %v", err)
	}
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "20240501T120000.000Z_edge-proxy-challenge_") || !strings.HasSuffix(name, ".txt") {
		t.Errorf("Unexpected sample name %q", name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{"URL: https://shop.example.com/p/1", "Status Code: 403", "Header Server: cloudflare", "denied"} {
		if !strings.Contains(content, want) {
			t.Errorf("Sample missing %q:\n%s", want, content)
		}
	}
}

func TestRecord_NoDirIsNoop(t *testing.T) {
	d := New(Options{})
	path, err := d.Record(&Observed{Body: []byte("x")}, KindAnomalous)
	if err != nil || path != "" {
		t.Errorf("Record() without dir = %q, %v", path, err)
	}
}
