package fingerprint

import (
	"net/http"
	"testing"
)

func TestRotator_NeverRepeatsConsecutively(t *testing.T) {
	r := NewRotator(7)
	prev := r.Next()
	for i := 0; i < 200; i++ {
		p := r.Next()
		if p.Name == prev.Name {
			t.Fatalf("Rotator returned %s twice in a row", p.Name)
		}
		prev = p
	}
	if r.Epoch() != 201 {
		t.Errorf("Expected epoch 201, got %d", r.Epoch())
	}
}

func TestApply_KeepsCallerHeadersAndAddsReferer(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://shop.example.com/item?id=1", nil)
	req.Header.Set("Accept-Language", "de-DE")

	p := Profiles[0]
	Apply(req, p)

	if got := req.Header.Get("User-Agent"); got != p.UserAgent {
		t.Errorf("User-Agent = %q, want %q", got, p.UserAgent)
	}
	if got := req.Header.Get("Accept-Language"); got != "de-DE" {
		t.Errorf("Caller header overwritten: %q", got)
	}
	if got := req.Header.Get("Referer"); got != "https://www.google.com/search?q=shop.example.com" {
		t.Errorf("Referer = %q", got)
	}
	if req.Header.Get("Accept") == "" {
		t.Error("Expected profile Accept header")
	}
}
