package dialer

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"liuproxy_egress/proxypool/model"
)

func TestNewClient_DirectRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "direct")
	}))
	defer server.Close()

	client, err := NewClient(Route{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient() = %v", err)
	}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("GET = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "direct" {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestNewClient_HTTPProxyRoute(t *testing.T) {
	var seen string
	fakeProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 正向代理收到的是绝对 URI
		seen = r.URL.String()
		io.WriteString(w, "via-proxy")
	}))
	defer fakeProxy.Close()

	host, portStr, _ := net.SplitHostPort(fakeProxy.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	identity := model.New(model.ProtocolHTTP, host, port)

	client, err := NewClient(Route{Identity: identity, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient() = %v", err)
	}
	resp, err := client.Get("http://target.invalid/page")
	if err != nil {
		t.Fatalf("GET through proxy = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "via-proxy" {
		t.Errorf("Unexpected body %q", body)
	}
	if seen != "http://target.invalid/page" {
		t.Errorf("Proxy saw %q", seen)
	}
}

func TestNewClient_UnsupportedProtocol(t *testing.T) {
	identity := &model.Identity{Host: "10.0.0.1", Port: 1, Protocol: "gopher"}
	if _, err := NewClient(Route{Identity: identity}); err == nil {
		t.Error("Expected an error for an unsupported protocol")
	}
}
