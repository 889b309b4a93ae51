package dialer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"liuproxy_egress/internal/fingerprint"
	"liuproxy_egress/proxypool/model"
)

// Route 描述一次出站请求走哪条路径：池中的身份，或本地中继 (RelayAddr)，
// 两者都为空时直连。
type Route struct {
	Identity  *model.Identity
	RelayAddr string
	Profile   fingerprint.Profile
	Timeout   time.Duration
}

// NewClient 为 route 构造一个独立的 *http.Client，连接不与其他身份共享。
func NewClient(route Route) (*http.Client, error) {
	timeout := route.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	netDialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           netDialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   timeout / 2,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConnsPerHost:   4,
	}

	switch {
	case route.RelayAddr != "":
		dial, err := socks5Dial(route.RelayAddr, nil, netDialer)
		if err != nil {
			return nil, err
		}
		transport.DialContext = dial
		transport.DialTLSContext = tlsDial(dial, route.Profile)

	case route.Identity == nil || route.Identity.Protocol == model.ProtocolDirect:
		transport.DialTLSContext = tlsDial(netDialer.DialContext, route.Profile)

	case route.Identity.Protocol == model.ProtocolSOCKS5:
		var auth *proxy.Auth
		if route.Identity.Username != "" {
			auth = &proxy.Auth{User: route.Identity.Username, Password: route.Identity.Password}
		}
		dial, err := socks5Dial(route.Identity.Address(), auth, netDialer)
		if err != nil {
			return nil, err
		}
		transport.DialContext = dial
		transport.DialTLSContext = tlsDial(dial, route.Profile)

	case route.Identity.Protocol == model.ProtocolHTTP, route.Identity.Protocol == model.ProtocolHTTPS:
		// HTTP 代理通过 CONNECT 隧道，TLS 由 net/http 自己完成
		transport.Proxy = http.ProxyURL(route.Identity.URL())

	default:
		return nil, fmt.Errorf("unsupported protocol %q", route.Identity.Protocol)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

func socks5Dial(addr string, auth *proxy.Auth, forward *net.Dialer) (fingerprint.DialFunc, error) {
	d, err := proxy.SOCKS5("tcp", addr, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", addr)
	}
	return cd.DialContext, nil
}

// 没有 HelloID 的 profile (零值) 使用标准库 TLS。
func tlsDial(dial fingerprint.DialFunc, p fingerprint.Profile) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if p.HelloID.Client == "" {
		return nil
	}
	return fingerprint.TLSDialer(dial, p.HelloID)
}
