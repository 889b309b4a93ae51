package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Protocol 是出口身份与上游代理之间使用的协议。
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"   // 明文 HTTP 代理
	ProtocolHTTPS  Protocol = "https"  // 到代理本身使用 TLS
	ProtocolSOCKS5 Protocol = "socks5" // SOCKS5 代理
	ProtocolDirect Protocol = "direct" // 不经过代理
)

// ParseProtocol normalizes feed and config spellings into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http", "":
		return ProtocolHTTP, nil
	case "https", "ssl", "tls":
		return ProtocolHTTPS, nil
	case "socks5", "socks5h", "socks":
		return ProtocolSOCKS5, nil
	case "direct":
		return ProtocolDirect, nil
	default:
		return "", fmt.Errorf("unsupported protocol %q", s)
	}
}

// Identity 定义了一条出口网络路径及其健康统计，是整个模块的核心数据结构。
// 它在内存中使用，并以 JSON 形式持久化到身份列表文件。
type Identity struct {
	// 核心信息
	ID       string   `json:"id"` // IdentityID(protocol, host, port)
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`

	// 元数据
	Country string `json:"country,omitempty"`
	Source  string `json:"source,omitempty"` // 来源 feed, e.g. "proxyscrape.com" 或 "manual"

	// 健康状态
	LastUsedAt      time.Time  `json:"last_used_at"`
	LastCheckedAt   time.Time  `json:"last_checked_at,omitzero"`
	FailCount       int        `json:"fail_count"`
	BannedUntil     *time.Time `json:"banned_until"`
	AvgResponseTime *float64   `json:"avg_response_time"` // 秒, nil 表示尚未测得
}

// IdentityID derives the stable identifier from host, port and protocol.
func IdentityID(protocol Protocol, host string, port int) string {
	if protocol == ProtocolDirect {
		return string(ProtocolDirect)
	}
	return fmt.Sprintf("%s-%s-%d", protocol, host, port)
}

// New builds a fresh identity with its ID filled in.
func New(protocol Protocol, host string, port int) *Identity {
	return &Identity{
		ID:       IdentityID(protocol, host, port),
		Host:     host,
		Port:     port,
		Protocol: protocol,
	}
}

// BannedAt reports whether the identity is still inside its ban window at t.
func (i *Identity) BannedAt(t time.Time) bool {
	return i.BannedUntil != nil && i.BannedUntil.After(t)
}

// Address returns host:port.
func (i *Identity) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URL returns the proxy URL, with credentials when present.
// Direct identities have no URL.
func (i *Identity) URL() *url.URL {
	if i.Protocol == ProtocolDirect {
		return nil
	}
	u := &url.URL{Scheme: string(i.Protocol), Host: i.Address()}
	if i.Username != "" {
		u.User = url.UserPassword(i.Username, i.Password)
	}
	return u
}

// Validate checks the fields every stored identity must carry and
// rewrites protocol aliases (socks, tls, ...) to their canonical form.
func (i *Identity) Validate() error {
	p, err := ParseProtocol(string(i.Protocol))
	if err != nil {
		return err
	}
	i.Protocol = p
	if p == ProtocolDirect {
		return nil
	}
	if i.Host == "" {
		return fmt.Errorf("empty host")
	}
	if i.Port <= 0 || i.Port > 65535 {
		return fmt.Errorf("port %d out of range", i.Port)
	}
	if i.FailCount < 0 {
		return fmt.Errorf("negative fail_count %d", i.FailCount)
	}
	return nil
}

// Clone returns a deep copy, so callers never share pointers with the store.
func (i *Identity) Clone() Identity {
	c := *i
	if i.BannedUntil != nil {
		t := *i.BannedUntil
		c.BannedUntil = &t
	}
	if i.AvgResponseTime != nil {
		v := *i.AvgResponseTime
		c.AvgResponseTime = &v
	}
	return c
}
