package scraper

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/internal/shared/types"
	"liuproxy_egress/proxypool/model"
)

// ParseLine 解析一行候选列表。支持的格式：
//
//	host:port
//	host:port:user:pass
//	user:pass@host:port
//	proto://[user:pass@]host:port
//
// 空行和 # 注释返回 (nil, nil)。行尾多余的字段 (国家、延迟等) 会被忽略。
func ParseLine(line string, hint model.Protocol) (*model.Identity, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}
	line = strings.Fields(line)[0]

	protocol := hint
	if protocol == "" {
		protocol = model.ProtocolHTTP
	}
	var user, pass string

	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil {
			return nil, err
		}
		if protocol, err = model.ParseProtocol(u.Scheme); err != nil {
			return nil, err
		}
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}
		line = u.Host
	} else if at := strings.LastIndex(line, "@"); at >= 0 {
		cred := line[:at]
		line = line[at+1:]
		user, pass, _ = strings.Cut(cred, ":")
	} else if parts := strings.Split(line, ":"); len(parts) == 4 {
		line = parts[0] + ":" + parts[1]
		user, pass = parts[2], parts[3]
	}

	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, fmt.Errorf("empty host")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	identity := model.New(protocol, host, port)
	identity.Username = user
	identity.Password = pass
	return identity, nil
}

// ParseList parses a newline-delimited list. Malformed lines are logged as
// ConfigurationError and skipped.
func ParseList(text, source string, hint model.Protocol) []*model.Identity {
	l := logger.WithComponent("ProxyPool/Scraper")

	var identities []*model.Identity
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		identity, err := ParseLine(scanner.Text(), hint)
		if err != nil {
			l.Debug().Err(&types.ConfigurationError{Source: source, Line: lineNo, Reason: "malformed entry", Err: err}).
				Msg("Skipping malformed line.")
			continue
		}
		if identity == nil {
			continue
		}
		identity.Source = source
		identities = append(identities, identity)
	}
	return identities
}

// protocolFromCell 把表格里的协议列 ("HTTP", "HTTPS", "SOCKS4/5" ...) 映射到 Protocol。
func protocolFromCell(text string, hint model.Protocol) model.Protocol {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "socks5"), strings.Contains(t, "socks4/5"):
		return model.ProtocolSOCKS5
	case strings.Contains(t, "https"):
		return model.ProtocolHTTPS
	case strings.Contains(t, "http"):
		return model.ProtocolHTTP
	}
	return hint
}
