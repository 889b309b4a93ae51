package fingerprint

import (
	"context"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// Handshake 在已建立的连接上用 profile 对应的 ClientHello 完成 TLS 握手。
// ALPN 固定为 http/1.1，因为 net/http 的自定义 DialTLSContext 只能走 HTTP/1.1。
func Handshake(ctx context.Context, conn net.Conn, serverName string, helloID utls.ClientHelloID) (net.Conn, error) {
	spec, err := utls.UTLSIdToSpec(helloID)
	if err != nil {
		return nil, fmt.Errorf("no ClientHello spec for %s: %w", helloID.Str(), err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	uconn := utls.UClient(conn, &utls.Config{ServerName: serverName}, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		return nil, fmt.Errorf("apply ClientHello preset: %w", err)
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return uconn, nil
}

// DialFunc matches net/http Transport.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TLSDialer 返回一个先用 dial 建连、再用 utls 握手的 DialTLSContext。
func TLSDialer(dial DialFunc, helloID utls.ClientHelloID) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		raw, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		conn, err := Handshake(ctx, raw, host, helloID)
		if err != nil {
			raw.Close()
			return nil, err
		}
		return conn, nil
	}
}
