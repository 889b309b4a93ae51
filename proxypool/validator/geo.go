package validator

import (
	"net"
	"os"

	"github.com/oschwald/maxminddb-golang"

	"liuproxy_egress/internal/shared/logger"
)

// GeoDB 用本地 MaxMind country 数据库为身份补全国家字段。
// nil *GeoDB 是合法的，查询总是返回空。
type GeoDB struct {
	reader *maxminddb.Reader
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// OpenGeoDB returns nil when path is empty or the file cannot be opened.
func OpenGeoDB(path string) *GeoDB {
	if path == "" {
		return nil
	}
	l := logger.WithComponent("ProxyPool/Geo")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		l.Warn().Str("path", path).Msg("GeoIP database not found, country lookup disabled.")
		return nil
	}

	reader, err := maxminddb.Open(path)
	if err != nil {
		l.Warn().Err(err).Str("path", path).Msg("Failed to open GeoIP database, country lookup disabled.")
		return nil
	}

	l.Info().Str("path", path).Msg("Loaded GeoIP database.")
	return &GeoDB{reader: reader}
}

// Country 返回 host 的 ISO 国家代码。host 不是 IP 或查不到时返回空串。
func (g *GeoDB) Country(host string) string {
	if g == nil || g.reader == nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	var record countryRecord
	if err := g.reader.Lookup(ip, &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}

func (g *GeoDB) Close() {
	if g != nil && g.reader != nil {
		g.reader.Close()
	}
}
