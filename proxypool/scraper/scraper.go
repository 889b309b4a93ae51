package scraper

import (
	"context"

	"liuproxy_egress/proxypool/model"
)

// Feed 接口定义了从候选列表源抓取身份的行为。
type Feed interface {
	// Fetch 执行抓取并返回解析好的身份。
	// 实现者只负责抓取和初步解析，不进行验证，也不写入 Store。
	Fetch(ctx context.Context) ([]*model.Identity, error)

	// Name 返回 feed 的名称，用于日志和 Identity.Source。
	Name() string
}
