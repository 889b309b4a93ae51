package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"liuproxy_egress/internal/challenge"
	"liuproxy_egress/internal/fallback"
	"liuproxy_egress/internal/requester"
	"liuproxy_egress/internal/service/web"
	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/internal/shared/types"
	"liuproxy_egress/proxypool"
	"liuproxy_egress/proxypool/model"
	"liuproxy_egress/proxypool/scraper"
	"liuproxy_egress/proxypool/storage"
	"liuproxy_egress/proxypool/validator"
)

// Egress 把身份池、验证器、导入器、回退通道和挑战检测器组装在一起。
// 一个进程一个；每个 worker 通过 NewRequester 拿到自己的 Requester。
type Egress struct {
	cfg *types.Config

	Store    *proxypool.Store
	Verifier *validator.Verifier
	Importer *scraper.Importer
	Manager  *proxypool.Manager
	Relay    *fallback.Channel
	Detector *challenge.Detector

	geo *validator.GeoDB
	hub *web.Hub
	web *web.Server

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// 编译期检查 Egress 满足仪表盘的依赖
var _ web.Controller = (*Egress)(nil)

// New 打开存储并加载身份表。
func New(cfg *types.Config) (*Egress, error) {
	st, err := openStorage(cfg.CommonConf)
	if err != nil {
		return nil, err
	}

	storeOpts, err := proxypool.OptionsFromConfig(cfg.PoolConf)
	if err != nil {
		st.Close()
		return nil, err
	}
	store := proxypool.NewStore(storeOpts, st)
	if err := store.Load(); err != nil {
		store.Close()
		return nil, fmt.Errorf("load identities: %w", err)
	}

	geo := validator.OpenGeoDB(cfg.PoolConf.GeoIPDB)
	verifier := validator.NewVerifier(store, validator.Options{
		Endpoints:   cfg.PoolConf.VerifyEndpoints,
		Timeout:     time.Duration(cfg.PoolConf.VerifyTimeoutSeconds) * time.Second,
		Concurrency: cfg.PoolConf.VerifyConcurrency,
		Geo:         geo,
	})

	importer := scraper.NewImporter(store, scraper.NewFeedClient(20*time.Second, cfg.FeedsConf.Retries), cfg.FeedsConf.Concurrency)
	importer.LoadFeeds(cfg.FeedsConf)

	e := &Egress{
		cfg:      cfg,
		Store:    store,
		Verifier: verifier,
		Importer: importer,
		Manager:  proxypool.NewManager(store, verifier, importer, proxypool.ManagerOptionsFromConfig(cfg.PoolConf)),
		Relay:    fallback.New(fallback.OptionsFromConfig(cfg.FallbackConf)),
		Detector: challenge.New(challenge.Options{
			SizeFloor: cfg.RequesterConf.SizeFloor,
			SampleDir: cfg.RequesterConf.ChallengeSampleDir,
		}),
		geo: geo,
		hub: web.NewHub(),
	}

	l := logger.WithComponent("App")
	l.Info().
		Int("identities", store.Len()).
		Int("available", store.CountAvailable()).
		Int("feeds", len(importer.Feeds())).
		Str("storage", cfg.CommonConf.StorageDriver).
		Msg("Egress layer initialized.")
	return e, nil
}

// openStorage 按 [common] storage 选择持久化实现。
func openStorage(cfg types.CommonConf) (storage.Storage, error) {
	switch cfg.StorageDriver {
	case "", "file":
		return storage.NewFileStorage(cfg.IdentityFile), nil
	case "sqlite":
		path := cfg.StorageDSN
		if path == "" {
			path = "configs/identities.db"
		}
		return storage.NewSQLite(path)
	case "mysql":
		if cfg.StorageDSN == "" {
			return nil, &types.ConfigurationError{Source: "common.storage_dsn", Reason: "mysql storage needs a DSN"}
		}
		return storage.NewMySQL(cfg.StorageDSN)
	}
	return nil, &types.ConfigurationError{Source: "common.storage", Reason: fmt.Sprintf("unknown storage driver %q", cfg.StorageDriver)}
}

// NewRequester 返回一个新的 Requester，供单个 worker 使用。
func (e *Egress) NewRequester() *requester.Requester {
	return requester.New(e.Store, e.Relay, e.Detector, requester.OptionsFromConfig(e.cfg.RequesterConf))
}

// Serve 跑启动流程、后台调度和仪表盘，直到 ctx 结束。
func (e *Egress) Serve(ctx context.Context) error {
	logger.Info().Msg("Starting egress layer in 'serve' mode...")

	report := e.Manager.Init(ctx)
	logger.Info().Int("working", report.Working).Int("fetched", report.Fetched).Msg("Pool ready.")

	e.Manager.Start()

	e.web = web.NewServer(e.cfg.WebConf, e, e.hub)
	if err := e.web.Start(&e.waitGroup); err != nil {
		return err
	}

	<-ctx.Done()
	e.Stop()
	e.waitGroup.Wait()
	return nil
}

// Stop 停止后台任务、中继和仪表盘，并把身份表写回存储。可以重复调用。
func (e *Egress) Stop() {
	e.stopOnce.Do(func() {
		if e.web != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.web.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Web server shutdown error.")
			}
			cancel()
		}
		e.Manager.Stop()
		if err := e.Relay.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Relay stop error.")
		}
		if err := e.Store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to save identities on shutdown.")
		}
		e.geo.Close()
	})
}

// --- web.Controller ---

func (e *Egress) PoolStats() proxypool.Stats {
	return e.Store.Stats()
}

func (e *Egress) Identities() []model.Identity {
	return e.Store.Snapshot()
}

// ImportText 导入手工粘贴的列表，有新增时触发一次后台验证。
func (e *Egress) ImportText(text string, hint model.Protocol) int {
	added := e.Importer.ImportText(text, "manual", hint)
	if added > 0 {
		e.Manager.TriggerVerify()
	}
	return added
}

func (e *Egress) TriggerRefresh() bool {
	return e.Manager.TriggerRefresh()
}

func (e *Egress) TriggerVerify() bool {
	return e.Manager.TriggerVerify()
}

func (e *Egress) FallbackState() fallback.State {
	return e.Relay.State()
}
