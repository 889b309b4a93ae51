package validator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"liuproxy_egress/internal/dialer"
	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/proxypool/model"
)

var defaultEndpoints = []string{"https://httpbin.org/ip", "https://api.ipify.org"}

// Reporter 是验证结果写回的目标，通常就是 proxypool.Store。
type Reporter interface {
	ReportSuccess(id string, latency time.Duration) error
	ReportFailure(id string, forceBan bool) error
	MarkChecked(id string, at time.Time) error
	Annotate(id, country string) error
}

// ClientFunc builds the HTTP client used to probe one identity.
type ClientFunc func(identity *model.Identity, timeout time.Duration) (*http.Client, error)

// Options 配置 Verifier。零值字段使用默认值。
type Options struct {
	Endpoints   []string
	Timeout     time.Duration
	Concurrency int
	Geo         *GeoDB
	NewClient   ClientFunc
}

// Summary 是一轮验证的结果统计。
type Summary struct {
	Checked int
	Working int
	Failed  int
	Elapsed time.Duration
}

// Verifier 并发探测身份是否可用，并把结果报告给 Reporter。
// 验证只是建议性的：失败的身份只会被记一次失败，不会被删除。
type Verifier struct {
	reporter    Reporter
	endpoints   []string
	timeout     time.Duration
	concurrency int
	geo         *GeoDB
	newClient   ClientFunc
}

func NewVerifier(reporter Reporter, opts Options) *Verifier {
	if len(opts.Endpoints) == 0 {
		opts.Endpoints = defaultEndpoints
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.NewClient == nil {
		opts.NewClient = func(identity *model.Identity, timeout time.Duration) (*http.Client, error) {
			return dialer.NewClient(dialer.Route{Identity: identity, Timeout: timeout})
		}
	}
	return &Verifier{
		reporter:    reporter,
		endpoints:   opts.Endpoints,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		geo:         opts.Geo,
		newClient:   opts.NewClient,
	}
}

// VerifyAll probes every record with at most Concurrency probes in flight.
// A cancelled ctx stops launching new probes; probes already running finish
// with their own timeout.
func (v *Verifier) VerifyAll(ctx context.Context, records []model.Identity) Summary {
	l := logger.WithComponent("ProxyPool/Validator")
	start := time.Now()
	if len(records) == 0 {
		return Summary{}
	}

	l.Info().Int("count", len(records)).Int("concurrency", v.concurrency).Msg("Starting validation batch...")

	var wg sync.WaitGroup
	var working, failed atomic.Int64
	semaphore := make(chan struct{}, v.concurrency)

launch:
	for i := range records {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			l.Warn().Err(ctx.Err()).Msg("Validation batch cancelled.")
			break launch
		}

		wg.Add(1)
		go func(identity model.Identity) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if v.verifyOne(ctx, &identity) {
				working.Add(1)
			} else {
				failed.Add(1)
			}
		}(records[i])
	}

	wg.Wait()

	summary := Summary{
		Checked: int(working.Load() + failed.Load()),
		Working: int(working.Load()),
		Failed:  int(failed.Load()),
		Elapsed: time.Since(start),
	}
	l.Info().
		Int("checked", summary.Checked).
		Int("working", summary.Working).
		Int("failed", summary.Failed).
		Dur("elapsed", summary.Elapsed).
		Msg("Validation batch finished.")
	return summary
}

// verifyOne 依次尝试各个 echo 端点，第一个 2xx 即视为成功。
func (v *Verifier) verifyOne(ctx context.Context, identity *model.Identity) bool {
	l := logger.WithComponent("ProxyPool/Validator")

	client, err := v.newClient(identity, v.timeout)
	if err != nil {
		l.Debug().Err(err).Str("identity_id", identity.ID).Msg("Cannot build probe client.")
		v.report(identity, 0, err)
		return false
	}
	defer client.CloseIdleConnections()

	var lastErr error
	for _, endpoint := range v.endpoints {
		latency, err := v.probe(ctx, client, endpoint)
		if err == nil {
			v.report(identity, latency, nil)
			return true
		}
		lastErr = err
	}

	l.Debug().Err(lastErr).Str("identity_id", identity.ID).Msg("Identity failed verification.")
	v.report(identity, 0, lastErr)
	return false
}

func (v *Verifier) probe(ctx context.Context, client *http.Client, endpoint string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return latency, nil
}

func (v *Verifier) report(identity *model.Identity, latency time.Duration, probeErr error) {
	l := logger.WithComponent("ProxyPool/Validator")

	var err error
	if probeErr == nil {
		err = v.reporter.ReportSuccess(identity.ID, latency)
		if err == nil && identity.Country == "" && v.geo != nil {
			if country := v.geo.Country(identity.Host); country != "" {
				err = v.reporter.Annotate(identity.ID, country)
			}
		}
	} else {
		err = v.reporter.ReportFailure(identity.ID, false)
	}
	if err == nil {
		err = v.reporter.MarkChecked(identity.ID, time.Now())
	}
	if err != nil {
		l.Warn().Err(err).Str("identity_id", identity.ID).Msg("Failed to record verification result.")
	}
}
