package requester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"liuproxy_egress/internal/challenge"
	"liuproxy_egress/internal/dialer"
	"liuproxy_egress/internal/fingerprint"
	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/internal/shared/types"
	"liuproxy_egress/proxypool"
	"liuproxy_egress/proxypool/model"
)

// Pool 是 Requester 对身份池的最小依赖。
type Pool interface {
	SelectNext() (model.Identity, error)
	ReportSuccess(id string, latency time.Duration) error
	ReportFailure(id string, forceBan bool) error
}

// Relay 是回退通道。nil 等价于禁用。
type Relay interface {
	Enabled() bool
	Start(ctx context.Context) (int, error)
	RotateIdentity(ctx context.Context) error
	CurrentProxySpec() string
}

// Classifier 判断响应是否为挑战页，并保存样本。
type Classifier interface {
	Classify(resp *challenge.Observed) (bool, challenge.Kind)
	IsBlockStatus(code int) bool
	Record(resp *challenge.Observed, kind challenge.Kind) (string, error)
}

// ClientFactory builds the HTTP client bound to a route.
type ClientFactory func(route dialer.Route) (*http.Client, error)

// Options 控制重试、退避和检测行为。
type Options struct {
	MaxRetries       int
	Timeout          time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Jitter           bool
	CaptchaDetection bool
	ForceBanOnBlock  bool
	CacheBust        bool
	DomainDelay      bool
	MaxBodyBytes     int64

	NewClient ClientFactory
	Sleep     func(ctx context.Context, d time.Duration) error
	Now       func() time.Time
	Rotator   *fingerprint.Rotator
}

// OptionsFromConfig maps the [requester] section.
func OptionsFromConfig(cfg types.RequesterConf) Options {
	return Options{
		MaxRetries:       cfg.MaxRetries,
		Timeout:          time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		BackoffBase:      time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		BackoffMax:       time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
		Jitter:           true,
		CaptchaDetection: cfg.CaptchaDetection,
		ForceBanOnBlock:  cfg.ForceBanOnBlock,
		CacheBust:        true,
		DomainDelay:      cfg.DomainDelay,
	}
}

// Binding 是当前会话绑定的出口。Identity 为 nil 时走回退通道。
type Binding struct {
	ID          string
	Identity    *model.Identity
	Fallback    bool
	RelayAddr   string
	Fingerprint fingerprint.Profile
	Client      *http.Client
	BoundAt     time.Time
}

// Request is one logical request; it may be sent several times.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Option func(*Request)

func WithHeader(key, value string) Option {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = make(http.Header)
		}
		r.Header.Set(key, value)
	}
}

// WithBody sets the payload; contentType may be empty.
func WithBody(body []byte, contentType string) Option {
	return func(r *Request) {
		r.Body = body
		if contentType != "" {
			WithHeader("Content-Type", contentType)(r)
		}
	}
}

// Response 是最终成功的那次发送的结果。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
	IdentityID string // 回退通道时为空
	Fallback   bool
	Attempts   int
	Latency    time.Duration
}

// Requester 把一个工作协程的请求绑定到出口身份，失败时轮换重试。
// 不是并发安全的，每个 worker 一个。
type Requester struct {
	pool       Pool
	relay      Relay
	classifier Classifier
	opts       Options
	polite     *politeness
	log        zerolog.Logger

	binding       *Binding
	fallbackBinds int
}

func New(pool Pool, relay Relay, classifier Classifier, opts Options) *Requester {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.NewClient == nil {
		opts.NewClient = dialer.NewClient
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rotator == nil {
		opts.Rotator = fingerprint.NewRotator(uint64(time.Now().UnixNano()))
	}
	return &Requester{
		pool:       pool,
		relay:      relay,
		classifier: classifier,
		opts:       opts,
		polite:     newPoliteness(opts.Now),
		log:        logger.WithComponent("Requester"),
	}
}

func (r *Requester) Get(ctx context.Context, rawURL string, opts ...Option) (*Response, error) {
	return r.Do(ctx, newRequest(http.MethodGet, rawURL, opts))
}

func (r *Requester) Post(ctx context.Context, rawURL string, opts ...Option) (*Response, error) {
	return r.Do(ctx, newRequest(http.MethodPost, rawURL, opts))
}

func (r *Requester) Put(ctx context.Context, rawURL string, opts ...Option) (*Response, error) {
	return r.Do(ctx, newRequest(http.MethodPut, rawURL, opts))
}

func (r *Requester) Delete(ctx context.Context, rawURL string, opts ...Option) (*Response, error) {
	return r.Do(ctx, newRequest(http.MethodDelete, rawURL, opts))
}

func newRequest(method, rawURL string, opts []Option) *Request {
	req := &Request{Method: method, URL: rawURL, Header: make(http.Header)}
	for _, o := range opts {
		o(req)
	}
	return req
}

// Rotate 丢弃当前绑定，下一次请求重新选择身份。
func (r *Requester) Rotate() {
	r.binding = nil
}

// Binding returns a copy of the current binding, or nil before the first request.
func (r *Requester) Binding() *Binding {
	if r.binding == nil {
		return nil
	}
	b := *r.binding
	return &b
}

// Do 驱动状态机直到成功、重试耗尽或 ctx 取消。
func (r *Requester) Do(ctx context.Context, req *Request) (*Response, error) {
	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	state := StateBound
	attempt := 0
	var last error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch state {
		case StateBound:
			if r.binding == nil {
				if err := r.bind(ctx); err != nil {
					var te *TransportError
					if !errors.As(err, &te) {
						return nil, err
					}
					// 客户端构建失败按一次传输失败处理，换下一个身份
					last = te
					state = StateTransportFailed
					continue
				}
			}
			if r.opts.DomainDelay {
				if err := r.opts.Sleep(ctx, r.polite.delay(target.Hostname())); err != nil {
					return nil, err
				}
			}
			state = transition(state, attempt, r.opts.MaxRetries)

		case StateSent:
			resp, err := r.send(ctx, req, target)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				last = &TransportError{Err: err}
				r.log.Debug().Err(err).Str("identity_id", r.bindingID()).Int("attempt", attempt).Msg("Transport failure.")
				r.reportFailure(false)
				state = StateTransportFailed
				continue
			}

			if kind, hit := r.classify(resp); hit {
				last = &ChallengeError{Kind: kind, StatusCode: resp.StatusCode}
				r.log.Info().Str("identity_id", r.bindingID()).Str("kind", string(kind)).
					Int("status", resp.StatusCode).Int("attempt", attempt).Msg("Challenge detected.")
				r.reportFailure(r.opts.ForceBanOnBlock && r.classifier.IsBlockStatus(resp.StatusCode))
				state = StateChallengeDetected
				continue
			}

			r.reportSuccess(resp.Latency)
			resp.Attempts = attempt + 1
			return resp, nil

		case StateChallengeDetected, StateTransportFailed:
			state = transition(state, attempt, r.opts.MaxRetries)

		case StateRebinding:
			r.binding = nil
			if err := r.opts.Sleep(ctx, backoff(attempt, r.opts.BackoffBase, r.opts.BackoffMax, r.opts.Jitter)); err != nil {
				return nil, err
			}
			attempt++
			state = transition(state, attempt, r.opts.MaxRetries)

		case StateFailed:
			r.log.Warn().Str("url", req.URL).Int("attempts", attempt+1).Err(last).Msg("Giving up on request.")
			return nil, &ExhaustedError{Attempts: attempt + 1, Last: last}

		default:
			return nil, fmt.Errorf("requester in unexpected state %s", state)
		}
	}
}

// bind 从池中选择下一个身份；池为空时切到回退通道。
func (r *Requester) bind(ctx context.Context) error {
	profile := r.opts.Rotator.Next()
	b := &Binding{
		ID:          uuid.NewString(),
		Fingerprint: profile,
		BoundAt:     r.opts.Now(),
	}

	id, err := r.pool.SelectNext()
	switch {
	case err == nil:
		b.Identity = &id
	case errors.Is(err, proxypool.ErrNoIdentityAvailable):
		if r.relay == nil || !r.relay.Enabled() {
			return ErrNoRoute
		}
		b.Fallback = true
		b.RelayAddr = r.bindFallback(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("select identity: %w", err)
	}

	client, err := r.opts.NewClient(dialer.Route{
		Identity:  b.Identity,
		RelayAddr: b.RelayAddr,
		Profile:   profile,
		Timeout:   r.opts.Timeout,
	})
	if err != nil {
		// 身份配置本身有问题，计一次失败
		if b.Identity != nil {
			r.pool.ReportFailure(b.Identity.ID, false)
		}
		return &TransportError{Err: fmt.Errorf("build client: %w", err)}
	}
	b.Client = client
	r.binding = b

	ev := r.log.Debug().Str("binding", b.ID).Str("fingerprint", profile.Name)
	if b.Identity != nil {
		ev = ev.Str("identity_id", b.Identity.ID)
	} else {
		ev = ev.Bool("fallback", true).Str("relay", b.RelayAddr)
	}
	ev.Msg("Session bound.")
	return nil
}

// bindFallback 启动 (或轮换) 中继并返回其地址。中继启动失败时退化为
// 直连加指纹轮换，返回空串。
func (r *Requester) bindFallback(ctx context.Context) string {
	if _, err := r.relay.Start(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Fallback relay failed to start, continuing with direct route and fingerprint rotation.")
		return ""
	}
	if r.fallbackBinds > 0 {
		if err := r.relay.RotateIdentity(ctx); err != nil {
			r.log.Warn().Err(err).Msg("Fallback relay rotation failed.")
		}
	}
	r.fallbackBinds++
	return r.relay.CurrentProxySpec()
}

func (r *Requester) send(ctx context.Context, req *Request, target *url.URL) (*Response, error) {
	u := *target
	if r.opts.CacheBust {
		q := u.Query()
		q.Set("_nocache", strconv.FormatInt(r.opts.Now().UnixMilli(), 10))
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	fingerprint.Apply(hreq, r.binding.Fingerprint)

	started := r.opts.Now()
	resp, err := r.binding.Client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.opts.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        resp.Request.URL.String(),
		Fallback:   r.binding.Fallback,
		Latency:    r.opts.Now().Sub(started),
	}
	if r.binding.Identity != nil {
		out.IdentityID = r.binding.Identity.ID
	}
	return out, nil
}

func (r *Requester) classify(resp *Response) (challenge.Kind, bool) {
	if !r.opts.CaptchaDetection || r.classifier == nil {
		return challenge.KindNone, false
	}
	obs := &challenge.Observed{
		URL:        resp.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}
	hit, kind := r.classifier.Classify(obs)
	if !hit {
		return challenge.KindNone, false
	}
	if path, err := r.classifier.Record(obs, kind); err != nil {
		r.log.Warn().Err(err).Msg("Failed to save challenge sample.")
	} else if path != "" {
		r.log.Debug().Str("path", path).Msg("Challenge sample saved.")
	}
	return kind, true
}

func (r *Requester) bindingID() string {
	if r.binding == nil || r.binding.Identity == nil {
		return ""
	}
	return r.binding.Identity.ID
}

func (r *Requester) reportSuccess(latency time.Duration) {
	id := r.bindingID()
	if id == "" {
		return
	}
	if err := r.pool.ReportSuccess(id, latency); err != nil {
		r.log.Warn().Err(err).Str("identity_id", id).Msg("Failed to report success.")
	}
}

func (r *Requester) reportFailure(forceBan bool) {
	id := r.bindingID()
	if id == "" {
		return
	}
	if err := r.pool.ReportFailure(id, forceBan); err != nil {
		r.log.Warn().Err(err).Str("identity_id", id).Msg("Failed to report failure.")
	}
}
