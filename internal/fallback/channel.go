package fallback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/internal/shared/types"
)

var (
	// ErrDisabled is returned by Start when [fallback] enabled = false.
	ErrDisabled = errors.New("fallback channel disabled")
	// ErrNoFreePort 表示端口范围内没有可用端口。
	ErrNoFreePort = errors.New("no free port in relay range")
)

// Options 配置 Channel。LookPath 和 Launcher 可以在测试中替换。
type Options struct {
	Enabled        bool
	Binary         string
	PortStart      int
	PortEnd        int
	Settle         time.Duration
	StartupTimeout time.Duration
	LookPath       func(file string) (string, error)
	Launcher       Launcher
}

// OptionsFromConfig maps the [fallback] section.
func OptionsFromConfig(cfg types.FallbackConf) Options {
	return Options{
		Enabled:        cfg.Enabled,
		Binary:         cfg.RelayBinary,
		PortStart:      cfg.PortRangeStart,
		PortEnd:        cfg.PortRangeEnd,
		Settle:         time.Duration(cfg.SettleSeconds) * time.Second,
		StartupTimeout: time.Duration(cfg.StartupTimeoutSeconds) * time.Second,
	}
}

// State 是仪表盘展示的通道状态。
type State struct {
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
	Degraded  bool   `json:"degraded"`
	Running   bool   `json:"running"`
	Addr      string `json:"addr,omitempty"`
	Rotations uint64 `json:"rotations"`
}

// Channel 管理进程内唯一的本地匿名中继 (tor)。
// 找不到中继程序时进入降级模式：不做 IP 匿名，只轮换指纹。
type Channel struct {
	opts  Options
	group singleflight.Group

	opMu sync.Mutex // 串行化 start / rotate / stop

	mu       sync.RWMutex
	proc     Process
	port     int
	dataDir  string
	started  bool
	degraded bool

	epoch atomic.Uint64
}

func New(opts Options) *Channel {
	if opts.Binary == "" {
		opts.Binary = "tor"
	}
	if opts.PortStart <= 0 {
		opts.PortStart = 9050
	}
	if opts.PortEnd < opts.PortStart {
		opts.PortEnd = opts.PortStart + 100
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 30 * time.Second
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Launcher == nil {
		opts.Launcher = execLauncher{}
	}
	return &Channel{opts: opts}
}

// Enabled reports whether the channel may be used at all.
func (c *Channel) Enabled() bool {
	return c.opts.Enabled
}

// IsAvailable 检查中继程序是否安装。
func (c *Channel) IsAvailable() bool {
	_, err := c.opts.LookPath(c.opts.Binary)
	return err == nil
}

// Degraded reports whether Start fell back to fingerprint-only mode.
func (c *Channel) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Epoch 在每次轮换后递增，降级模式下也是如此。
func (c *Channel) Epoch() uint64 {
	return c.epoch.Load()
}

// Start 启动中继并返回 SOCKS 端口。并发调用只会启动一个进程；
// 已经在运行时直接返回现有端口。降级模式返回 (0, nil)。
func (c *Channel) Start(ctx context.Context) (int, error) {
	if !c.opts.Enabled {
		return 0, ErrDisabled
	}
	v, err, _ := c.group.Do("start", func() (any, error) {
		c.opMu.Lock()
		defer c.opMu.Unlock()
		return c.startLocked(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (c *Channel) startLocked(ctx context.Context) (int, error) {
	l := logger.WithComponent("Fallback")

	c.mu.RLock()
	started, port := c.started, c.port
	c.mu.RUnlock()
	if started {
		return port, nil
	}

	if !c.IsAvailable() {
		c.mu.Lock()
		c.started, c.degraded, c.port = true, true, 0
		c.mu.Unlock()
		l.Warn().Str("binary", c.opts.Binary).
			Msg("Relay binary not found, fallback runs in degraded mode (fingerprint rotation only).")
		return 0, nil
	}

	dataDir, err := os.MkdirTemp("", "egress-relay-")
	if err != nil {
		return 0, fmt.Errorf("create relay data dir: %w", err)
	}
	proc, port, err := c.launch(ctx, dataDir, c.opts.PortStart)
	if err != nil {
		os.RemoveAll(dataDir)
		return 0, err
	}

	c.mu.Lock()
	c.proc, c.port, c.dataDir = proc, port, dataDir
	c.started, c.degraded = true, false
	c.mu.Unlock()

	l.Info().Int("port", port).Msg("Relay started.")
	return port, nil
}

// launch 从 preferred 开始寻找空闲端口，启动进程并等待端口可连接。
func (c *Channel) launch(ctx context.Context, dataDir string, preferred int) (Process, int, error) {
	port, err := FindFreePort(preferred, c.opts.PortEnd)
	if err != nil && preferred != c.opts.PortStart {
		port, err = FindFreePort(c.opts.PortStart, c.opts.PortEnd)
	}
	if err != nil {
		return nil, 0, err
	}

	proc, err := c.opts.Launcher.Launch(c.opts.Binary, port, dataDir)
	if err != nil {
		return nil, 0, fmt.Errorf("launch %s: %w", c.opts.Binary, err)
	}
	if err := c.waitReady(ctx, proc, port); err != nil {
		proc.Stop()
		return nil, 0, err
	}
	return proc, port, nil
}

func (c *Channel) waitReady(ctx context.Context, proc Process, port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.NewTimer(c.opts.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-proc.Done():
			return fmt.Errorf("relay exited before accepting connections on %s", addr)
		case <-deadline.C:
			return fmt.Errorf("relay did not accept connections on %s within %s", addr, c.opts.StartupTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RotateIdentity 重启中继以获得新的出口，然后等待 settle 时间。
// 降级模式下只推进指纹 epoch。
func (c *Channel) RotateIdentity(ctx context.Context) error {
	if !c.opts.Enabled {
		return ErrDisabled
	}
	if _, err := c.Start(ctx); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	l := logger.WithComponent("Fallback")

	c.mu.RLock()
	degraded, proc, port, dataDir := c.degraded, c.proc, c.port, c.dataDir
	c.mu.RUnlock()

	if degraded {
		c.epoch.Add(1)
		l.Debug().Uint64("epoch", c.epoch.Load()).Msg("Degraded mode rotation, fingerprint only.")
		return nil
	}

	if proc != nil {
		if err := proc.Stop(); err != nil {
			l.Warn().Err(err).Msg("Relay did not stop cleanly.")
		}
	}
	newProc, newPort, err := c.launch(ctx, dataDir, port)
	if err != nil {
		c.mu.Lock()
		c.proc, c.port, c.started = nil, 0, false
		c.mu.Unlock()
		return fmt.Errorf("restart relay: %w", err)
	}

	c.mu.Lock()
	c.proc, c.port = newProc, newPort
	c.mu.Unlock()
	c.epoch.Add(1)
	l.Info().Int("port", newPort).Uint64("epoch", c.epoch.Load()).Msg("Relay restarted for a new exit identity.")

	if c.opts.Settle > 0 {
		t := time.NewTimer(c.opts.Settle)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CurrentProxySpec 返回运行中中继的 "127.0.0.1:port"；未运行或降级时返回空串。
func (c *Channel) CurrentProxySpec() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started || c.degraded || c.port == 0 {
		return ""
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.port))
}

// State returns a snapshot for the dashboard.
func (c *Channel) State() State {
	c.mu.RLock()
	running := c.started && !c.degraded && c.port != 0
	degraded := c.degraded
	c.mu.RUnlock()
	return State{
		Enabled:   c.opts.Enabled,
		Available: c.IsAvailable(),
		Degraded:  degraded,
		Running:   running,
		Addr:      c.CurrentProxySpec(),
		Rotations: c.epoch.Load(),
	}
}

// Stop 停止中继并删除临时数据目录。可以重复调用。
func (c *Channel) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	proc, dataDir := c.proc, c.dataDir
	c.proc, c.port, c.dataDir = nil, 0, ""
	c.started, c.degraded = false, false
	c.mu.Unlock()

	var err error
	if proc != nil {
		err = proc.Stop()
		l := logger.WithComponent("Fallback")
		l.Info().Msg("Relay stopped.")
	}
	if dataDir != "" {
		os.RemoveAll(dataDir)
	}
	return err
}

// FindFreePort 返回 [start, end] 中第一个能在 127.0.0.1 上绑定的端口。
func FindFreePort(start, end int) (int, error) {
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrNoFreePort, start, end)
}
