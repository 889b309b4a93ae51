package types

// CommonConf 包含身份池的持久化配置
type CommonConf struct {
	IdentityFile  string `ini:"identity_file"`
	StorageDriver string `ini:"storage"`     // "file" (默认), "sqlite", "mysql"
	StorageDSN    string `ini:"storage_dsn"` // sqlite 文件路径或 mysql DSN
}

// PoolConf 对应身份池的选择、封禁与验证策略
type PoolConf struct {
	MaxFails              int      `ini:"max_fails"`
	BanDurationSeconds    int      `ini:"ban_duration_seconds"`
	RotationStrategy      string   `ini:"rotation_strategy"` // round-robin, performance, random
	VerifyOnStartup       bool     `ini:"verify_on_startup"`
	AutoFetchFree         bool     `ini:"auto_fetch_free"`
	VerifyConcurrency     int      `ini:"verify_concurrency"`
	VerifyTimeoutSeconds  int      `ini:"verify_timeout_seconds"`
	VerifyEndpoints       []string `ini:"verify_endpoints" delim:","`
	VerifyIntervalMinutes int      `ini:"verify_interval_minutes"`
	RefreshIntervalHours  int      `ini:"refresh_interval_hours"`
	RevalidationBatchSize int      `ini:"revalidation_batch_size"`
	GeoIPDB               string   `ini:"geoip_db"`
}

// RequesterConf 包含请求重试与挑战检测的配置
type RequesterConf struct {
	CaptchaDetection      bool   `ini:"captcha_detection"`
	RequestTimeoutSeconds int    `ini:"request_timeout_seconds"`
	MaxRetries            int    `ini:"max_retries"`
	BackoffBaseMs         int    `ini:"backoff_base_ms"`
	BackoffMaxMs          int    `ini:"backoff_max_ms"`
	ChallengeSampleDir    string `ini:"challenge_sample_dir"`
	SizeFloor             int    `ini:"size_floor"`
	ForceBanOnBlock       bool   `ini:"force_ban_on_block"`
	DomainDelay           bool   `ini:"domain_delay"`
}

// FallbackConf 对应本地匿名中继 (tor) 的配置
type FallbackConf struct {
	Enabled               bool   `ini:"enabled"`
	RelayBinary           string `ini:"relay_binary"`
	PortRangeStart        int    `ini:"port_range_start"`
	PortRangeEnd          int    `ini:"port_range_end"`
	SettleSeconds         int    `ini:"settle_seconds"`
	StartupTimeoutSeconds int    `ini:"startup_timeout_seconds"`
}

// FeedsConf lists the candidate-list feed URLs per protocol class.
type FeedsConf struct {
	HTTP   []string `ini:"http" delim:","`
	HTTPS  []string `ini:"https" delim:","`
	SOCKS5 []string `ini:"socks5" delim:","`
	// 内置 HTML 站点, e.g. "ip3366.net,zdaye.com"
	HTMLSites   []string `ini:"html_sites" delim:","`
	Concurrency int      `ini:"concurrency"`
	Retries     int      `ini:"retries"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// WebConf 包含仪表盘的配置
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是 egress.ini 的统一配置结构体
type Config struct {
	CommonConf    `ini:"common"`
	PoolConf      `ini:"pool"`
	RequesterConf `ini:"requester"`
	FallbackConf  `ini:"fallback"`
	FeedsConf     `ini:"feeds"`
	LogConf       `ini:"log"`
	WebConf       `ini:"web"`
}
