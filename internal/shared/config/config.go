package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"liuproxy_egress/internal/shared/types"
)

// Default 返回所有选项均已填充默认值的配置。
func Default() *types.Config {
	return &types.Config{
		CommonConf: types.CommonConf{
			IdentityFile:  "configs/identities.json",
			StorageDriver: "file",
		},
		PoolConf: types.PoolConf{
			MaxFails:              3,
			BanDurationSeconds:    1800,
			RotationStrategy:      "round-robin",
			VerifyOnStartup:       true,
			AutoFetchFree:         true,
			VerifyConcurrency:     10,
			VerifyTimeoutSeconds:  10,
			VerifyEndpoints:       []string{"https://httpbin.org/ip", "https://api.ipify.org"},
			VerifyIntervalMinutes: 30,
			RefreshIntervalHours:  6,
			RevalidationBatchSize: 50,
		},
		RequesterConf: types.RequesterConf{
			CaptchaDetection:      true,
			RequestTimeoutSeconds: 30,
			MaxRetries:            3,
			BackoffBaseMs:         2000,
			BackoffMaxMs:          30000,
			ChallengeSampleDir:    "captcha_samples",
			SizeFloor:             1000,
		},
		FallbackConf: types.FallbackConf{
			Enabled:               true,
			RelayBinary:           "tor",
			PortRangeStart:        9050,
			PortRangeEnd:          9150,
			SettleSeconds:         5,
			StartupTimeoutSeconds: 30,
		},
		FeedsConf: types.FeedsConf{
			HTTP: []string{
				"https://www.proxy-list.download/api/v1/get?type=http",
				"https://api.proxyscrape.com/v2/?request=getproxies&protocol=http&timeout=10000",
				"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
			},
			HTTPS: []string{
				"https://www.proxy-list.download/api/v1/get?type=https",
				"https://api.proxyscrape.com/v2/?request=getproxies&protocol=https&timeout=10000",
			},
			SOCKS5: []string{
				"https://www.proxy-list.download/api/v1/get?type=socks5",
				"https://api.proxyscrape.com/v2/?request=getproxies&protocol=socks5&timeout=10000",
				"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks5.txt",
			},
			Concurrency: 4,
			Retries:     2,
		},
		LogConf: types.LogConf{Level: "info"},
	}
}

// LoadIni 在默认值之上加载 egress.ini，然后应用环境变量覆盖。
// 文件不存在时只使用默认值和环境变量。
func LoadIni(cfg *types.Config, fileName string) error {
	if fileName != "" {
		if _, err := os.Stat(fileName); err == nil {
			iniFile, err := ini.Load(fileName)
			if err != nil {
				return err
			}
			if err := iniFile.MapTo(cfg); err != nil {
				return err
			}
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	overrideFromEnvInt(&cfg.PoolConf.MaxFails, "MAX_FAILS")
	overrideFromEnvInt(&cfg.PoolConf.BanDurationSeconds, "BAN_DURATION_SECONDS")
	overrideFromEnvBool(&cfg.PoolConf.VerifyOnStartup, "VERIFY_ON_STARTUP")
	overrideFromEnvBool(&cfg.PoolConf.AutoFetchFree, "AUTO_FETCH_FREE")
	overrideFromEnvString(&cfg.PoolConf.RotationStrategy, "ROTATION_STRATEGY")
	overrideFromEnvBool(&cfg.RequesterConf.CaptchaDetection, "CAPTCHA_DETECTION")
	overrideFromEnvInt(&cfg.RequesterConf.RequestTimeoutSeconds, "REQUEST_TIMEOUT_SECONDS")
	overrideFromEnvInt(&cfg.RequesterConf.MaxRetries, "MAX_RETRIES")
	overrideFromEnvString(&cfg.CommonConf.IdentityFile, "IDENTITY_FILE")
	overrideFromEnvString(&cfg.CommonConf.StorageDriver, "STORAGE_DRIVER")
	overrideFromEnvString(&cfg.CommonConf.StorageDSN, "STORAGE_DSN")
	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
	overrideFromEnvInt(&cfg.WebConf.Port, "WEB_PORT")

	return Validate(cfg)
}

// Validate checks the values the egress layer cannot run without.
func Validate(cfg *types.Config) error {
	invalid := func(key, reason string) error {
		return &types.ConfigurationError{Source: key, Reason: reason}
	}

	switch cfg.PoolConf.RotationStrategy {
	case "round-robin", "performance", "random":
	default:
		return invalid("pool.rotation_strategy", fmt.Sprintf("unknown strategy %q", cfg.PoolConf.RotationStrategy))
	}
	if cfg.PoolConf.MaxFails <= 0 {
		return invalid("pool.max_fails", "must be positive")
	}
	if cfg.PoolConf.BanDurationSeconds <= 0 {
		return invalid("pool.ban_duration_seconds", "must be positive")
	}
	if cfg.RequesterConf.MaxRetries < 0 {
		return invalid("requester.max_retries", "must not be negative")
	}
	if cfg.RequesterConf.RequestTimeoutSeconds <= 0 {
		return invalid("requester.request_timeout_seconds", "must be positive")
	}
	if cfg.FallbackConf.Enabled {
		if cfg.FallbackConf.PortRangeStart <= 0 || cfg.FallbackConf.PortRangeEnd > 65535 ||
			cfg.FallbackConf.PortRangeStart > cfg.FallbackConf.PortRangeEnd {
			return invalid("fallback.port_range", fmt.Sprintf("invalid range %d-%d",
				cfg.FallbackConf.PortRangeStart, cfg.FallbackConf.PortRangeEnd))
		}
	}
	switch cfg.CommonConf.StorageDriver {
	case "file", "sqlite", "mysql":
	default:
		return invalid("common.storage", fmt.Sprintf("unknown storage driver %q", cfg.CommonConf.StorageDriver))
	}
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvBool(target *bool, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if boolValue, err := strconv.ParseBool(envValue); err == nil {
			*target = boolValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := strings.TrimSpace(os.Getenv(envName)); envValue != "" {
		*target = envValue
	}
}
