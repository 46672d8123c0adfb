package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MEDIACACHE")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.CacheRoot != "" {
		absRoot, err := filepath.Abs(cfg.Global.CacheRoot)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.CacheRoot = absRoot
	}

	return &cfg, nil
}

// Default 返回未读取任何文件时的配置，供 key/fetch 等子命令在缺少配置文件时使用。
func Default() *Config {
	cfg := &Config{}
	cfg.Global.LogLevel = "info"
	cfg.Global.LogMaxSize = 100
	cfg.Global.LogMaxBackups = 10
	cfg.Global.LogCompress = true
	cfg.Global.MetricsEnabled = true
	applyGlobalDefaults(&cfg.Global)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenAddress", "127.0.0.1")
	v.SetDefault("ListenPort", 5090)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheRoot", "")
	v.SetDefault("CacheSubfolder", "mediacache")
	v.SetDefault("MarkerScheme", "mediacache")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ResumePolicy", string(ResumePolicyRestart))
	v.SetDefault("MimeTablePath", "")
	v.SetDefault("PrefetchConcurrency", 4)
	v.SetDefault("MetricsEnabled", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if strings.TrimSpace(g.ListenAddress) == "" {
		g.ListenAddress = "127.0.0.1"
	}
	if g.ListenPort == 0 {
		g.ListenPort = 5090
	}
	if strings.TrimSpace(g.CacheSubfolder) == "" {
		g.CacheSubfolder = "mediacache"
	}
	if strings.TrimSpace(g.MarkerScheme) == "" {
		g.MarkerScheme = "mediacache"
	}
	g.MarkerScheme = strings.ToLower(strings.TrimSpace(g.MarkerScheme))
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ResumePolicy == "" {
		g.ResumePolicy = ResumePolicyRestart
	}
	g.ResumePolicy = ResumePolicy(strings.ToLower(strings.TrimSpace(string(g.ResumePolicy))))
	if g.PrefetchConcurrency == 0 {
		g.PrefetchConcurrency = 4
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
