package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// ResumePolicy 决定重新下载时如何处理遗留的 .partial 文件。
type ResumePolicy string

const (
	// ResumePolicyRestart 截断遗留的 partial 文件并从 0 字节重新拉取。
	ResumePolicyRestart ResumePolicy = "restart"
	// ResumePolicyResume 以 Range 请求从 partial 文件末尾继续拉取。
	ResumePolicyResume ResumePolicy = "resume"
)

// GlobalConfig 描述全局运行时行为，所有媒体句柄共享同一份参数。
type GlobalConfig struct {
	ListenAddress       string            `mapstructure:"ListenAddress"`
	ListenPort          int               `mapstructure:"ListenPort"`
	LogLevel            string            `mapstructure:"LogLevel"`
	LogFilePath         string            `mapstructure:"LogFilePath"`
	LogMaxSize          int               `mapstructure:"LogMaxSize"`
	LogMaxBackups       int               `mapstructure:"LogMaxBackups"`
	LogCompress         bool              `mapstructure:"LogCompress"`
	CacheRoot           string            `mapstructure:"CacheRoot"`
	CacheSubfolder      string            `mapstructure:"CacheSubfolder"`
	MarkerScheme        string            `mapstructure:"MarkerScheme"`
	UpstreamTimeout     Duration          `mapstructure:"UpstreamTimeout"`
	ResumePolicy        ResumePolicy      `mapstructure:"ResumePolicy"`
	MimeTablePath       string            `mapstructure:"MimeTablePath"`
	PrefetchConcurrency int               `mapstructure:"PrefetchConcurrency"`
	MetricsEnabled      bool              `mapstructure:"MetricsEnabled"`
	Headers             map[string]string `mapstructure:"Headers"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}

// ListenAddr 返回 gateway 监听地址，例如 127.0.0.1:5090。
func (g GlobalConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", g.ListenAddress, g.ListenPort)
}

// HeaderNames 返回默认请求头名称，供启动日志输出（不暴露取值，避免泄露凭证）。
func (g GlobalConfig) HeaderNames() []string {
	if len(g.Headers) == 0 {
		return nil
	}
	names := make([]string, 0, len(g.Headers))
	for name := range g.Headers {
		names = append(names, name)
	}
	return names
}
