package config

import (
	"errors"
	"net/textproto"
	"regexp"
	"strings"
)

var (
	// schemePattern 遵循 RFC 3986 对 scheme 的字符约束。
	schemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

	reservedSchemes = map[string]struct{}{
		"http":  {},
		"https": {},
		"file":  {},
	}
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if strings.Contains(g.ListenAddress, "/") || strings.Contains(g.ListenAddress, " ") {
		return newFieldError("Global.ListenAddress", "只能是主机名或 IP")
	}
	if strings.ContainsAny(g.CacheSubfolder, `/\`) || g.CacheSubfolder == "." || g.CacheSubfolder == ".." {
		return newFieldError("Global.CacheSubfolder", "必须是单级目录名")
	}
	if !schemePattern.MatchString(g.MarkerScheme) {
		return newFieldError("Global.MarkerScheme", "不是合法的 URL scheme")
	}
	if _, reserved := reservedSchemes[g.MarkerScheme]; reserved {
		return newFieldError("Global.MarkerScheme", "不能与 http/https/file 冲突")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	switch g.ResumePolicy {
	case ResumePolicyRestart, ResumePolicyResume:
	default:
		return newFieldError("Global.ResumePolicy", "仅支持 restart/resume")
	}
	if g.PrefetchConcurrency < 0 {
		return newFieldError("Global.PrefetchConcurrency", "不能为负数")
	}
	for name := range g.Headers {
		if strings.TrimSpace(name) == "" {
			return newFieldError(headerField(name), "名称不能为空")
		}
		if strings.ContainsAny(name, " :\r\n") {
			return newFieldError(headerField(name), "包含非法字符")
		}
		switch textproto.CanonicalMIMEHeaderKey(name) {
		case "Range", "Host":
			return newFieldError(headerField(name), "由缓存层自行管理，不允许覆盖")
		}
	}

	return nil
}
