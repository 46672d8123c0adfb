package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 gateway 请求的公共字段（缓存键、命中状态、请求 ID）。
func RequestFields(cacheKey, method, rangeHeader, requestID string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"cache_key": cacheKey,
		"method":    method,
		"cache_hit": cacheHit,
	}
	if rangeHeader != "" {
		fields["range"] = rangeHeader
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// LoaderFields 标识一个 LoadingCoordinator 及其当前 FetchSession。
func LoaderFields(cacheKey, coordinatorID, sessionID string) logrus.Fields {
	fields := logrus.Fields{
		"cache_key":      cacheKey,
		"coordinator_id": coordinatorID,
	}
	if sessionID != "" {
		fields["session_id"] = sessionID
	}
	return fields
}

// Discard 返回一个丢弃所有输出的 logger，供未注入 logger 的组件和测试使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(nopWriter{})
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
