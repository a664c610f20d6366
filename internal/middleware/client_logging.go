package middleware

import (
	"net/http"
	"time"

	"rag-chat-client/pkg/log"
)

// LoggingTransport 记录每个出站请求的方法、路径、状态码和耗时。
// 请求体与响应体不会被读取，流式响应不受影响。
type LoggingTransport struct {
	Base http.RoundTripper
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	startTime := time.Now()
	resp, err := base.RoundTrip(req)
	latency := time.Since(startTime)
	if err != nil {
		log.Warnw("HTTP Client Request Failed",
			"method", req.Method,
			"path", req.URL.Path,
			"latency", latency.String(),
			"error", err,
		)
		return nil, err
	}
	log.Infow("HTTP Client Request",
		"statusCode", resp.StatusCode,
		"latency", latency.String(),
		"method", req.Method,
		"path", req.URL.Path,
	)
	return resp, nil
}
