// Package middleware 存放 HTTP 中间件：客户端一侧的 RoundTripper（签名、401 重试、日志）
// 和参考后端使用的 Gin 中间件。
package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"rag-chat-client/pkg/log"

	"github.com/gin-gonic/gin"
)

const maxLoggedBody = 2048

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 同时写入 gin.ResponseWriter 和内部 buffer，buffer 超过上限后不再记录。
func (w bodyLogWriter) Write(b []byte) (int, error) {
	if w.body.Len() < maxLoggedBody {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。
// /auth/ 下的请求体含有密码和 token，不记录；流式和 WebSocket 响应只记录状态码。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path
		sensitive := strings.Contains(path, "/auth/")
		streaming := strings.HasSuffix(path, "/stream") || strings.HasSuffix(path, "/ws")

		var requestBody []byte
		if c.Request.Body != nil && !sensitive && !streaming {
			requestBody, _ = io.ReadAll(c.Request.Body)
			// 将读取的请求体重新设置回去，以便后续处理函数可以正常读取
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		var blw *bodyLogWriter
		if !sensitive && !streaming {
			blw = &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
			c.Writer = blw
		}

		c.Next()

		fields := []interface{}{
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		}
		if blw != nil {
			fields = append(fields, "requestBody", truncateBody(requestBody), "responseBody", truncateBody(blw.body.Bytes()))
		}
		log.Infow("HTTP Request Log", fields...)
	}
}

func truncateBody(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "…"
	}
	return string(b)
}
