package web

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"reversalpro/logger"
)

// requestLogger 请求日志中间件
// 全量写入 web 日志文件，4xx/5xx 额外进应用日志
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		message := fmt.Sprintf("[GIN] %d | %v | %s | %-7s %s",
			status, latency, c.ClientIP(), c.Request.Method, path)

		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			message += " | " + errs
		}

		logger.WriteWebLog(message)

		switch {
		case status >= 500:
			logger.Error("❌ %s", message)
		case status >= 400:
			logger.Warn("⚠️ %s", message)
		}
	}
}
