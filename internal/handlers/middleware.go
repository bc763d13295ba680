package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader       = "X-Request-ID"
	requestIDKey          = "requestID"
	clientRequestIDKey    = "clientRequestID"
	maxClientRequestIDLen = 128
)

// RequestID assigns every request a server-generated identifier. Result
// history is keyed by it, so a caller's own X-Request-ID is kept only as a
// log correlation field.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if client := c.GetHeader(requestIDHeader); client != "" && len(client) <= maxClientRequestIDLen {
			c.Set(clientRequestIDKey, client)
		}
		id := uuid.NewString()
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestIDFrom(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	return uuid.NewString()
}

// AccessLog writes one structured line per request. Bodies are never logged.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(requestIDKey)),
		}
		if client := c.GetString(clientRequestIDKey); client != "" {
			fields = append(fields, zap.String("client_request_id", client))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request failed", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("request rejected", fields...)
		default:
			logger.Info("request processed", fields...)
		}
	}
}

// Recovery turns a panic that escaped a handler into the generic 500 body.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		logger.Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Stack("stack"))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(genericFailureMessage))
	})
}
