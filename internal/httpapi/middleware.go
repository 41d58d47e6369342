package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		logger.Info("http request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("client_ip", ctx.ClientIP()),
		)
	}
}

// bearerAuth requires "Authorization: Bearer <token>" when token is non-empty.
func bearerAuth(token string) gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(token))
	return func(ctx *gin.Context) {
		if len(expected) == 0 {
			ctx.Next()
			return
		}
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing bearer token"))
			return
		}
		provided := []byte(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if subtle.ConstantTimeCompare(provided, expected) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid bearer token"))
			return
		}
		ctx.Next()
	}
}
