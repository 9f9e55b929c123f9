package middleware

import (
	"net/http"
	"strings"

	"Meower/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Origin 校验 WebSocket 握手的 Origin 头。allowed 为空时放行全部；
// 非浏览器客户端不带 Origin，同样放行。
func Origin(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o != "" {
			set[o] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		if len(set) == 0 {
			return
		}
		origin := c.GetHeader("Origin")
		if origin == "" {
			return
		}
		if _, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]; ok {
			return
		}
		logger.Debug("origin rejected", zap.String("origin", origin), zap.String("ip", c.ClientIP()))
		c.AbortWithStatus(http.StatusForbidden)
	}
}
