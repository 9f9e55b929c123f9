package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// context key
const (
	CtxInternalKey = "internal" // bool, 已通过内部令牌校验
)

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "X-Internal-Token"
	EnableAuthorizationBearer bool   // 默认 true

	// 期望的令牌；为空时不做校验（本地开发）
	Token string
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               "X-Internal-Token",
		EnableAuthorizationBearer: true,
	}
}

// Middleware 保护运维接口：只接受持有内部令牌的调用方
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	want := []byte(opts.Token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))

		// 兼容 Authorization: Bearer xxx
		if token == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					token = strings.TrimSpace(authz[len("bearer "):])
				}
			}
		}

		if token == "" || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(CtxInternalKey, true)
		c.Next()
	}
}
