package security

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// PPCtxTokenKey 后续 handler 统一用这个 key 读取令牌
const PPCtxTokenKey = "token"

type Options struct {
	QueryToken                string // 默认 "token"
	EnableAuthorizationBearer bool   // 默认 true
}

func DefaultOptions() *Options {
	return &Options{
		QueryToken:                "token",
		EnableAuthorizationBearer: true,
	}
}

// Middleware 只负责取出令牌写入 context；校验在连接升级后进行，
// 失败时用 close frame 通知客户端
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.Query(opts.QueryToken))

		// 兼容 Authorization: Bearer xxx
		if token == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					token = strings.TrimSpace(authz[len("bearer "):])
				}
			}
		}
		if token != "" {
			c.Set(PPCtxTokenKey, token)
		}
		c.Next()
	}
}

// TokenFrom 读取 Middleware 写入的令牌，没有则为空串
func TokenFrom(c *gin.Context) string {
	return c.GetString(PPCtxTokenKey)
}
