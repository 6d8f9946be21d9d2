package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"PPRoom/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// OriginChecker 返回 websocket.Upgrader.CheckOrigin 可用的函数。
// allowed 为空或包含 "*" 时放行所有来源；没有 Origin 头的非浏览器客户端也放行。
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimRight(strings.TrimSpace(a), "/"))
		if a == "*" {
			return func(*http.Request) bool { return true }
		}
		if a != "" {
			set[a] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// Origin 在升级前拒绝不在白名单里的浏览器来源
func Origin(allowed []string) gin.HandlerFunc {
	check := OriginChecker(allowed)
	return func(c *gin.Context) {
		if !check(c.Request) {
			logger.Warn("origin rejected", zap.String("origin", c.GetHeader("Origin")), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
