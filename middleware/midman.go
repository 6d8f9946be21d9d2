package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// MiddlewareManager 启动前按顺序登记全局中间件，挂载时取快照
type MiddlewareManager struct {
	mu    sync.RWMutex
	names []string
	mids  []gin.HandlerFunc
}

func NewManager() *MiddlewareManager {
	return &MiddlewareManager{}
}

// Add 注册一个中间件；同名重复注册直接跳过
func (m *MiddlewareManager) Add(name string, h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.names {
		if n == name {
			return
		}
	}
	m.names = append(m.names, name)
	m.mids = append(m.mids, h)
}

// Names 已注册的中间件名（按顺序）
func (m *MiddlewareManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.names...)
}

// Mount 把当前快照挂到 engine 上
func (m *MiddlewareManager) Mount(r gin.IRoutes) {
	m.mu.RLock()
	handlers := append([]gin.HandlerFunc{}, m.mids...) // 拷贝一份快照
	m.mu.RUnlock()
	r.Use(handlers...)
}

// Defaults recovery + access log + origin 白名单
func Defaults(allowedOrigins []string) *MiddlewareManager {
	m := NewManager()
	m.Add("recovery", Recovery())
	m.Add("access_log", AccessLog())
	m.Add("origin", Origin(allowedOrigins))
	return m
}
