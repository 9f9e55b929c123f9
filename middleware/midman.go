package middleware

import (
	"net/http"
	"sync"
	"time"

	"Meower/logger"
	"Meower/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 全局单例 + once
var (
	globalMgr *MiddlewareManager
	once      sync.Once
)

// MiddlewareManager 可以自由注册/注销中间件
type MiddlewareManager struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc
}

// Config 在程序启动时显式初始化
func Config() {
	once.Do(func() {
		globalMgr = NewManager()
	})
}

func NewManager() *MiddlewareManager {
	return &MiddlewareManager{}
}

// Manager 获取全局实例（惰性初始化，线程安全）
func Manager() *MiddlewareManager {
	Config()
	return globalMgr
}

// Add 注册一个中间件
func (m *MiddlewareManager) Add(h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = append(m.mids, h)
}

// Clear 清空全部中间件
func (m *MiddlewareManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = nil
}

func (m *MiddlewareManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mids)
}

// Use 返回一个 gin.HandlerFunc，作为总控挂载到 Engine 上。
// 注册的中间件按顺序执行，不应自行调用 c.Next；任一中间件 Abort 即停止。
func (m *MiddlewareManager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := append([]gin.HandlerFunc{}, m.mids...) // 拷贝一份快照
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}

// Recovery 记录 panic（含堆栈）并回 500；直接挂到 Engine 上，不经过 Manager
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err := errs.ErrPanic(r)
				logger.Error("http panic", zap.String("path", c.Request.URL.Path), zap.Error(err))
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// AccessLog 访问日志；WebSocket 升级请求在连接结束时才返回
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
