package chat

import (
	"net/http"
	"time"

	"PPRoom/global"
	"PPRoom/middleware"
	"PPRoom/middleware/security"
	"PPRoom/service/metrics"
	"PPRoom/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type ServerConf struct {
	HandshakeTimeout time.Duration // 升级后等待鉴权完成的上限
	ReadLimit        int64
	WriteWait        time.Duration
	PongWait         time.Duration
	SendBuffer       int
	RatePerSecond    float64 // <=0 不限速
	RateBurst        int
	EchoSender       bool // 广播是否回显给发送者
	AllowedOrigins   []string
}

func (c *ServerConf) norm() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

func (c *ServerConf) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// ConfFromGlobal 取 http 段配置
func ConfFromGlobal(h global.HTTPConfig) ServerConf {
	return ServerConf{
		HandshakeTimeout: h.HandshakeTimeout,
		ReadLimit:        h.ReadLimit,
		WriteWait:        h.WriteWait,
		PongWait:         h.PongWait,
		SendBuffer:       h.SendBuffer,
		RatePerSecond:    h.RatePerSecond,
		RateBurst:        h.RateBurst,
		EchoSender:       h.EchoSender,
		AllowedOrigins:   h.AllowedOrigins,
	}
}

type Server struct {
	conf      ServerConf
	reg       *Registry
	router    *Router
	disp      *Dispatcher
	verifier  TokenVerifier
	persister Persister
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
}

// NewServer persister 可以为 nil（只做实时广播，不落库）
func NewServer(conf ServerConf, verifier TokenVerifier, persister Persister, m *metrics.Metrics) *Server {
	safe.MustNotNil(verifier, "token verifier")
	if m == nil {
		m = metrics.New()
	}
	conf.norm()
	reg := NewRegistry(conf.SendBuffer)
	return &Server{
		conf:      conf,
		reg:       reg,
		router:    NewRouter(reg, m),
		disp:      NewDispatcher(),
		verifier:  verifier,
		persister: persister,
		metrics:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: conf.HandshakeTimeout,
			CheckOrigin:      middleware.OriginChecker(conf.AllowedOrigins),
		},
	}
}

func (s *Server) Registry() *Registry       { return s.reg }
func (s *Server) Router() *Router           { return s.router }
func (s *Server) Disp() *Dispatcher         { return s.disp }
func (s *Server) Persister() Persister      { return s.persister }
func (s *Server) EchoSender() bool          { return s.conf.EchoSender }
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Routes 挂载 /ws 与 /healthz
func (s *Server) Routes(r gin.IRouter) {
	r.GET("/ws", security.Middleware(nil), s.HandleWS)
	r.GET("/healthz", s.health)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, global.Success(gin.H{
		"status":      "ok",
		"connections": s.reg.Len(),
	}))
}
