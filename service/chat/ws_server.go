package chat

import (
	"context"
	"errors"
	"net"
	"time"

	"PPRoom/logger"
	"PPRoom/middleware/security"
	"PPRoom/tools/errs"
	"PPRoom/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HandleWS 连接生命周期：Connecting -> Authenticated -> Closed。
// 鉴权失败直接关闭，不创建 Session；已鉴权连接无论从哪条路径退出都只从注册表移除一次。
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，upgrader 已回写 HTTP 错误
		logger.Info("ws upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}

	// ---- Connecting：限时鉴权 ----
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.HandshakeTimeout)
	userID, err := s.authenticate(ctx, security.TokenFrom(c))
	cancel()
	if err != nil {
		logger.Info("ws auth rejected", zap.String("remote", c.ClientIP()), zap.Error(err))
		s.reject(ws, websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	sess, err := s.reg.Add(ws, userID)
	if err != nil {
		logger.Error("ws register failed", zap.String("user", userID), zap.Error(err))
		s.reject(ws, websocket.CloseInternalServerErr, "register failed")
		return
	}
	if s.conf.RatePerSecond > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(s.conf.RatePerSecond), s.conf.RateBurst)
	}
	s.metrics.Connections.Inc()
	logger.Info("ws connected", zap.String("conn", sess.ID), zap.String("user", userID), zap.String("remote", c.ClientIP()))

	// ---- 退出阶段：摘除、停写、关连接 ----
	connCtx, connCancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	defer func() {
		connCancel()
		s.reg.Remove(sess.ID)
		s.metrics.Connections.Dec()
		sess.Close()
		select {
		case <-writerDone:
		case <-time.After(s.conf.WriteWait):
		}
		sess.closeConn()
		logger.Info("ws closed", zap.String("conn", sess.ID), zap.String("user", userID))
	}()

	safe.SafeGo("ws-writer", func() {
		defer close(writerDone)
		sess.writePump(s.conf.WriteWait, s.conf.pingPeriod())
	})

	s.readLoop(connCtx, sess)
}

// authenticate 在 ctx 截止前拿到结果，否则按鉴权失败处理
func (s *Server) authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errs.ErrAuth.WrapMsg("missing token")
	}
	type result struct {
		uid string
		err error
	}
	ch := make(chan result, 1)
	safe.SafeGo("ws-auth", func() {
		uid, err := s.verifier.Verify(ctx, token)
		ch <- result{uid, err}
	})
	select {
	case r := <-ch:
		if r.err != nil && !errors.Is(r.err, errs.ErrAuth) {
			return "", errs.ErrAuth.WrapMsg("verify", "err", r.err)
		}
		return r.uid, r.err
	case <-ctx.Done():
		return "", errs.ErrAuth.WrapMsg("handshake timeout")
	}
}

func (s *Server) reject(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.conf.WriteWait))
	_ = ws.Close()
}

// readLoop 只读不写；出错即返回，由 HandleWS 收尾
func (s *Server) readLoop(ctx context.Context, sess *Session) {
	ws := sess.conn
	ws.SetReadLimit(s.conf.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	})

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			s.logReadError(sess, rerr)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if !sess.Allow() {
			s.metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
			logger.Warn("ws frame rate limited", zap.String("conn", sess.ID), zap.String("user", sess.UserID))
			continue
		}

		f, perr := ParseFrameJSON(data)
		if perr != nil {
			// 只打印简短样本
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			s.metrics.FramesDropped.WithLabelValues("malformed").Inc()
			logger.Info("ws malformed frame", zap.String("conn", sess.ID), zap.ByteString("sample", sample),
				zap.Int("len", len(data)), zap.Error(perr))
			continue
		}

		h := s.disp.GetHandler(f.Type)
		if h == nil {
			s.metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
			logger.Info("ws unknown frame type", zap.String("conn", sess.ID), zap.String("type", f.Type))
			continue
		}
		s.metrics.FramesReceived.WithLabelValues(f.Type).Inc()
		if err := h.Handle(ctx, sess, f); err != nil {
			logger.Warn("ws handler error", zap.String("conn", sess.ID), zap.String("type", f.Type), zap.Error(err))
		}
	}
}

func (s *Server) logReadError(sess *Session, err error) {
	fields := []zap.Field{zap.String("conn", sess.ID), zap.String("user", sess.UserID)}
	var ne net.Error
	switch {
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		logger.Debug("ws peer closed", fields...)
	case errors.As(err, &ne) && ne.Timeout():
		logger.Info("ws read timeout", append(fields, zap.Error(err))...)
	default:
		logger.Info("ws read error", append(fields, zap.Error(err))...)
	}
}
