package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"PPRoom/logger"
	"PPRoom/tools/errs"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Session 一条已鉴权的连接。rooms 只由该连接自己的读协程修改。
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	conn    *websocket.Conn
	send    chan []byte // 每连接独立发送队列，写协程独占消费
	done    chan struct{}
	limiter *rate.Limiter

	mu      sync.Mutex
	rooms   map[string]struct{}
	removed atomic.Bool

	closeOnce sync.Once
	connOnce  sync.Once
}

func newSession(id, userID string, conn *websocket.Conn, sendBuffer int) *Session {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: time.Now(),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
}

// Enqueue 非阻塞写入发送队列；队列满（对端卡住）或已关闭返回 ErrTransport
func (s *Session) Enqueue(b []byte) error {
	select {
	case <-s.done:
		return errs.ErrTransport.WrapMsg("session closed", "conn", s.ID)
	default:
	}
	select {
	case s.send <- b:
		return nil
	default:
		return errs.ErrTransport.WrapMsg("send buffer full", "conn", s.ID)
	}
}

// Rooms 当前加入的房间快照
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

func (s *Session) InRoom(slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[slug]
	return ok
}

// Allow 上行限流；未配置限流时总是放行
func (s *Session) Allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Close 停止发送；写协程会发 close frame 并关闭底层连接
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) closeConn() {
	s.connOnce.Do(func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// writePump 唯一的写协程：业务帧、心跳、收尾 close frame
func (s *Session) writePump(writeWait, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConn()
	}()
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Info("ws write failed", zap.String("conn", s.ID), zap.Error(errs.ErrTransport.WrapMsg(err.Error())))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Info("ws ping failed", zap.String("conn", s.ID), zap.Error(err))
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
