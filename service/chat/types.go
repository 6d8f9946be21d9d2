package chat

import (
	"context"

	"PPRoom/module/chat/model"
)

// Handler 处理一种上行帧
type Handler interface {
	Type() string
	Handle(ctx context.Context, s *Session, f *InboundFrame) error
}

// TokenVerifier 连接准入
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// Persister 聊天消息异步落库，不能阻塞调用方
type Persister interface {
	Dispatch(ev model.ChatEvent) bool
}

// Context 注入给 handler 的依赖
type Context struct {
	S *Server
}
