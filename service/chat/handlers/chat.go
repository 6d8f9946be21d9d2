package handlers

import (
	"context"

	"PPRoom/logger"
	"PPRoom/module/chat/model"
	"PPRoom/service/chat"

	"go.uber.org/zap"
)

// ChatHandler 先广播再交给持久化；持久化失败不影响已完成的广播
type ChatHandler struct{ ctx *chat.Context }

func NewChatHandler(ctx *chat.Context) chat.Handler { return &ChatHandler{ctx: ctx} }
func (h *ChatHandler) Type() string                 { return chat.TypeChat }
func (h *ChatHandler) Handle(_ context.Context, s *chat.Session, f *chat.InboundFrame) error {
	ev := model.ChatEvent{RoomSlug: f.RoomID, Message: f.Message, SenderUserID: s.UserID}
	srv := h.ctx.S

	res := srv.Router().Broadcast(s, ev.RoomSlug, ev, !srv.EchoSender())
	logger.Debug("chat broadcast", zap.String("conn", s.ID), zap.String("room", ev.RoomSlug),
		zap.Int("delivered", res.Delivered), zap.Int("dropped", res.Dropped))

	if p := srv.Persister(); p != nil {
		p.Dispatch(ev)
	}
	return nil
}
