package handlers

import (
	"context"

	"PPRoom/service/chat"
)

type JoinRoomHandler struct{ ctx *chat.Context }

func NewJoinRoomHandler(ctx *chat.Context) chat.Handler { return &JoinRoomHandler{ctx: ctx} }
func (h *JoinRoomHandler) Type() string                 { return chat.TypeJoinRoom }
func (h *JoinRoomHandler) Handle(_ context.Context, s *chat.Session, f *chat.InboundFrame) error {
	h.ctx.S.Router().Join(s, f.RoomID)
	return nil
}

type LeaveRoomHandler struct{ ctx *chat.Context }

func NewLeaveRoomHandler(ctx *chat.Context) chat.Handler { return &LeaveRoomHandler{ctx: ctx} }
func (h *LeaveRoomHandler) Type() string                 { return chat.TypeLeaveRoom }
func (h *LeaveRoomHandler) Handle(_ context.Context, s *chat.Session, f *chat.InboundFrame) error {
	h.ctx.S.Router().Leave(s, f.RoomID)
	return nil
}
