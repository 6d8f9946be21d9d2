package handlers

import "PPRoom/service/chat"

// RegisterAll 注册全部上行帧处理器
func RegisterAll(s *chat.Server) {
	ctx := &chat.Context{S: s}
	d := s.Disp()
	d.Register(NewJoinRoomHandler(ctx))
	d.Register(NewLeaveRoomHandler(ctx))
	d.Register(NewChatHandler(ctx))
}
