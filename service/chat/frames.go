package chat

import (
	"bytes"
	"encoding/json"
	"strings"

	"PPRoom/module/chat/model"
	"PPRoom/tools/errs"
)

const (
	TypeJoinRoom  = "join_room"
	TypeLeaveRoom = "leave_room"
	TypeChat      = "chat"
)

// InboundFrame 客户端上行帧
type InboundFrame struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"` // 房间 slug
	Message string `json:"message,omitempty"`
}

// OutboundChat 下行聊天帧，字段顺序即线上格式
type OutboundChat struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
}

// ParseFrameJSON 解析上行帧；未知 type 不算错误（交给 dispatcher 丢弃），
// 已知 type 缺字段或字段类型不对返回 ErrProtocol
func ParseFrameJSON(data []byte) (*InboundFrame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errs.ErrProtocol.WrapMsg("frame is not a json object")
	}
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.ErrProtocol.WrapMsg("decode frame", "err", err)
	}
	if f.Type == "" {
		return nil, errs.ErrProtocol.WrapMsg("missing type")
	}
	switch f.Type {
	case TypeJoinRoom, TypeLeaveRoom, TypeChat:
		if strings.TrimSpace(f.RoomID) == "" {
			return nil, errs.ErrProtocol.WrapMsg("missing roomId", "type", f.Type)
		}
	}
	return &f, nil
}

// EncodeChat 一次编码，广播时所有成员共享同一份字节
func EncodeChat(ev model.ChatEvent) ([]byte, error) {
	return json.Marshal(OutboundChat{
		Type:     TypeChat,
		Message:  ev.Message,
		RoomID:   ev.RoomSlug,
		SenderID: ev.SenderUserID,
	})
}
