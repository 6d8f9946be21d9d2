package model

import (
	"encoding/json"
	"strings"

	"PPRoom/tools/errs"
)

// ChatEvent 一条已通过鉴权的聊天消息，创建后不再修改
type ChatEvent struct {
	RoomSlug     string
	Message      string
	SenderUserID string
}

// PersistJob 持久化队列里的任务载荷
type PersistJob struct {
	Slug    string `json:"slug"`
	RoomID  int64  `json:"roomId,omitempty"` // 投递时已解析；为 0 时由 worker 再查
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

func NewPersistJob(ev ChatEvent, roomID int64) PersistJob {
	return PersistJob{Slug: ev.RoomSlug, RoomID: roomID, Message: ev.Message, UserID: ev.SenderUserID}
}

func (j PersistJob) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

func DecodePersistJob(b []byte) (PersistJob, error) {
	var j PersistJob
	if err := json.Unmarshal(b, &j); err != nil {
		return j, errs.ErrArgs.WrapMsg("decode persist job", "err", err)
	}
	if strings.TrimSpace(j.Slug) == "" && j.RoomID == 0 {
		return j, errs.ErrArgs.WrapMsg("persist job without room")
	}
	if j.UserID == "" {
		return j, errs.ErrArgs.WrapMsg("persist job without user")
	}
	return j, nil
}
