package model

import "PPRoom/data/database"

var (
	_ database.Table = (*Room)(nil)
	_ database.Table = (*Chat)(nil)
)

// Room 房间表（只读：这里只按 slug 查主键）
type Room struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
}

func (r *Room) GetTableName() string {
	return `"Room"`
}

// Chat 聊天记录表
type Chat struct {
	ID      int64  `json:"id"`
	RoomID  int64  `json:"roomId"`
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

func (c *Chat) GetTableName() string {
	return `"Chat"`
}
