package storage

import (
	"context"
	"errors"
	"strings"

	"PPRoom/data/database"
	"PPRoom/module/chat/model"
	"PPRoom/tools/errs"

	"github.com/jackc/pgx/v5"
)

// Querier pgxpool.Pool / pgx.Tx 都满足
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RoomStore 房间与聊天记录
type RoomStore struct {
	db Querier
}

func NewRoomStore(db Querier) *RoomStore {
	return &RoomStore{db: db}
}

var (
	lookupRoomSQL = `SELECT id FROM ` + tableName(&model.Room{}) + ` WHERE slug = $1`
	insertChatSQL = `INSERT INTO ` + tableName(&model.Chat{}) + ` ("roomId", "message", "userId") VALUES ($1, $2, $3) RETURNING id`
)

func tableName(t database.Table) string { return t.GetTableName() }

// LookupRoomID slug -> 房间主键；不存在返回 ErrLookup
func (s *RoomStore) LookupRoomID(ctx context.Context, slug string) (int64, error) {
	if strings.TrimSpace(slug) == "" {
		return 0, errs.ErrLookup.WrapMsg("empty slug")
	}
	var id int64
	err := s.db.QueryRow(ctx, lookupRoomSQL, slug).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.ErrLookup.WrapMsg("room not found", "slug", slug)
	}
	if err != nil {
		return 0, errs.WrapMsg(err, "lookup room", "slug", slug)
	}
	return id, nil
}

// SaveChat 写一条聊天记录，返回新记录主键
func (s *RoomStore) SaveChat(ctx context.Context, c *model.Chat) (int64, error) {
	var id int64
	if err := s.db.QueryRow(ctx, insertChatSQL, c.RoomID, c.Message, c.UserID).Scan(&id); err != nil {
		return 0, errs.ErrPersistence.WrapMsg("insert chat", "room_id", c.RoomID, "err", err)
	}
	c.ID = id
	return id, nil
}
