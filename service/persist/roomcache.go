package persist

import (
	"context"
	"strings"
	"sync"
	"time"

	"PPRoom/tools/errs"

	"golang.org/x/sync/singleflight"
)

// RoomResolver slug -> 房间主键；不存在时返回 errs.ErrLookup
type RoomResolver interface {
	LookupRoomID(ctx context.Context, slug string) (int64, error)
}

// lookupTimeout 单次查库上限；查询与发起者的 ctx 解绑，被多个等待者共享
const lookupTimeout = 5 * time.Second

// RoomCache 进程内只读穿透缓存：命中直接返回，未命中查库后写入，永不淘汰。
// 查不到的 slug 不缓存，房间后建也能解析。
type RoomCache struct {
	store RoomResolver

	mu  sync.RWMutex
	ids map[string]int64
	sf  singleflight.Group
}

func NewRoomCache(store RoomResolver) *RoomCache {
	return &RoomCache{store: store, ids: make(map[string]int64)}
}

func (c *RoomCache) Resolve(ctx context.Context, slug string) (int64, error) {
	if strings.TrimSpace(slug) == "" {
		return 0, errs.ErrLookup.WrapMsg("empty slug")
	}
	if id, ok := c.Get(slug); ok {
		return id, nil
	}
	// 同一 slug 的并发未命中只查一次库；调用方各自按自己的 ctx 放弃等待
	ch := c.sf.DoChan(slug, func() (any, error) {
		if id, ok := c.Get(slug); ok {
			return id, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		id, err := c.store.LookupRoomID(lctx, slug)
		if err != nil {
			return int64(0), err
		}
		c.mu.Lock()
		c.ids[slug] = id
		c.mu.Unlock()
		return id, nil
	})
	select {
	case <-ctx.Done():
		return 0, errs.Wrap(ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return 0, r.Err
		}
		return r.Val.(int64), nil
	}
}

func (c *RoomCache) Get(slug string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[slug]
	return id, ok
}

func (c *RoomCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}
