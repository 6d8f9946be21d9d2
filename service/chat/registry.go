package chat

import (
	"iter"
	"sync"
	"sync/atomic"

	"PPRoom/global"
	"PPRoom/tools/errs"
	"PPRoom/tools/ids"

	"github.com/gorilla/websocket"
)

const shardCount = 32

type connShard struct {
	mu sync.RWMutex
	m  map[string]*Session // connID -> session
}

type roomShard struct {
	mu sync.RWMutex
	m  map[string]map[string]*Session // slug -> connID -> session
}

// Registry 连接注册表 + 房间二级索引，按 key 分片加锁。
// 锁顺序：Session.mu -> roomShard.mu；广播只拿 roomShard 读锁拍快照，发送时不持锁。
type Registry struct {
	conns      [shardCount]connShard
	rooms      [shardCount]roomShard
	sendBuffer int
	count      atomic.Int64
	newID      func() string
}

func NewRegistry(sendBuffer int) *Registry {
	r := &Registry{sendBuffer: sendBuffer, newID: ids.GenerateString}
	for i := range r.conns {
		r.conns[i].m = make(map[string]*Session)
		r.rooms[i].m = make(map[string]map[string]*Session)
	}
	return r
}

func (r *Registry) connShard(id string) *connShard {
	return &r.conns[global.HashPartition(id, shardCount)]
}

func (r *Registry) roomShard(slug string) *roomShard {
	return &r.rooms[global.HashPartition(slug, shardCount)]
}

// Add 为已鉴权连接创建 Session 并登记；返回后即可被 Find 到，
// 但在 join 之前不会出现在任何广播里
func (r *Registry) Add(conn *websocket.Conn, userID string) (*Session, error) {
	return r.add(newSession(r.newID(), userID, conn, r.sendBuffer))
}

func (r *Registry) add(s *Session) (*Session, error) {
	sh := r.connShard(s.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[s.ID]; ok {
		return nil, errs.ErrRegistry.WrapMsg("connection already registered", "conn", s.ID)
	}
	sh.m[s.ID] = s
	r.count.Add(1)
	return s, nil
}

// Remove 幂等；同时从所有房间索引中摘除
func (r *Registry) Remove(id string) {
	sh := r.connShard(id)
	sh.mu.Lock()
	s, ok := sh.m[id]
	if ok {
		delete(sh.m, id)
	}
	sh.mu.Unlock()
	if !ok {
		return
	}
	r.count.Add(-1)
	s.removed.Store(true)

	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[string]struct{})
	for slug := range rooms {
		r.unindex(s, slug)
	}
	s.mu.Unlock()
}

func (r *Registry) Find(id string) (*Session, bool) {
	sh := r.connShard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.m[id]
	return s, ok
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

// ForEachMember 每次迭代都重新拍快照；迭代期间被移除的 Session 会被跳过
func (r *Registry) ForEachMember(slug string) iter.Seq[*Session] {
	return func(yield func(*Session) bool) {
		rs := r.roomShard(slug)
		rs.mu.RLock()
		members := rs.m[slug]
		snap := make([]*Session, 0, len(members))
		for _, s := range members {
			snap = append(snap, s)
		}
		rs.mu.RUnlock()

		for _, s := range snap {
			if s.removed.Load() {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// MemberCount 房间当前人数
func (r *Registry) MemberCount(slug string) int {
	rs := r.roomShard(slug)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.m[slug])
}

// join 已在房间或 Session 已移除时返回 false
func (r *Registry) join(s *Session, slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed.Load() {
		return false
	}
	if _, ok := s.rooms[slug]; ok {
		return false
	}
	s.rooms[slug] = struct{}{}

	rs := r.roomShard(slug)
	rs.mu.Lock()
	members := rs.m[slug]
	if members == nil {
		members = make(map[string]*Session)
		rs.m[slug] = members
	}
	members[s.ID] = s
	rs.mu.Unlock()
	return true
}

// leave 不在房间时返回 false
func (r *Registry) leave(s *Session, slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[slug]; !ok {
		return false
	}
	delete(s.rooms, slug)
	r.unindex(s, slug)
	return true
}

// unindex 调用方持有 s.mu
func (r *Registry) unindex(s *Session, slug string) {
	rs := r.roomShard(slug)
	rs.mu.Lock()
	if members := rs.m[slug]; members != nil {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(rs.m, slug)
		}
	}
	rs.mu.Unlock()
}
