package chat

import (
	"PPRoom/logger"
	"PPRoom/module/chat/model"
	"PPRoom/service/metrics"

	"go.uber.org/zap"
)

// BroadcastResult 一次广播的投递统计
type BroadcastResult struct {
	Delivered int
	Dropped   int
}

// Router 房间成员变更与广播
type Router struct {
	reg     *Registry
	metrics *metrics.Metrics
}

func NewRouter(reg *Registry, m *metrics.Metrics) *Router {
	return &Router{reg: reg, metrics: m}
}

// Join 幂等
func (r *Router) Join(s *Session, slug string) {
	if r.reg.join(s, slug) {
		logger.Debug("room joined", zap.String("conn", s.ID), zap.String("user", s.UserID), zap.String("room", slug))
	}
}

// Leave 幂等
func (r *Router) Leave(s *Session, slug string) {
	if r.reg.leave(s, slug) {
		logger.Debug("room left", zap.String("conn", s.ID), zap.String("user", s.UserID), zap.String("room", slug))
	}
}

// Broadcast 把事件投给房间当前所有成员。单个成员卡住或已关闭只影响它自己：
// 记录后跳过，不阻塞、不中断循环。空房间不是错误。
func (r *Router) Broadcast(sender *Session, slug string, ev model.ChatEvent, excludeSelf bool) BroadcastResult {
	var res BroadcastResult
	raw, err := EncodeChat(ev)
	if err != nil {
		logger.Error("encode chat frame", zap.String("room", slug), zap.Error(err))
		return res
	}
	for m := range r.reg.ForEachMember(slug) {
		if excludeSelf && sender != nil && m.ID == sender.ID {
			continue
		}
		if err := m.Enqueue(raw); err != nil {
			res.Dropped++
			logger.Warn("broadcast drop", zap.String("room", slug), zap.String("conn", m.ID), zap.Error(err))
			continue
		}
		res.Delivered++
	}
	if r.metrics != nil {
		r.metrics.BroadcastDelivered.Add(float64(res.Delivered))
		r.metrics.BroadcastDropped.Add(float64(res.Dropped))
	}
	return res
}
