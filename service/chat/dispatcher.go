package chat

import "sync"

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[h.Type()] = h
}

// GetHandler 未注册的类型返回 nil
func (d *Dispatcher) GetHandler(typ string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[typ]
}
