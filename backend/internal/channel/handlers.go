package channel

import (
	"encoding/json"
	"sort"
	"sync"
)

// Handlers 按事件名注册回调，按注册顺序派发。Socket 和测试用的假通道共用。
type Handlers struct {
	mu       sync.Mutex
	next     int
	events   map[string]map[int]func(json.RawMessage)
	statuses map[int]func(Status)
}

func (h *Handlers) init() {
	if h.events == nil {
		h.events = make(map[string]map[int]func(json.RawMessage))
		h.statuses = make(map[int]func(Status))
	}
}

func (h *Handlers) On(event string, fn func(json.RawMessage)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.init()
	id := h.next
	h.next++
	if h.events[event] == nil {
		h.events[event] = make(map[int]func(json.RawMessage))
	}
	h.events[event][id] = fn
	return func() {
		h.mu.Lock()
		delete(h.events[event], id)
		h.mu.Unlock()
	}
}

func (h *Handlers) OnStatus(fn func(Status)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.init()
	id := h.next
	h.next++
	h.statuses[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.statuses, id)
		h.mu.Unlock()
	}
}

func (h *Handlers) Dispatch(event string, payload json.RawMessage) {
	h.mu.Lock()
	fns := ordered(h.events[event])
	h.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (h *Handlers) DispatchStatus(s Status) {
	h.mu.Lock()
	fns := ordered(h.statuses)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Count 某个事件当前的回调数量
func (h *Handlers) Count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events[event])
}

// Clear 移除全部回调
func (h *Handlers) Clear() {
	h.mu.Lock()
	h.events = nil
	h.statuses = nil
	h.mu.Unlock()
}

func ordered[F any](m map[int]F) []F {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
