package provider

import "sync"

// LocalBus 在同一进程里的多个 Provider 之间直接转发增量（比如同一用户开的多个标签页），
// 不经过服务端。收到的增量按远端来源应用。
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string]map[*Provider]func([]byte)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[*Provider]func([]byte))}
}

func (b *LocalBus) subscribe(topic string, p *Provider, fn func([]byte)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Provider]func([]byte))
	}
	b.subs[topic][p] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], p)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
}

func (b *LocalBus) publish(topic string, from *Provider, data []byte) {
	b.mu.RLock()
	fns := make([]func([]byte), 0, len(b.subs[topic]))
	for p, fn := range b.subs[topic] {
		if p != from {
			fns = append(fns, fn)
		}
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(data)
	}
}

// Peers 当前 topic 上挂着的 Provider 数量
func (b *LocalBus) Peers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
