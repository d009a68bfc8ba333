package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/wire"
)

type Hub struct {
	// node 区分集群里的实例，收到自己发出的 Frame 时直接丢掉
	node   string
	broker cache.Broker

	// 读写锁，保护 topics 和 users。加入/离开、广播前都会先加锁
	mu sync.RWMutex
	// topic -> set of connections
	topics map[string]map[*Conn]struct{}
	// userID -> 本节点上该用户的连接（多标签页/多设备）
	users map[string]map[*Conn]struct{}
}

// NewHub 的 node 为空时随机生成；broker 可以为 nil（单节点）
func NewHub(node string, broker cache.Broker) *Hub {
	if node == "" {
		node = uuid.NewString()
	}
	return &Hub{
		node:   node,
		broker: broker,
		topics: make(map[string]map[*Conn]struct{}),
		users:  make(map[string]map[*Conn]struct{}),
	}
}

func (h *Hub) Node() string { return h.node }

// Register 记录一条新连接，返回它是不是该用户在本节点的第一条连接
func (h *Hub) Register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.users[c.user.UserID]
	if set == nil {
		set = make(map[*Conn]struct{})
		h.users[c.user.UserID] = set
	}
	set[c] = struct{}{}
	return len(set) == 1
}

// Unregister 把连接从所有 topic 移除，返回它是不是该用户在本节点的最后一条连接
func (h *Hub) Unregister(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, conns := range h.topics {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	set := h.users[c.user.UserID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.user.UserID)
		return true
	}
	return false
}

// Join 将连接加入指定 topic
func (h *Hub) Join(topic string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Conn]struct{})
	}
	h.topics[topic][c] = struct{}{}
}

// Leave 将连接从指定 topic 移除
func (h *Hub) Leave(topic string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.topics[topic]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Subscribers 本节点上加入了 topic 的连接数
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) peers(topic string, except *Conn) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast 发给 topic 上除 except 以外的所有连接，包括其它节点上的
func (h *Hub) Broadcast(ctx context.Context, topic, event string, payload any, except *Conn) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("broadcast marshal error (topic=%s, event=%s): %v", topic, event, err)
		return
	}
	var exceptID string
	if except != nil {
		exceptID = except.id
	}
	h.deliver(topic, event, raw, exceptID)
	if h.broker == nil {
		return
	}
	f := cache.Frame{Node: h.node, Topic: topic, Event: event, Payload: raw, Except: exceptID}
	if err := h.broker.Publish(ctx, f); err != nil {
		log.Printf("broker publish error (topic=%s, event=%s): %v", topic, event, err)
	}
}

func (h *Hub) deliver(topic, event string, raw json.RawMessage, exceptID string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		if c.id != exceptID {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	env := wire.Envelope{Topic: topic, Event: event, Payload: raw}
	for _, c := range conns {
		c.Enqueue(env)
	}
}

// Run 接收其它节点转发的广播，阻塞到 ctx 结束
func (h *Hub) Run(ctx context.Context) error {
	if h.broker == nil {
		<-ctx.Done()
		return nil
	}
	return h.broker.Subscribe(ctx, func(f cache.Frame) {
		if f.Node == h.node {
			return
		}
		h.deliver(f.Topic, f.Event, f.Payload, f.Except)
	})
}
