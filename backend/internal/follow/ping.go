package follow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/wire"

	"github.com/oklog/ulid/v2"
)

// Notification 是一条待处理的 ping
type Notification struct {
	ID string
	wire.PingReceived
	ReceivedAt time.Time
}

type pendingPing struct {
	Notification
	timer clock.Timer
}

// SendPing 向 targets 发送 ping，返回服务端的投递结果。频道未加入时返回 channel.ErrNotConnected
func (c *Client) SendPing(ctx context.Context, targets wire.Targets, docID, message string) (wire.PingResult, error) {
	if targets.IsEmpty() {
		return wire.PingResult{}, ErrNoTargets
	}
	m := wire.PingSend{TargetUserIDs: targets}
	if docID != "" {
		m.DocID = wire.StringPtr(docID)
	}
	if message != "" {
		m.Message = wire.StringPtr(message)
	}

	ctx, cancel := c.pushContext(ctx)
	defer cancel()
	resp, err := c.ch.Push(ctx, wire.EventPingSend, m)
	if err != nil {
		return wire.PingResult{}, fmt.Errorf("%s: %w", wire.EventPingSend, err)
	}
	var res wire.PingResult
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &res); err != nil {
			return wire.PingResult{}, fmt.Errorf("decode %s reply: %w", wire.EventPingSend, err)
		}
	}
	return res, nil
}

// onPing 缓存收到的 ping：同一发送者时间戳相差不到 PingDedupeWindow 的视为重复
func (c *Client) onPing(payload json.RawMessage) {
	var m wire.PingReceived
	if !decode(wire.EventPingReceived, payload, &m) {
		return
	}
	window := c.opts.PingDedupeWindow.Milliseconds()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for _, p := range c.pings {
		if p.From.UserID == m.From.UserID && abs(p.Timestamp-m.Timestamp) < window {
			c.mu.Unlock()
			return
		}
	}
	p := &pendingPing{Notification: Notification{ID: ulid.Make().String(), PingReceived: m, ReceivedAt: c.clock.Now()}}
	id := p.ID
	p.timer = c.clock.AfterFunc(c.opts.PingTimeout, func() { c.DismissPing(id) })
	c.pings = append(c.pings, p)
	list := c.pingsLocked()
	c.mu.Unlock()

	c.pingObs.emit(list)
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// Pings 按到达顺序返回未处理的 ping
func (c *Client) Pings() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingsLocked()
}

func (c *Client) pingsLocked() []Notification {
	out := make([]Notification, 0, len(c.pings))
	for _, p := range c.pings {
		out = append(out, p.Notification)
	}
	return out
}

// DismissPing 移除一条 ping，过期时也走这里
func (c *Client) DismissPing(id string) bool {
	c.mu.Lock()
	idx := -1
	for i, p := range c.pings {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.pings[idx].timer.Stop()
	c.pings = append(c.pings[:idx], c.pings[idx+1:]...)
	list := c.pingsLocked()
	c.mu.Unlock()

	c.pingObs.emit(list)
	return true
}

// AcceptPing 跟随 ping 的发送者；ping 带的文档和当前文档不同时再跳过去。
// 无论跟随是否成功，这条 ping 都会被移除。
func (c *Client) AcceptPing(ctx context.Context, id string) error {
	c.mu.Lock()
	var n *Notification
	for _, p := range c.pings {
		if p.ID == id {
			cp := p.Notification
			n = &cp
			break
		}
	}
	c.mu.Unlock()
	if n == nil {
		return ErrUnknownPing
	}
	defer c.DismissPing(id)

	_, err := c.StartFollowing(ctx, n.From.UserID)
	if n.DocID != nil && *n.DocID != "" && *n.DocID != c.CurrentDoc() {
		c.navigate(*n.DocID)
	}
	return err
}
