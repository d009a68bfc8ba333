package follow

import (
	"log"

	"collabEngine/backend/internal/wire"
)

// Viewport 是 leader 的滚动位置，Left 和 Height 可以不带
type Viewport struct {
	Top    float64
	Left   *float64
	Height *float64
}

func (c *Client) BroadcastScroll(scrollTop float64) {
	c.BroadcastViewport(Viewport{Top: scrollTop})
}

// BroadcastViewport 节流发送 follow:scroll：窗口内第一次调用启动定时器，
// 到期时发送窗口内最后一次的位置。没有 follower 或者没有打开文档时直接忽略。
func (c *Client) BroadcastViewport(v Viewport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.followers) == 0 || c.currentDoc == "" {
		return
	}
	c.scroll = &wire.FollowScroll{
		LeaderID:       c.self.UserID,
		DocID:          c.currentDoc,
		ScrollTop:      v.Top,
		ScrollLeft:     v.Left,
		ViewportHeight: v.Height,
	}
	if c.throttle == nil {
		c.throttle = c.clock.AfterFunc(c.opts.ScrollThrottle, c.flushScroll)
	}
}

func (c *Client) flushScroll() {
	c.mu.Lock()
	m := c.scroll
	c.scroll, c.throttle = nil, nil
	send := m != nil && !c.closed && len(c.followers) > 0
	c.mu.Unlock()
	if !send {
		return
	}
	if err := c.ch.Send(wire.EventFollowScroll, m); err != nil {
		log.Printf("follow scroll send error (user=%s doc=%s): %v", c.self.UserID, m.DocID, err)
	}
}

// BroadcastDocSwitch 记录本端当前打开的文档：总是更新自己的 presence，有 follower 时再通知他们
func (c *Client) BroadcastDocSwitch(docID string) error {
	c.mu.Lock()
	changed := c.currentDoc != docID
	c.currentDoc = docID
	if changed {
		c.scroll = nil
	}
	n := len(c.followers)
	c.mu.Unlock()

	if err := c.UpdatePresence(docID); err != nil {
		return err
	}
	if n == 0 || docID == "" {
		return nil
	}
	return c.ch.Send(wire.EventFollowDocSwitch, wire.FollowDocSwitch{LeaderID: c.self.UserID, DocID: docID})
}

// UpdatePresence 上报自己当前的文档，空字符串表示没有打开文档
func (c *Client) UpdatePresence(docID string) error {
	var m wire.PresenceUpdate
	if docID != "" {
		m.DocID = wire.StringPtr(docID)
	}
	return c.ch.Send(wire.EventPresenceUpdate, m)
}
