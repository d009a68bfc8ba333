package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/wire"
)

// documents:{docId}
// - join：回复服务端副本状态，副本为空时回复 empty，由带 bootstrap 的客户端推送完整状态
// - doc:update：合并进副本后转发给同文档的其它连接
// - awareness:update / awareness:remove：只转发，服务端只记下 clientID 用于断开时清理

func (m *Manager) joinDocument(ctx context.Context, c *Conn, docID string, env wire.Envelope) {
	var params wire.DocJoinParams
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &params); err != nil {
			c.replyError(env, wire.ReasonBadPayload)
			return
		}
	}
	reply, err := m.docs.Join(ctx, docID)
	if err != nil {
		log.Printf("join document error (doc=%s, user=%s): %v", docID, c.user.UserID, err)
		c.replyError(env, wire.ReasonInternal)
		return
	}
	c.addTopic(env.Topic)
	m.hub.Join(env.Topic, c)
	c.reply(env, reply)

	// 新加入的连接马上能看到已有的光标，不用等对方续期
	for _, peer := range m.hub.peers(env.Topic, c) {
		for _, st := range peer.awarenessStates(docID) {
			raw, err := json.Marshal(st)
			if err != nil {
				continue
			}
			c.Enqueue(wire.Envelope{Topic: env.Topic, Event: wire.EventAwarenessUpdate, Payload: raw})
		}
	}
}

func (m *Manager) leaveDocument(ctx context.Context, c *Conn, docID string) {
	ids := c.dropAwareness(docID)
	if len(ids) == 0 {
		return
	}
	m.hub.Broadcast(ctx, wire.DocumentTopic(docID), wire.EventAwarenessRemove, wire.AwarenessRemove{ClientIDs: ids}, c)
}

func (m *Manager) handleDocument(ctx context.Context, c *Conn, docID string, env wire.Envelope) {
	switch env.Event {
	case wire.EventDocUpdate:
		var u wire.DocUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			c.replyError(env, wire.ReasonBadPayload)
			return
		}
		if err := m.docs.ApplyUpdate(ctx, docID, c.user.UserID, u.Update); err != nil {
			log.Printf("apply update error (doc=%s, user=%s): %v", docID, c.user.UserID, err)
			if errors.Is(err, collab.ErrEmptyUpdate) {
				c.replyError(env, wire.ReasonBadPayload)
			} else {
				c.replyError(env, wire.ReasonInternal)
			}
			return
		}
		m.hub.Broadcast(ctx, env.Topic, wire.EventDocUpdate, u, c)
		c.reply(env, nil)

	case wire.EventAwarenessUpdate:
		var u wire.AwarenessUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil || u.ClientID == "" {
			c.replyError(env, wire.ReasonBadPayload)
			return
		}
		c.trackAwareness(docID, u.ClientID, u.State)
		m.hub.Broadcast(ctx, env.Topic, wire.EventAwarenessUpdate, u, c)
		c.reply(env, nil)

	case wire.EventAwarenessRemove:
		var r wire.AwarenessRemove
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			c.replyError(env, wire.ReasonBadPayload)
			return
		}
		c.untrackAwareness(docID, r.ClientIDs)
		m.hub.Broadcast(ctx, env.Topic, wire.EventAwarenessRemove, r, c)
		c.reply(env, nil)

	default:
		c.replyError(env, wire.ReasonUnknownEvent)
	}
}
