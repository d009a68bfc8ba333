package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/wire"
)

// follow:{userId} 只有本人能加入。presence、ping、跟随关系都走这个频道：
// 发给某个用户的消息就广播到他的 follow 频道。

func (m *Manager) joinFollow(ctx context.Context, c *Conn, userID string, env wire.Envelope) {
	if userID != c.user.UserID {
		c.replyError(env, wire.ReasonUnauthorized)
		return
	}
	if _, err := m.touch(ctx, c.user, nil, false); err != nil {
		log.Printf("presence touch error (user=%s): %v", userID, err)
		c.replyError(env, wire.ReasonInternal)
		return
	}
	alive, err := m.presence.Alive(ctx)
	if err != nil {
		log.Printf("presence alive error: %v", err)
		c.replyError(env, wire.ReasonInternal)
		return
	}
	ids, err := m.follows.Followers(ctx, userID)
	if err != nil {
		log.Printf("get followers error (user=%s): %v", userID, err)
		c.replyError(env, wire.ReasonInternal)
		return
	}

	c.addTopic(env.Topic)
	m.hub.Join(env.Topic, c)
	c.reply(env, wire.FollowJoinReply{Presence: nonNilRecords(alive), Followers: refsOf(ids, alive)})
	m.syncPresence(ctx, alive)
}

func (m *Manager) handleFollow(ctx context.Context, c *Conn, env wire.Envelope) {
	self := c.user.UserID
	switch env.Event {
	case wire.EventPingSend:
		var p wire.PingSend
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.replyError(env, wire.ReasonBadPayload)
			return
		}
		res, err := m.ping(ctx, c.user, p)
		if err != nil {
			log.Printf("ping error (user=%s): %v", self, err)
			c.replyError(env, wire.ReasonInternal)
			return
		}
		c.reply(env, res)

	case wire.EventFollowStart:
		var p wire.FollowStart
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.LeaderID == "" {
			c.replyError(env, wire.ReasonBadPayload)
			return
		}
		reply, reason := m.startFollow(ctx, c.user, p.LeaderID)
		if reason != "" {
			c.replyError(env, reason)
			return
		}
		c.reply(env, reply)

	case wire.EventFollowStop:
		leader, err := m.follows.Unfollow(ctx, self)
		if err != nil {
			log.Printf("unfollow error (user=%s): %v", self, err)
			c.replyError(env, wire.ReasonInternal)
			return
		}
		if leader != "" {
			m.hub.Broadcast(ctx, wire.FollowTopic(leader), wire.EventFollowStopped, wire.FollowStopped{FollowerID: self}, nil)
			m.docs.Record(ctx, collab.CollabEvent{EventType: collab.EventFollowStop, UserID: self, TargetIDs: []string{leader}})
		}
		c.reply(env, nil)

	case wire.EventFollowScroll:
		var s wire.FollowScroll
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			c.replyError(env, wire.ReasonBadPayload)
			return
		}
		s.LeaderID = self
		if err := m.follows.SetViewport(ctx, self, wire.LeaderSnapshot{DocID: wire.StringPtr(s.DocID), ScrollTop: wire.Float64Ptr(s.ScrollTop)}); err != nil {
			log.Printf("set viewport error (user=%s): %v", self, err)
		}
		m.fanout(ctx, self, wire.EventFollowScroll, s)
		c.reply(env, nil)

	case wire.EventFollowDocSwitch:
		var s wire.FollowDocSwitch
		if err := json.Unmarshal(env.Payload, &s); err != nil || s.DocID == "" {
			c.replyError(env, wire.ReasonBadPayload)
			return
		}
		s.LeaderID = self
		if err := m.follows.SetViewport(ctx, self, wire.LeaderSnapshot{DocID: wire.StringPtr(s.DocID), ScrollTop: wire.Float64Ptr(0)}); err != nil {
			log.Printf("set viewport error (user=%s): %v", self, err)
		}
		m.fanout(ctx, self, wire.EventFollowDocSwitch, s)
		c.reply(env, nil)

	case wire.EventPresenceUpdate:
		var p wire.PresenceUpdate
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.replyError(env, wire.ReasonBadPayload)
			return
		}
		if _, err := m.touch(ctx, c.user, p.DocID, true); err != nil {
			log.Printf("presence touch error (user=%s): %v", self, err)
			c.replyError(env, wire.ReasonInternal)
			return
		}
		alive, err := m.presence.Alive(ctx)
		if err != nil {
			log.Printf("presence alive error: %v", err)
		} else {
			m.syncPresence(ctx, alive)
		}
		c.reply(env, nil)

	default:
		c.replyError(env, wire.ReasonUnknownEvent)
	}
}

// ping 只投递给在线用户，其余的算 offline
func (m *Manager) ping(ctx context.Context, from wire.UserRef, p wire.PingSend) (wire.PingResult, error) {
	res := wire.PingResult{SentTo: []string{}, Offline: []string{}}
	alive, err := m.presence.Alive(ctx)
	if err != nil {
		return res, err
	}
	online := make(map[string]bool, len(alive))
	for _, r := range alive {
		online[r.UserID] = true
	}

	var targets []string
	if p.TargetUserIDs.All {
		for _, r := range alive {
			targets = append(targets, r.UserID)
		}
	} else {
		targets = p.TargetUserIDs.UserIDs
	}
	seen := make(map[string]bool, len(targets))
	msg := wire.PingReceived{From: from, DocID: p.DocID, Message: p.Message, Timestamp: time.Now().UnixMilli()}
	for _, id := range targets {
		if id == from.UserID || seen[id] {
			continue
		}
		seen[id] = true
		if !online[id] {
			res.Offline = append(res.Offline, id)
			continue
		}
		m.hub.Broadcast(ctx, wire.FollowTopic(id), wire.EventPingReceived, msg, nil)
		res.SentTo = append(res.SentTo, id)
	}
	if len(res.SentTo) > 0 {
		m.docs.Record(ctx, collab.CollabEvent{EventType: collab.EventPingSent, UserID: from.UserID, TargetIDs: res.SentTo})
	}
	return res, nil
}

// startFollow 失败时返回 wire 上的 reason
func (m *Manager) startFollow(ctx context.Context, follower wire.UserRef, leaderID string) (wire.FollowStartReply, string) {
	if leaderID == follower.UserID {
		return wire.FollowStartReply{}, wire.ReasonCannotFollowSelf
	}
	leader, err := m.presence.Get(ctx, leaderID)
	if err != nil {
		log.Printf("presence get error (user=%s): %v", leaderID, err)
		return wire.FollowStartReply{}, wire.ReasonInternal
	}
	if leader == nil {
		return wire.FollowStartReply{}, wire.ReasonLeaderNotFound
	}
	prev, err := m.follows.Follow(ctx, follower.UserID, leaderID)
	if err != nil {
		log.Printf("follow error (follower=%s, leader=%s): %v", follower.UserID, leaderID, err)
		return wire.FollowStartReply{}, wire.ReasonInternal
	}
	if prev != "" {
		m.hub.Broadcast(ctx, wire.FollowTopic(prev), wire.EventFollowStopped, wire.FollowStopped{FollowerID: follower.UserID}, nil)
	}
	m.hub.Broadcast(ctx, wire.FollowTopic(leaderID), wire.EventFollowStarted, wire.FollowStarted{Follower: follower}, nil)
	m.docs.Record(ctx, collab.CollabEvent{EventType: collab.EventFollowStart, UserID: follower.UserID, TargetIDs: []string{leaderID}})

	snap, err := m.follows.Viewport(ctx, leaderID)
	if err != nil {
		log.Printf("get viewport error (user=%s): %v", leaderID, err)
	}
	// 还没滚动过的 leader 用 presence 里的当前文档
	if snap.DocID == nil {
		snap.DocID = leader.CurrentDocID
	}
	return wire.FollowStartReply{Leader: snap}, ""
}

func (m *Manager) fanout(ctx context.Context, leaderID, event string, payload any) {
	ids, err := m.follows.Followers(ctx, leaderID)
	if err != nil {
		log.Printf("get followers error (user=%s): %v", leaderID, err)
		return
	}
	for _, id := range ids {
		m.hub.Broadcast(ctx, wire.FollowTopic(id), event, payload, nil)
	}
}

// touch 写入或续期 presence。setDoc 为 false 时保留原来的 current_doc_id
func (m *Manager) touch(ctx context.Context, user wire.UserRef, docID *string, setDoc bool) (wire.PresenceRecord, error) {
	rec := wire.PresenceRecord{UserID: user.UserID, Username: user.Username, Color: user.Color, OnlineAt: time.Now().UnixMilli()}
	prev, err := m.presence.Get(ctx, user.UserID)
	if err != nil {
		return rec, err
	}
	if prev != nil {
		rec.OnlineAt = prev.OnlineAt
		rec.CurrentDocID = prev.CurrentDocID
	}
	if setDoc {
		rec.CurrentDocID = docID
	}
	return rec, m.presence.Touch(ctx, rec, m.presenceTTL)
}

// syncPresence 把完整的在线列表推给每个在线用户
func (m *Manager) syncPresence(ctx context.Context, alive []wire.PresenceRecord) {
	msg := wire.PresenceSync{Users: nonNilRecords(alive)}
	for _, r := range alive {
		m.hub.Broadcast(ctx, wire.FollowTopic(r.UserID), wire.EventPresenceSync, msg, nil)
	}
}

// userLeft 在用户最后一条连接断开时调用
func (m *Manager) userLeft(ctx context.Context, user wire.UserRef) {
	followers, err := m.follows.DropLeader(ctx, user.UserID)
	if err != nil {
		log.Printf("drop leader error (user=%s): %v", user.UserID, err)
	}
	for _, id := range followers {
		m.hub.Broadcast(ctx, wire.FollowTopic(id), wire.EventLeaderOffline, wire.LeaderOffline{LeaderID: user.UserID}, nil)
	}
	if len(followers) > 0 {
		m.docs.Record(ctx, collab.CollabEvent{EventType: collab.EventLeaderLeft, UserID: user.UserID, TargetIDs: followers})
	}

	leader, err := m.follows.Unfollow(ctx, user.UserID)
	if err != nil {
		log.Printf("unfollow error (user=%s): %v", user.UserID, err)
	}
	if leader != "" {
		m.hub.Broadcast(ctx, wire.FollowTopic(leader), wire.EventFollowStopped, wire.FollowStopped{FollowerID: user.UserID}, nil)
	}

	if err := m.presence.Remove(ctx, user.UserID); err != nil {
		log.Printf("presence remove error (user=%s): %v", user.UserID, err)
		return
	}
	alive, err := m.presence.Alive(ctx)
	if err != nil {
		log.Printf("presence alive error: %v", err)
		return
	}
	m.syncPresence(ctx, alive)
}

func nonNilRecords(rs []wire.PresenceRecord) []wire.PresenceRecord {
	if rs == nil {
		return []wire.PresenceRecord{}
	}
	return rs
}

// refsOf 把 follower id 换成带名字和颜色的引用；不在线的只有 id
func refsOf(ids []string, alive []wire.PresenceRecord) []wire.UserRef {
	byID := make(map[string]wire.PresenceRecord, len(alive))
	for _, r := range alive {
		byID[r.UserID] = r
	}
	out := make([]wire.UserRef, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r.Ref())
		} else {
			out = append(out, wire.UserRef{UserID: id})
		}
	}
	return out
}
