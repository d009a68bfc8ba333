// Package follow 实现跟随模式的客户端：每个用户加入自己的 follow:{userId} 频道，
// 在上面收发 ping、follower 变化、leader 的滚动和切换文档事件。
package follow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"collabEngine/backend/internal/channel"
	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/wire"
)

const (
	DefaultScrollThrottle          = 100 * time.Millisecond
	DefaultPingDedupeWindow        = 5 * time.Second
	DefaultPingTimeout             = 15 * time.Second
	DefaultScrollCooldown          = time.Second
	DefaultProgrammaticScrollGrace = 100 * time.Millisecond
	DefaultPushTimeout             = 10 * time.Second
)

var (
	ErrCannotFollowSelf = errors.New(wire.ReasonCannotFollowSelf)
	ErrLeaderNotFound   = errors.New(wire.ReasonLeaderNotFound)
	ErrUnknownPing      = errors.New("UNKNOWN_PING")
	ErrNoTargets        = errors.New("NO_PING_TARGETS")
)

// Options 的零值字段在 New 里换成默认值
type Options struct {
	ScrollThrottle          time.Duration
	PingDedupeWindow        time.Duration
	PingTimeout             time.Duration
	ScrollCooldown          time.Duration
	ProgrammaticScrollGrace time.Duration
	PushTimeout             time.Duration
	Clock                   clock.Clock
}

func (o Options) withDefaults() Options {
	if o.ScrollThrottle <= 0 {
		o.ScrollThrottle = DefaultScrollThrottle
	}
	if o.PingDedupeWindow <= 0 {
		o.PingDedupeWindow = DefaultPingDedupeWindow
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.ScrollCooldown <= 0 {
		o.ScrollCooldown = DefaultScrollCooldown
	}
	if o.ProgrammaticScrollGrace <= 0 {
		o.ProgrammaticScrollGrace = DefaultProgrammaticScrollGrace
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = DefaultPushTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return o
}

type Phase string

const (
	Idle      Phase = "idle"
	Following Phase = "following"
)

// State 是本端的跟随状态，Leader 只在 Following 时有值
type State struct {
	Phase  Phase
	Leader wire.UserRef
}

func (s State) FollowingUser(userID string) bool {
	return s.Phase == Following && s.Leader.UserID == userID
}

// Client 持有一个用户自己的 follow 频道
type Client struct {
	ch    channel.Channel
	self  wire.UserRef
	opts  Options
	clock clock.Clock

	mu               sync.Mutex
	state            State
	currentDoc       string
	followers        map[string]wire.UserRef
	presence         map[string]wire.PresenceRecord
	pings            []*pendingPing
	scroll           *wire.FollowScroll
	throttle         clock.Timer
	lastProgrammatic time.Time
	coolUntil        time.Time
	closed           bool
	unsubs           []func()

	stateObs    observers[State]
	scrollObs   observers[wire.FollowScroll]
	navObs      observers[string]
	pingObs     observers[[]Notification]
	followerObs observers[[]wire.UserRef]
	presenceObs observers[[]wire.PresenceRecord]
}

// New 只注册监听，不加入频道；调用方随后调用 Join
func New(ch channel.Channel, self wire.UserRef, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		ch:        ch,
		self:      self,
		opts:      opts,
		clock:     opts.Clock,
		state:     State{Phase: Idle},
		followers: make(map[string]wire.UserRef),
		presence:  make(map[string]wire.PresenceRecord),
	}
	c.unsubs = []func(){
		ch.On(wire.EventJoin, c.onJoin),
		ch.On(wire.EventPresenceSync, c.onPresenceSync),
		ch.On(wire.EventFollowStarted, c.onFollowerStarted),
		ch.On(wire.EventFollowStopped, c.onFollowerStopped),
		ch.On(wire.EventPingReceived, c.onPing),
		ch.On(wire.EventFollowScroll, c.onScroll),
		ch.On(wire.EventFollowDocSwitch, c.onDocSwitch),
		ch.On(wire.EventLeaderOffline, c.onLeaderOffline),
	}
	return c
}

// Join 加入 follow:{self}。传输层暂不可用时返回 channel.ErrNotConnected，之后由传输层自动重新加入
func (c *Client) Join(ctx context.Context) error {
	if _, err := c.ch.Join(ctx, nil); err != nil {
		return fmt.Errorf("join %s: %w", c.ch.Topic(), err)
	}
	return nil
}

func (c *Client) Self() wire.UserRef { return c.self }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) CurrentDoc() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDoc
}

// Followers 按 userId 排序
func (c *Client) Followers() []wire.UserRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.followersLocked()
}

func (c *Client) followersLocked() []wire.UserRef {
	out := make([]wire.UserRef, 0, len(c.followers))
	for _, f := range c.followers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Presence 是除自己以外的在线用户，按上线时间排序
func (c *Client) Presence() []wire.PresenceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenceLocked()
}

func (c *Client) presenceLocked() []wire.PresenceRecord {
	out := make([]wire.PresenceRecord, 0, len(c.presence))
	for _, p := range c.presence {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OnlineAt == out[j].OnlineAt {
			return out[i].UserID < out[j].UserID
		}
		return out[i].OnlineAt < out[j].OnlineAt
	})
	return out
}

func (c *Client) Subscribe(fn func(State)) func() { return c.stateObs.add(fn) }

// OnScroll 收到需要执行的滚动（已经过 leader、文档和冷却过滤）
func (c *Client) OnScroll(fn func(wire.FollowScroll)) func() { return c.scrollObs.add(fn) }

// OnNavigate 需要切换到另一个文档
func (c *Client) OnNavigate(fn func(docID string)) func()          { return c.navObs.add(fn) }
func (c *Client) OnPings(fn func([]Notification)) func()           { return c.pingObs.add(fn) }
func (c *Client) OnFollowers(fn func([]wire.UserRef)) func()       { return c.followerObs.add(fn) }
func (c *Client) OnPresence(fn func([]wire.PresenceRecord)) func() { return c.presenceObs.add(fn) }

func (c *Client) pushContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opts.PushTimeout)
}

// StartFollowing 开始跟随 leaderID，返回 leader 当前的文档和滚动位置。
// 跟随自己直接返回 ErrCannotFollowSelf，不会发出请求，状态保持不变。
func (c *Client) StartFollowing(ctx context.Context, leaderID string) (wire.LeaderSnapshot, error) {
	if leaderID == c.self.UserID {
		return wire.LeaderSnapshot{}, ErrCannotFollowSelf
	}
	ctx, cancel := c.pushContext(ctx)
	defer cancel()

	resp, err := c.ch.Push(ctx, wire.EventFollowStart, wire.FollowStart{LeaderID: leaderID})
	if err != nil {
		return wire.LeaderSnapshot{}, protocolError(wire.EventFollowStart, err)
	}
	var reply wire.FollowStartReply
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &reply); err != nil {
			return wire.LeaderSnapshot{}, fmt.Errorf("decode %s reply: %w", wire.EventFollowStart, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return reply.Leader, channel.ErrClosed
	}
	c.state = State{Phase: Following, Leader: c.refLocked(leaderID)}
	st := c.state
	c.mu.Unlock()
	c.stateObs.emit(st)

	snap := reply.Leader
	if snap.DocID != nil && *snap.DocID != "" {
		if *snap.DocID != c.CurrentDoc() {
			c.navigate(*snap.DocID)
		}
		if snap.ScrollTop != nil {
			c.applyScroll(wire.FollowScroll{LeaderID: leaderID, DocID: *snap.DocID, ScrollTop: *snap.ScrollTop})
		}
	}
	return snap, nil
}

// StopFollowing 本地立即回到 Idle，再通知服务端；不在跟随时什么都不做
func (c *Client) StopFollowing(ctx context.Context) error {
	if !c.toIdle(func(State) bool { return true }) {
		return nil
	}
	ctx, cancel := c.pushContext(ctx)
	defer cancel()
	if _, err := c.ch.Push(ctx, wire.EventFollowStop, struct{}{}); err != nil {
		return fmt.Errorf("%s: %w", wire.EventFollowStop, err)
	}
	return nil
}

// toIdle 在 Following 且 match 成立时切回 Idle，返回是否发生了切换
func (c *Client) toIdle(match func(State) bool) bool {
	c.mu.Lock()
	if c.closed || c.state.Phase != Following || !match(c.state) {
		c.mu.Unlock()
		return false
	}
	c.state = State{Phase: Idle}
	st := c.state
	c.mu.Unlock()
	c.stateObs.emit(st)
	return true
}

func (c *Client) refLocked(userID string) wire.UserRef {
	if p, ok := c.presence[userID]; ok {
		return p.Ref()
	}
	return wire.UserRef{UserID: userID}
}

func protocolError(event string, err error) error {
	switch {
	case channel.IsReason(err, wire.ReasonCannotFollowSelf):
		return ErrCannotFollowSelf
	case channel.IsReason(err, wire.ReasonLeaderNotFound):
		return ErrLeaderNotFound
	}
	return fmt.Errorf("%s: %w", event, err)
}

// SyncPresence 替换在线用户列表（不含自己）；正在跟随的 leader 不在列表里时回到 Idle
func (c *Client) SyncPresence(records []wire.PresenceRecord) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.presence = make(map[string]wire.PresenceRecord, len(records))
	for _, r := range records {
		if r.UserID == c.self.UserID {
			continue
		}
		c.presence[r.UserID] = r
	}
	var changed bool
	if c.state.Phase == Following {
		if p, ok := c.presence[c.state.Leader.UserID]; ok {
			if ref := p.Ref(); ref != c.state.Leader {
				c.state.Leader = ref
				changed = true
			}
		} else {
			log.Printf("follow leader left presence (user=%s leader=%s)", c.self.UserID, c.state.Leader.UserID)
			c.state = State{Phase: Idle}
			changed = true
		}
	}
	st := c.state
	list := c.presenceLocked()
	c.mu.Unlock()

	c.presenceObs.emit(list)
	if changed {
		c.stateObs.emit(st)
	}
}

func decode(event string, payload json.RawMessage, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		log.Printf("follow decode error (event=%s): %v", event, err)
		return false
	}
	return true
}

func (c *Client) onJoin(payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}
	var reply wire.FollowJoinReply
	if !decode(wire.EventJoin, payload, &reply) {
		return
	}
	c.mu.Lock()
	c.followers = make(map[string]wire.UserRef, len(reply.Followers))
	for _, f := range reply.Followers {
		c.followers[f.UserID] = f
	}
	list := c.followersLocked()
	c.mu.Unlock()
	c.followerObs.emit(list)

	if reply.Presence != nil {
		c.SyncPresence(reply.Presence)
	}
}

func (c *Client) onPresenceSync(payload json.RawMessage) {
	var m wire.PresenceSync
	if decode(wire.EventPresenceSync, payload, &m) {
		c.SyncPresence(m.Users)
	}
}

func (c *Client) onFollowerStarted(payload json.RawMessage) {
	var m wire.FollowStarted
	if !decode(wire.EventFollowStarted, payload, &m) || m.Follower.UserID == "" {
		return
	}
	c.mu.Lock()
	c.followers[m.Follower.UserID] = m.Follower
	list := c.followersLocked()
	c.mu.Unlock()
	c.followerObs.emit(list)
}

func (c *Client) onFollowerStopped(payload json.RawMessage) {
	var m wire.FollowStopped
	if !decode(wire.EventFollowStopped, payload, &m) {
		return
	}
	c.mu.Lock()
	if _, ok := c.followers[m.FollowerID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.followers, m.FollowerID)
	list := c.followersLocked()
	c.mu.Unlock()
	c.followerObs.emit(list)
}

func (c *Client) onLeaderOffline(payload json.RawMessage) {
	var m wire.LeaderOffline
	if !decode(wire.EventLeaderOffline, payload, &m) {
		return
	}
	if c.toIdle(func(s State) bool { return s.Leader.UserID == m.LeaderID }) {
		log.Printf("follow leader offline (user=%s leader=%s)", c.self.UserID, m.LeaderID)
	}
}

func (c *Client) onScroll(payload json.RawMessage) {
	var m wire.FollowScroll
	if decode(wire.EventFollowScroll, payload, &m) {
		c.applyScroll(m)
	}
}

// applyScroll 只执行当前 leader、当前文档、且不在用户滚动冷却期内的滚动
func (c *Client) applyScroll(m wire.FollowScroll) {
	c.mu.Lock()
	now := c.clock.Now()
	ok := !c.closed && c.state.FollowingUser(m.LeaderID) &&
		m.DocID == c.currentDoc && !now.Before(c.coolUntil)
	if ok {
		c.lastProgrammatic = now
	}
	c.mu.Unlock()
	if ok {
		c.scrollObs.emit(m)
	}
}

// NotifyUserScroll 由视图在每次滚动时调用。
// 刚执行过跟随滚动的 ProgrammaticScrollGrace 内的滚动视为程序触发，不算用户滚动；
// 用户滚动后 ScrollCooldown 内忽略 leader 的滚动。
func (c *Client) NotifyUserScroll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if now.Sub(c.lastProgrammatic) <= c.opts.ProgrammaticScrollGrace {
		return
	}
	c.coolUntil = now.Add(c.opts.ScrollCooldown)
}

func (c *Client) onDocSwitch(payload json.RawMessage) {
	var m wire.FollowDocSwitch
	if !decode(wire.EventFollowDocSwitch, payload, &m) {
		return
	}
	c.mu.Lock()
	ok := !c.closed && c.state.FollowingUser(m.LeaderID) && m.DocID != "" && m.DocID != c.currentDoc
	c.mu.Unlock()
	if ok {
		c.navigate(m.DocID)
	}
}

// navigate 切换本端当前文档并更新自己的 presence
func (c *Client) navigate(docID string) {
	c.mu.Lock()
	c.currentDoc = docID
	c.scroll = nil
	c.mu.Unlock()
	if err := c.UpdatePresence(docID); err != nil {
		log.Printf("follow presence update error (user=%s doc=%s): %v", c.self.UserID, docID, err)
	}
	c.navObs.emit(docID)
}

// Close 清掉节流和 ping 定时器、所有监听，并离开频道。可重复调用
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.throttle != nil {
		c.throttle.Stop()
		c.throttle = nil
	}
	c.scroll = nil
	for _, p := range c.pings {
		p.timer.Stop()
	}
	c.pings = nil
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	if err := c.ch.Leave(); err != nil {
		log.Printf("follow leave error (topic=%s): %v", c.ch.Topic(), err)
	}
	c.stateObs.clear()
	c.scrollObs.clear()
	c.navObs.clear()
	c.pingObs.clear()
	c.followerObs.clear()
	c.presenceObs.clear()
}
