package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"collabEngine/backend/internal/awareness"
	"collabEngine/backend/internal/channel"
	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/doc"
	"collabEngine/backend/internal/wire"
)

type Options struct {
	// Bootstrap 只有为 true 时，服务端副本为空才由本端初始化并推送完整状态
	Bootstrap bool

	// DisableLocalBroadcast 不参与 LocalBus 转发
	DisableLocalBroadcast bool

	LocalBus  *LocalBus
	Awareness *awareness.Awareness
	Clock     clock.Clock
}

// Provider 把一个 doc.Store 绑定到一个 documents:{docId} 频道上
type Provider struct {
	ch    channel.Channel
	store *doc.Store
	aw    *awareness.Awareness
	opts  Options
	clock clock.Clock
	obs   channel.Handlers

	mu      sync.Mutex
	status  channel.Status
	joined  bool
	dirty   bool
	closed  bool
	renewal clock.Timer
	unsubs  []func()
}

// Connect 加入频道并开始双向同步。
// 传输层暂时不可用时不会报错，状态停在 connecting，由传输层负责重连和重新加入；
// 服务端明确拒绝加入时返回错误。
func Connect(ctx context.Context, ch channel.Channel, store *doc.Store, opts Options) (*Provider, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	p := &Provider{ch: ch, store: store, aw: opts.Awareness, opts: opts, clock: opts.Clock, status: channel.StatusDisconnected}

	p.unsubs = append(p.unsubs,
		ch.OnStatus(p.setStatus),
		ch.On(wire.EventJoin, p.onJoin),
		ch.On(wire.EventDocUpdate, p.onRemoteUpdate),
		store.Subscribe(p.onLocalUpdate),
	)
	if opts.LocalBus != nil && !opts.DisableLocalBroadcast {
		p.unsubs = append(p.unsubs, opts.LocalBus.subscribe(ch.Topic(), p, p.onBusUpdate))
	}
	if p.aw != nil {
		p.unsubs = append(p.unsubs,
			p.aw.Observe(p.onAwarenessChange),
			ch.On(wire.EventAwarenessUpdate, p.onAwarenessUpdate),
			ch.On(wire.EventAwarenessRemove, p.onAwarenessRemove),
		)
		p.scheduleRenewal()
	}
	p.setStatus(ch.Status())

	_, err := ch.Join(ctx, wire.DocJoinParams{Bootstrap: opts.Bootstrap, DisableLocalBroadcast: opts.DisableLocalBroadcast})
	if err != nil && !errors.Is(err, channel.ErrNotConnected) && !errors.Is(err, channel.ErrPushTimeout) {
		p.Close()
		return nil, fmt.Errorf("join %s: %w", ch.Topic(), err)
	}
	return p, nil
}

func (p *Provider) Status() channel.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OnStatus 连接状态变化：disconnected / connecting / connected
func (p *Provider) OnStatus(fn func(channel.Status)) func() { return p.obs.OnStatus(fn) }

func (p *Provider) setStatus(st channel.Status) {
	p.mu.Lock()
	if p.closed || p.status == st {
		p.mu.Unlock()
		return
	}
	p.status = st
	if st != channel.StatusConnected {
		p.joined = false
	}
	p.mu.Unlock()
	p.obs.DispatchStatus(st)
}

// onJoin 每次（重新）加入成功后执行：先载入服务端状态，再决定是否推送本地完整状态
func (p *Provider) onJoin(payload json.RawMessage) {
	var reply wire.DocJoinReply
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &reply); err != nil {
			log.Printf("provider join reply decode error (topic=%s): %v", p.ch.Topic(), err)
			return
		}
	}
	if len(reply.State) > 0 {
		if err := p.store.ApplyRemote(reply.State, doc.OriginRemote); err != nil {
			log.Printf("provider apply join state error (topic=%s): %v", p.ch.Topic(), err)
		}
	}

	p.mu.Lock()
	first := !p.joined
	p.joined = true
	dirty := p.dirty
	p.dirty = false
	p.mu.Unlock()

	seed := reply.Empty && p.opts.Bootstrap
	switch {
	case seed && !p.store.Initialized():
		// Init 产生的本地增量会经 onLocalUpdate 发出
		if err := p.store.Init(); err != nil {
			log.Printf("provider bootstrap error (topic=%s): %v", p.ch.Topic(), err)
		}
	case (seed || dirty) && p.store.Initialized():
		p.pushFullState()
	}

	if first && p.aw != nil {
		if st, ok := p.aw.Local(); ok {
			p.sendAwareness(st)
		}
	}
}

func (p *Provider) pushFullState() {
	if err := p.ch.Send(wire.EventDocUpdate, wire.DocUpdate{Update: p.store.Save()}); err != nil {
		p.markDirty()
	}
}

func (p *Provider) markDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) onLocalUpdate(u doc.Update) {
	if u.Origin == doc.OriginRemote || p.isClosed() {
		return
	}
	if err := p.ch.Send(wire.EventDocUpdate, wire.DocUpdate{Update: u.Data}); err != nil {
		// 断线期间的修改在重新加入后整体补发
		p.markDirty()
	}
	if p.opts.LocalBus != nil && !p.opts.DisableLocalBroadcast {
		p.opts.LocalBus.publish(p.ch.Topic(), p, u.Data)
	}
}

func (p *Provider) onRemoteUpdate(payload json.RawMessage) {
	var m wire.DocUpdate
	if err := json.Unmarshal(payload, &m); err != nil {
		log.Printf("provider update decode error (topic=%s): %v", p.ch.Topic(), err)
		return
	}
	p.applyRemote(m.Update)
}

func (p *Provider) onBusUpdate(data []byte) { p.applyRemote(data) }

func (p *Provider) applyRemote(data []byte) {
	if len(data) == 0 || p.isClosed() {
		return
	}
	if err := p.store.ApplyRemote(data, doc.OriginRemote); err != nil {
		log.Printf("provider apply remote error (topic=%s): %v", p.ch.Topic(), err)
	}
}

func (p *Provider) onAwarenessChange(c awareness.Change) {
	if c.Origin != awareness.OriginLocal || p.isClosed() {
		return
	}
	st, ok := p.aw.Local()
	if !ok {
		p.send(wire.EventAwarenessRemove, wire.AwarenessRemove{ClientIDs: []string{p.aw.ClientID()}})
		return
	}
	p.sendAwareness(st)
}

func (p *Provider) sendAwareness(st awareness.State) {
	raw, err := json.Marshal(st)
	if err != nil {
		log.Printf("provider awareness encode error (topic=%s, client=%s): %v", p.ch.Topic(), st.ClientID, err)
		return
	}
	p.send(wire.EventAwarenessUpdate, wire.AwarenessUpdate{ClientID: st.ClientID, State: raw})
}

// send 发一条不等回复的消息，失败只记日志；本地 awareness 在重新加入后会整体补发
func (p *Provider) send(event string, payload any) {
	if err := p.ch.Send(event, payload); err != nil {
		log.Printf("provider send %s error (topic=%s): %v", event, p.ch.Topic(), err)
	}
}

func (p *Provider) onAwarenessUpdate(payload json.RawMessage) {
	var m wire.AwarenessUpdate
	if err := json.Unmarshal(payload, &m); err != nil {
		log.Printf("provider awareness decode error (topic=%s): %v", p.ch.Topic(), err)
		return
	}
	var st awareness.State
	if err := json.Unmarshal(m.State, &st); err != nil {
		log.Printf("provider awareness state decode error (topic=%s, client=%s): %v", p.ch.Topic(), m.ClientID, err)
		return
	}
	st.ClientID = m.ClientID
	p.aw.Apply(st, awareness.OriginRemote)
}

func (p *Provider) onAwarenessRemove(payload json.RawMessage) {
	var m wire.AwarenessRemove
	if err := json.Unmarshal(payload, &m); err != nil {
		log.Printf("provider awareness remove decode error (topic=%s): %v", p.ch.Topic(), err)
		return
	}
	p.aw.Remove(m.ClientIDs, awareness.OriginRemote)
}

// scheduleRenewal 周期性重发本地状态，顺便清理超时的远端状态
func (p *Provider) scheduleRenewal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.renewal = p.clock.AfterFunc(awareness.RenewInterval, func() {
		if p.isClosed() {
			return
		}
		if st, ok := p.aw.Renew(); ok {
			p.sendAwareness(st)
		}
		p.aw.RemoveOutdated(awareness.OutdatedTimeout)
		p.scheduleRenewal()
	})
}

// Close 离开频道并释放全部订阅，可以重复调用
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	unsubs := p.unsubs
	p.unsubs = nil
	if p.renewal != nil {
		p.renewal.Stop()
	}
	p.mu.Unlock()

	for _, un := range unsubs {
		un()
	}
	if p.aw != nil {
		p.send(wire.EventAwarenessRemove, wire.AwarenessRemove{ClientIDs: []string{p.aw.ClientID()}})
	}
	if err := p.ch.Leave(); err != nil {
		log.Printf("provider leave error (topic=%s): %v", p.ch.Topic(), err)
	}
	p.mu.Lock()
	p.status = channel.StatusDisconnected
	p.mu.Unlock()
	p.obs.DispatchStatus(channel.StatusDisconnected)
	p.obs.Clear()
}
