// Package chantest 提供内存里的 Channel，用来在没有服务端的情况下测试 provider 和 follow。
package chantest

import (
	"context"
	"encoding/json"
	"sync"

	"collabEngine/backend/internal/channel"
	"collabEngine/backend/internal/wire"
)

type Message struct {
	Event   string
	Payload json.RawMessage
}

type ReplyFunc func(payload json.RawMessage) (any, error)

// Fake 记录所有发出的消息，服务端行为由 Reply 注入，服务端广播用 Emit 模拟
type Fake struct {
	channel.Handlers

	topic string

	mu         sync.Mutex
	status     channel.Status
	joinReply  any
	joinErr    error
	joinParams []json.RawMessage
	replies    map[string]ReplyFunc
	pushes     []Message
	sent       []Message
	leaves     int
}

var _ channel.Channel = (*Fake)(nil)

func New(topic string) *Fake {
	return &Fake{topic: topic, status: channel.StatusDisconnected, replies: make(map[string]ReplyFunc)}
}

func (f *Fake) Topic() string { return f.topic }

func (f *Fake) Status() channel.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// SetStatus 模拟传输层的状态变化
func (f *Fake) SetStatus(st channel.Status) {
	f.mu.Lock()
	if f.status == st {
		f.mu.Unlock()
		return
	}
	f.status = st
	f.mu.Unlock()
	f.DispatchStatus(st)
}

func (f *Fake) SetJoinReply(v any, err error) {
	f.mu.Lock()
	f.joinReply, f.joinErr = v, err
	f.mu.Unlock()
}

func (f *Fake) Reply(event string, fn ReplyFunc) {
	f.mu.Lock()
	f.replies[event] = fn
	f.mu.Unlock()
}

func raw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if r, ok := v.(json.RawMessage); ok {
		return r
	}
	b, _ := json.Marshal(v)
	return b
}

func (f *Fake) Join(ctx context.Context, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.joinParams = append(f.joinParams, raw(params))
	reply, err := f.joinReply, f.joinErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f.SetStatus(channel.StatusConnected)
	resp := raw(reply)
	f.Dispatch(wire.EventJoin, resp)
	return resp, nil
}

func (f *Fake) Push(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if f.Status() != channel.StatusConnected {
		return nil, channel.ErrNotConnected
	}
	p := raw(payload)
	f.mu.Lock()
	f.pushes = append(f.pushes, Message{Event: event, Payload: p})
	fn := f.replies[event]
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	resp, err := fn(p)
	if err != nil {
		return nil, err
	}
	return raw(resp), nil
}

func (f *Fake) Send(event string, payload any) error {
	if f.Status() != channel.StatusConnected {
		return channel.ErrNotConnected
	}
	f.mu.Lock()
	f.sent = append(f.sent, Message{Event: event, Payload: raw(payload)})
	f.mu.Unlock()
	return nil
}

func (f *Fake) Leave() error {
	f.mu.Lock()
	f.leaves++
	f.mu.Unlock()
	f.SetStatus(channel.StatusDisconnected)
	return nil
}

// Emit 模拟服务端向这个 topic 广播
func (f *Fake) Emit(event string, payload any) {
	f.Dispatch(event, raw(payload))
}

func (f *Fake) JoinParams() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.joinParams...)
}

func (f *Fake) Pushes(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filter(f.pushes, event)
}

func (f *Fake) Sent(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filter(f.sent, event)
}

func (f *Fake) Leaves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaves
}

func filter(ms []Message, event string) []json.RawMessage {
	var out []json.RawMessage
	for _, m := range ms {
		if m.Event == event {
			out = append(out, m.Payload)
		}
	}
	return out
}
