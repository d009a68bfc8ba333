package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"collabEngine/backend/internal/wire"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 25 * time.Second
	rejoinWait  = 10 * time.Second
	outboxDepth = 64
)

type SocketOption func(*Socket)

func WithHeader(h http.Header) SocketOption { return func(s *Socket) { s.header = h } }

func WithDialer(d *websocket.Dialer) SocketOption { return func(s *Socket) { s.dialer = d } }

// WithBackoff 替换重连策略；返回 backoff.Stop 时放弃重连
func WithBackoff(f func() backoff.BackOff) SocketOption {
	return func(s *Socket) { s.newBackoff = f }
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Socket 是一条 websocket 连接，上面按 topic 复用多个 SocketChannel。
// 断线后按退避策略自动重连，并用原来的参数重新加入所有还想留在里面的频道。
type Socket struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	newBackoff func() backoff.BackOff

	mu       sync.Mutex
	out      chan wire.Envelope // nil 表示当前没有连接
	channels map[string]*SocketChannel
	pending  map[string]chan wire.Reply
	joins    map[string]*SocketChannel // ref -> 等待 join 回复的通道
	ref      uint64
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSocket(url string, opts ...SocketOption) *Socket {
	s := &Socket{
		url:        url,
		dialer:     websocket.DefaultDialer,
		newBackoff: defaultBackoff,
		channels:   make(map[string]*SocketChannel),
		pending:    make(map[string]chan wire.Reply),
		joins:      make(map[string]*SocketChannel),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect 在后台连接，直到 ctx 结束或 Close
func (s *Socket) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed || s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out != nil
}

// Channel 取得 topic 对应的通道，同一个 topic 总是同一个实例
func (s *Socket) Channel(topic string) *SocketChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[topic]
	if !ok {
		ch = &SocketChannel{s: s, topic: topic, status: StatusDisconnected}
		s.channels[topic] = ch
	}
	return ch
}

func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-s.done
	}
	for _, ch := range s.snapshot() {
		ch.mu.Lock()
		ch.want, ch.joined = false, false
		ch.mu.Unlock()
		ch.setStatus(StatusDisconnected)
	}
}

func (s *Socket) snapshot() []*SocketChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SocketChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *Socket) run(ctx context.Context) {
	defer close(s.done)
	b := s.newBackoff()
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err == nil {
			b.Reset()
			s.serve(ctx, conn)
		} else if ctx.Err() == nil {
			log.Printf("socket dial error (url=%s): %v", s.url, err)
		}
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			log.Printf("socket gave up reconnecting (url=%s)", s.url)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// serve 处理一条连接直到它断开
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) {
	out := make(chan wire.Envelope, outboxDepth)
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()

	writerDone := make(chan struct{})
	go s.writeLoop(conn, out, writerDone)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for _, ch := range s.snapshot() {
		if ch.wantJoined() {
			go ch.rejoin(ctx)
		}
	}

	s.readLoop(conn)

	s.mu.Lock()
	s.out = nil
	pending := s.pending
	s.pending = make(map[string]chan wire.Reply)
	s.joins = make(map[string]*SocketChannel)
	s.mu.Unlock()

	close(out)
	<-writerDone
	conn.Close()
	for _, p := range pending {
		close(p)
	}
	for _, ch := range s.snapshot() {
		ch.dropped()
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("socket read error (url=%s): %v", s.url, err)
			}
			return
		}
		s.route(env)
	}
}

// route 回调在读循环上执行，回调里不能同步等待 Push 的回复
func (s *Socket) route(env wire.Envelope) {
	if env.Event == wire.EventReply {
		s.mu.Lock()
		p, ok := s.pending[env.Ref]
		joining := s.joins[env.Ref]
		delete(s.pending, env.Ref)
		delete(s.joins, env.Ref)
		s.mu.Unlock()
		if !ok {
			return
		}
		var r wire.Reply
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			reason, _ := json.Marshal(wire.ErrorResponse{Reason: wire.ReasonBadPayload})
			r = wire.Reply{Status: wire.StatusError, Response: reason}
		}
		if joining != nil && r.Status == wire.StatusOK {
			// 服务端可能紧跟着回复就推送事件，在读循环上先标记为已加入，避免丢掉
			joining.mu.Lock()
			if joining.want {
				joining.joined = true
			}
			joining.mu.Unlock()
		}
		p <- r
		return
	}
	s.mu.Lock()
	ch, ok := s.channels[env.Topic]
	s.mu.Unlock()
	if ok && ch.isJoined() {
		ch.h.Dispatch(env.Event, env.Payload)
	}
}

func (s *Socket) writeLoop(conn *websocket.Conn, out <-chan wire.Envelope, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	broken := false
	for {
		select {
		case env, ok := <-out:
			if !ok {
				return
			}
			if broken {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("socket write error (topic=%s, event=%s): %v", env.Topic, env.Event, err)
				broken = true
				conn.Close()
			}
		case <-ticker.C:
			if !broken {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
		}
	}
}

func marshal(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

func (s *Socket) enqueue(env wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(env)
}

func (s *Socket) enqueueLocked(env wire.Envelope) error {
	if s.out == nil {
		return ErrNotConnected
	}
	select {
	case s.out <- env:
		return nil
	default:
		return fmt.Errorf("outbox full: %w", ErrNotConnected)
	}
}

func (s *Socket) send(topic, event string, payload any) error {
	raw, err := marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return s.enqueue(wire.Envelope{Topic: topic, Event: event, Payload: raw})
}

func (s *Socket) request(ctx context.Context, topic, event string, payload any) (json.RawMessage, error) {
	raw, err := marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	p := make(chan wire.Reply, 1)
	s.mu.Lock()
	s.ref++
	ref := strconv.FormatUint(s.ref, 10)
	if err := s.enqueueLocked(wire.Envelope{Topic: topic, Event: event, Ref: ref, Payload: raw}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.pending[ref] = p
	if event == wire.EventJoin {
		s.joins[ref] = s.channels[topic]
	}
	s.mu.Unlock()

	select {
	case r, ok := <-p:
		if !ok {
			return nil, ErrNotConnected
		}
		if r.Status != wire.StatusOK {
			var er wire.ErrorResponse
			_ = json.Unmarshal(r.Response, &er)
			return nil, &ReplyError{Reason: er.Reason}
		}
		return r.Response, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, ref)
		delete(s.joins, ref)
		s.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w (%v)", topic, event, ErrPushTimeout, ctx.Err())
	}
}

// SocketChannel 是 Socket 上某个 topic 的 Channel 实现
type SocketChannel struct {
	s     *Socket
	topic string
	h     Handlers

	mu     sync.Mutex
	params json.RawMessage
	want   bool
	joined bool
	status Status
}

var _ Channel = (*SocketChannel)(nil)

func (c *SocketChannel) Topic() string { return c.topic }

func (c *SocketChannel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *SocketChannel) On(event string, fn func(json.RawMessage)) func() { return c.h.On(event, fn) }
func (c *SocketChannel) OnStatus(fn func(Status)) func()                  { return c.h.OnStatus(fn) }

func (c *SocketChannel) setStatus(st Status) {
	c.mu.Lock()
	if c.status == st {
		c.mu.Unlock()
		return
	}
	c.status = st
	c.mu.Unlock()
	c.h.DispatchStatus(st)
}

func (c *SocketChannel) wantJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.want
}

func (c *SocketChannel) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Join 没有连接时返回 ErrNotConnected，但加入意图会保留，连上后自动加入
func (c *SocketChannel) Join(ctx context.Context, params any) (json.RawMessage, error) {
	raw, err := marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal join params: %w", err)
	}
	c.mu.Lock()
	c.params = raw
	c.want = true
	c.mu.Unlock()
	c.setStatus(StatusConnecting)
	return c.join(ctx)
}

func (c *SocketChannel) join(ctx context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	params := c.params
	c.mu.Unlock()

	resp, err := c.s.request(ctx, c.topic, wire.EventJoin, params)
	if err != nil {
		var re *ReplyError
		if errors.As(err, &re) {
			// 服务端明确拒绝，不再自动重试
			c.mu.Lock()
			c.want = false
			c.mu.Unlock()
			c.setStatus(StatusDisconnected)
		}
		return nil, err
	}
	c.mu.Lock()
	if !c.want {
		// 等回复期间已经 Leave
		c.mu.Unlock()
		_ = c.s.send(c.topic, wire.EventLeave, nil)
		return resp, nil
	}
	c.joined = true
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	c.h.Dispatch(wire.EventJoin, resp)
	return resp, nil
}

func (c *SocketChannel) rejoin(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, rejoinWait)
	defer cancel()
	if _, err := c.join(ctx); err != nil {
		log.Printf("rejoin error (topic=%s): %v", c.topic, err)
	}
}

func (c *SocketChannel) dropped() {
	c.mu.Lock()
	c.joined = false
	want := c.want
	c.mu.Unlock()
	if want {
		c.setStatus(StatusConnecting)
	}
}

func (c *SocketChannel) Push(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if !c.isJoined() {
		return nil, ErrNotConnected
	}
	return c.s.request(ctx, c.topic, event, payload)
}

func (c *SocketChannel) Send(event string, payload any) error {
	if !c.isJoined() {
		return ErrNotConnected
	}
	return c.s.send(c.topic, event, payload)
}

// Leave 可以重复调用
func (c *SocketChannel) Leave() error {
	c.mu.Lock()
	if !c.want && !c.joined {
		c.mu.Unlock()
		return nil
	}
	wasJoined := c.joined
	c.want, c.joined = false, false
	c.mu.Unlock()
	if wasJoined {
		_ = c.s.send(c.topic, wire.EventLeave, nil)
	}
	c.setStatus(StatusDisconnected)
	return nil
}
