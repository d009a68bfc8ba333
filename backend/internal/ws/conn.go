package ws

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabEngine/backend/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendDepth  = 32
)

type Conn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	user wire.UserRef
	// 出站队列，写循环负责真正写到 websocket
	send chan wire.Envelope

	mu     sync.Mutex
	closed bool
	topics map[string]struct{}
	// docID -> awareness clientID -> 最近一次状态，断开或离开时用来发 awareness:remove
	awareness map[string]map[string]json.RawMessage
}

func NewConn(ws *websocket.Conn, hub *Hub, user wire.UserRef) *Conn {
	return &Conn{
		id:        uuid.NewString(),
		ws:        ws,
		hub:       hub,
		user:      user,
		send:      make(chan wire.Envelope, sendDepth),
		topics:    make(map[string]struct{}),
		awareness: make(map[string]map[string]json.RawMessage),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) User() wire.UserRef { return c.user }

// Enqueue 不阻塞：队列满了就丢弃
func (c *Conn) Enqueue(env wire.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- env:
	default:
		log.Printf("send queue full, drop (conn=%s, user=%s, topic=%s, event=%s)", c.id, c.user.UserID, env.Topic, env.Event)
	}
}

// reply 只在客户端带了 ref 时回复
func (c *Conn) reply(env wire.Envelope, response any) {
	if env.Ref == "" {
		return
	}
	raw, err := wire.OKReply(response)
	if err != nil {
		log.Printf("reply marshal error (topic=%s, event=%s): %v", env.Topic, env.Event, err)
		c.replyError(env, wire.ReasonInternal)
		return
	}
	c.Enqueue(wire.Envelope{Topic: env.Topic, Event: wire.EventReply, Ref: env.Ref, Payload: raw})
}

func (c *Conn) replyError(env wire.Envelope, reason string) {
	if env.Ref == "" {
		return
	}
	c.Enqueue(wire.Envelope{Topic: env.Topic, Event: wire.EventReply, Ref: env.Ref, Payload: wire.ErrorReply(reason)})
}

func (c *Conn) joined(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *Conn) addTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = struct{}{}
}

func (c *Conn) removeTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	delete(c.topics, topic)
	return ok
}

func (c *Conn) joinedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) trackAwareness(docID, clientID string, state json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.awareness[docID] == nil {
		c.awareness[docID] = make(map[string]json.RawMessage)
	}
	c.awareness[docID][clientID] = state
}

func (c *Conn) untrackAwareness(docID string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.awareness[docID], id)
	}
}

// awarenessStates 当前连接在 docID 上发布过、还没移除的状态
func (c *Conn) awarenessStates(docID string) []wire.AwarenessUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.AwarenessUpdate, 0, len(c.awareness[docID]))
	for id, st := range c.awareness[docID] {
		out = append(out, wire.AwarenessUpdate{ClientID: id, State: st})
	}
	return out
}

// dropAwareness 清空 docID 上的记录，返回被清掉的 clientID
func (c *Conn) dropAwareness(docID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.awareness[docID]))
	for id := range c.awareness[docID] {
		ids = append(ids, id)
	}
	delete(c.awareness, docID)
	sort.Strings(ids)
	return ids
}

// close 之后 Enqueue 变成 no-op，写循环在发完剩余消息后退出
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) readLoop(handle func(wire.Envelope)) {
	c.ws.SetReadLimit(8 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env wire.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read json error (conn=%s, user=%s): %v", c.id, c.user.UserID, err)
			}
			return
		}
		// 客户端的任何消息都算活着
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(env)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				log.Printf("write json error (conn=%s, topic=%s, event=%s): %v", c.id, env.Topic, env.Event, err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
