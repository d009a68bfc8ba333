package ws

import (
	"context"
	"hash/fnv"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/wire"
)

const (
	DefaultPresenceTTL = 60 * time.Second
	cleanupTimeout     = 5 * time.Second
)

// 本地开发环境的来源总是允许
var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Options struct {
	PresenceTTL time.Duration
	// AllowedOrigins 是 Origin 的前缀白名单，追加在本地开发来源之后
	AllowedOrigins []string
}

type Manager struct {
	hub      *Hub
	docs     *collab.DocumentService
	presence cache.PresenceCache
	follows  cache.FollowCache

	presenceTTL time.Duration
	upgrader    websocket.Upgrader
}

func NewManager(hub *Hub, docs *collab.DocumentService, presence cache.PresenceCache, follows cache.FollowCache, opts Options) *Manager {
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = DefaultPresenceTTL
	}
	allowed := append(append([]string{}, defaultOrigins...), opts.AllowedOrigins...)
	m := &Manager{
		hub:         hub,
		docs:        docs,
		presence:    presence,
		follows:     follows,
		presenceTTL: opts.PresenceTTL,
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
			return true
		}
		for _, p := range allowed {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
	return m
}

// WebSocketConnect 需要 AuthMiddleware 先放入 userId / username
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": wire.ReasonUnauthorized})
		return
	}
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	m.Serve(c.Request.Context(), conn, wire.UserRef{UserID: userID, Username: username, Color: colorFor(userID)})
}

// Serve 处理一条已升级的连接，阻塞到连接断开
func (m *Manager) Serve(ctx context.Context, ws *websocket.Conn, user wire.UserRef) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := NewConn(ws, m.hub, user)
	m.hub.Register(c)
	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go c.writeLoop()
	go m.keepAlive(ctx, c)

	c.readLoop(func(env wire.Envelope) { m.route(ctx, c, env) })
	m.disconnect(c)
}

func (m *Manager) route(ctx context.Context, c *Conn, env wire.Envelope) {
	kind, id, err := wire.ParseTopic(env.Topic)
	if err != nil {
		c.replyError(env, wire.ReasonUnknownTopic)
		return
	}
	switch env.Event {
	case wire.EventJoin:
		if kind == "documents" {
			m.joinDocument(ctx, c, id, env)
		} else {
			m.joinFollow(ctx, c, id, env)
		}
	case wire.EventLeave:
		if !c.removeTopic(env.Topic) {
			return
		}
		m.hub.Leave(env.Topic, c)
		if kind == "documents" {
			m.leaveDocument(ctx, c, id)
		}
	default:
		if !c.joined(env.Topic) {
			c.replyError(env, wire.ReasonNotJoined)
			return
		}
		if kind == "documents" {
			m.handleDocument(ctx, c, id, env)
		} else {
			m.handleFollow(ctx, c, env)
		}
	}
}

// keepAlive 连接存活期间续期 presence
func (m *Manager) keepAlive(ctx context.Context, c *Conn) {
	t := time.NewTicker(m.presenceTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !c.joined(wire.FollowTopic(c.user.UserID)) {
				continue
			}
			if _, err := m.touch(ctx, c.user, nil, false); err != nil {
				log.Printf("presence renew error (user=%s): %v", c.user.UserID, err)
			}
		}
	}
}

// disconnect 清理连接留下的状态。用独立的 ctx，请求 ctx 此时可能已经结束
func (m *Manager) disconnect(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for _, topic := range c.joinedTopics() {
		if kind, id, err := wire.ParseTopic(topic); err == nil && kind == "documents" {
			m.leaveDocument(ctx, c, id)
		}
	}
	last := m.hub.Unregister(c)
	c.close()
	if last {
		m.userLeft(ctx, c.user)
	}
}

var palette = []string{"#e8590c", "#2f9e44", "#1971c2", "#9c36b5", "#c2255c", "#0c8599", "#f08c00", "#5c940d"}

// colorFor 同一个用户在所有节点上得到同一个颜色
func colorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
