package wire

import (
	"encoding/json"
	"errors"
	"strings"
)

// 客户端与服务端共用的帧格式：一个 websocket 连接上复用多个 topic。
// - 客户端 -> 服务端：join / leave / 业务 push，带 ref 时服务端必须回 reply
// - 服务端 -> 客户端：reply（按 ref 关联）或按事件名广播
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type ErrorResponse struct {
	Reason string `json:"reason"`
}

const (
	EventJoin  = "join"
	EventLeave = "leave"
	EventReply = "reply"

	EventDocUpdate       = "doc:update"
	EventAwarenessUpdate = "awareness:update"
	EventAwarenessRemove = "awareness:remove"
	EventPingSend        = "ping:send"
	EventPingReceived    = "ping:received"
	EventFollowStart     = "follow:start"
	EventFollowStop      = "follow:stop"
	EventFollowStarted   = "follow:started"
	EventFollowStopped   = "follow:stopped"
	EventFollowScroll    = "follow:scroll"
	EventFollowDocSwitch = "follow:doc_switch"
	EventLeaderOffline   = "follow:leader_offline"
	EventPresenceUpdate  = "presence:update"
	EventPresenceSync    = "presence:sync"
)

const (
	ReasonCannotFollowSelf = "cannot_follow_self"
	ReasonLeaderNotFound   = "leader_not_found"
	ReasonUnauthorized     = "unauthorized"
	ReasonUnknownTopic     = "unknown_topic"
	ReasonNotJoined        = "not_joined"
	ReasonBadPayload       = "bad_payload"
	ReasonUnknownEvent     = "unknown_event"
	ReasonInternal         = "internal"
)

const (
	documentsPrefix = "documents:"
	followPrefix    = "follow:"
)

var ErrBadTopic = errors.New("BAD_TOPIC")

func DocumentTopic(docID string) string { return documentsPrefix + docID }
func FollowTopic(userID string) string  { return followPrefix + userID }

// ParseTopic 拆出 topic 的类别（documents / follow）和 id
func ParseTopic(topic string) (kind string, id string, err error) {
	switch {
	case strings.HasPrefix(topic, documentsPrefix):
		kind, id = "documents", strings.TrimPrefix(topic, documentsPrefix)
	case strings.HasPrefix(topic, followPrefix):
		kind, id = "follow", strings.TrimPrefix(topic, followPrefix)
	default:
		return "", "", ErrBadTopic
	}
	if id == "" {
		return "", "", ErrBadTopic
	}
	return kind, id, nil
}

// OKReply / ErrorReply 构造 reply 帧的 payload
func OKReply(response any) (json.RawMessage, error) {
	var raw json.RawMessage
	if response != nil {
		b, err := json.Marshal(response)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Reply{Status: StatusOK, Response: raw})
}

func ErrorReply(reason string) json.RawMessage {
	b, _ := json.Marshal(ErrorResponse{Reason: reason})
	out, _ := json.Marshal(Reply{Status: StatusError, Response: b})
	return out
}
