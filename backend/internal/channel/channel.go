package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrPushTimeout  = errors.New("PUSH_TIMEOUT")
	ErrClosed       = errors.New("SOCKET_CLOSED")
)

// ReplyError 是服务端回复的 error 状态，Reason 对应线上的 reason 字段
type ReplyError struct {
	Reason string
}

func (e *ReplyError) Error() string { return fmt.Sprintf("reply error: %s", e.Reason) }

// IsReason 判断 err 是否是某个 reason 的服务端拒绝
func IsReason(err error, reason string) bool {
	var re *ReplyError
	return errors.As(err, &re) && re.Reason == reason
}

// Channel 是一个 topic 上的双工通道。
// 传输故障只通过 Status 暴露，重试由实现自己负责。
type Channel interface {
	Topic() string
	// Join 发送 join 并等待回复。每次（重新）加入成功后，回复内容也会派发给 On(wire.EventJoin) 的监听者。
	Join(ctx context.Context, params any) (json.RawMessage, error)
	// Push 发送事件并等待按 ref 关联的回复
	Push(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Send 发送不需要回复的事件
	Send(event string, payload any) error
	On(event string, fn func(payload json.RawMessage)) func()
	OnStatus(fn func(Status)) func()
	Status() Status
	Leave() error
}
