package cache

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// Frame 是跨节点转发的一条 topic 广播
type Frame struct {
	Node    string          `json:"node"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Except 是不需要收到这条广播的连接 id（发送者自己）
	Except string `json:"except,omitempty"`
}

// Broker 把一个节点上的 topic 广播转发给其它节点
type Broker interface {
	Publish(ctx context.Context, f Frame) error
	// Subscribe 阻塞到 ctx 结束
	Subscribe(ctx context.Context, fn func(Frame)) error
}

type redisBroker struct {
	rdb redis.UniversalClient
}

func NewRedisBroker(rdb redis.UniversalClient) Broker {
	return &redisBroker{rdb: rdb}
}

func (b *redisBroker) Publish(ctx context.Context, f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, topicChannel(f.Topic), raw).Err()
}

func (b *redisBroker) Subscribe(ctx context.Context, fn func(Frame)) error {
	ps := b.rdb.PSubscribe(ctx, topicChannelPattern)
	defer ps.Close()
	// 等订阅确认，避免 Subscribe 返回前的消息丢失
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var f Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				log.Printf("broker decode error (channel=%s): %v", msg.Channel, err)
				continue
			}
			if f.Topic == "" {
				f.Topic = strings.TrimPrefix(msg.Channel, topicChannelPrefix)
			}
			fn(f)
		}
	}
}
