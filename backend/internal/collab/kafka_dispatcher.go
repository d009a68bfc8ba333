package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

var ErrDispatcherClosed = errors.New("DISPATCHER_CLOSED")

// EventSink 接收协作事件。实现不能阻塞调用方太久，送达与否不影响同步
type EventSink interface {
	Enqueue(ctx context.Context, evt CollabEvent) error
}

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞主流程（调用方只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时等到 ctx 超时就放弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan CollabEvent

	// kafkaSem 限制并发的 SendMessage 数量
	kafkaSem *SemaphoreControl

	workers    int
	maxRetry   int
	newBackoff func() backoff.BackOff

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		queue:    make(chan CollabEvent, opt.QueueSize),
		kafkaSem: kafkaSem,
		workers:  opt.Workers,
		maxRetry: opt.MaxRetry,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = opt.BaseBackoff
			b.MaxInterval = opt.MaxBackoff
			b.MaxElapsedTime = 0
			return b
		},
	}

	d.Start()
	return d
}

// Enqueue 把事件放入本地队列。队列满时等待直到 ctx 结束
// （kafka 不要求强一致性，不是每个事件都必须送达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt CollabEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止入队，等 worker 把队列里剩下的事件发完
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt CollabEvent) {
	b := backoff.WithMaxRetries(d.newBackoff(), uint64(d.maxRetry))
	err := backoff.RetryNotify(func() error {
		return d.sendGuarded(evt)
	}, b, func(err error, wait time.Duration) {
		log.Printf("kafka send retry in %s (event=%s key=%s worker=%d): %v", wait, evt.EventType, evt.Key(), workerID, err)
	})
	if err != nil {
		log.Printf("kafka send failed, drop event type=%s key=%s worker=%d err=%v",
			evt.EventType, evt.Key(), workerID, err)
	}
}

func (d *KafkaDispatcher) sendGuarded(evt CollabEvent) error {
	if d.kafkaSem != nil {
		// worker 允许一直等待（不会影响主链路）
		_ = d.kafkaSem.Acquire(context.Background())
		defer d.kafkaSem.Release()
	}
	return d.sendOnce(evt)
}

func (d *KafkaDispatcher) sendOnce(evt CollabEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Key()),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
