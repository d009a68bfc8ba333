package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"collabEngine/backend/internal/wire"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

// testServer 应答 join 和 echo；dropFirst 时第一次 join 回复后立刻断开
type testServer struct {
	joins     atomic.Int32
	dropFirst bool
}

func (ts *testServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	reply := func(env wire.Envelope, payload json.RawMessage) {
		_ = conn.WriteJSON(wire.Envelope{Topic: env.Topic, Event: wire.EventReply, Ref: env.Ref, Payload: payload})
	}
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Event {
		case wire.EventJoin:
			if strings.HasPrefix(env.Topic, "denied:") {
				reply(env, wire.ErrorReply(wire.ReasonUnauthorized))
				continue
			}
			n := ts.joins.Add(1)
			ok, _ := wire.OKReply(map[string]int32{"join": n})
			reply(env, ok)
			if ts.dropFirst && n == 1 {
				return
			}
		case "echo":
			if env.Ref != "" {
				ok, _ := wire.OKReply(env.Payload)
				reply(env, ok)
			}
			_ = conn.WriteJSON(wire.Envelope{Topic: env.Topic, Event: "echoed", Payload: env.Payload})
		}
	}
}

func dial(t *testing.T, ts *testServer) *Socket {
	t.Helper()
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewSocket(url, WithBackoff(func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }))
	s.Connect(context.Background())
	t.Cleanup(s.Close)
	return s
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func join(t *testing.T, ch *SocketChannel) {
	t.Helper()
	eventually(t, ch.s.Connected)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ch.Join(ctx, map[string]bool{"bootstrap": false}); err != nil {
		t.Fatalf("join %s: %v", ch.Topic(), err)
	}
}

func TestSocket_JoinPushAndBroadcast(t *testing.T) {
	s := dial(t, &testServer{})
	ch := s.Channel("documents:d1")
	if s.Channel("documents:d1") != ch {
		t.Fatalf("channel instance not reused")
	}

	got := make(chan json.RawMessage, 4)
	ch.On("echoed", func(p json.RawMessage) { got <- p })
	join(t, ch)
	if ch.Status() != StatusConnected {
		t.Fatalf("status=%s", ch.Status())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := ch.Push(ctx, "echo", map[string]int{"x": 1})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if string(resp) != `{"x":1}` {
		t.Fatalf("resp=%s", resp)
	}

	if err := ch.Send("echo", map[string]int{"x": 2}); err != nil {
		t.Fatalf("send: %v", err)
	}
	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case p := <-got:
			seen[string(p)] = true
		case <-timeout:
			t.Fatalf("broadcasts missing: %v", seen)
		}
	}
}

func TestSocket_RejectedJoin(t *testing.T) {
	s := dial(t, &testServer{})
	ch := s.Channel("denied:x")

	eventually(t, s.Connected)
	_, err := ch.Join(context.Background(), nil)
	if !IsReason(err, wire.ReasonUnauthorized) {
		t.Fatalf("err=%v", err)
	}
	if ch.Status() != StatusDisconnected {
		t.Fatalf("status=%s", ch.Status())
	}
}

func TestSocket_RejoinAfterDrop(t *testing.T) {
	ts := &testServer{dropFirst: true}
	s := dial(t, ts)
	ch := s.Channel("follow:u1")

	var joins atomic.Int32
	ch.On(wire.EventJoin, func(json.RawMessage) { joins.Add(1) })
	var statuses []Status
	statusCh := make(chan Status, 16)
	ch.OnStatus(func(st Status) { statusCh <- st })

	join(t, ch)
	eventually(t, func() bool { return joins.Load() >= 2 && ch.Status() == StatusConnected })

	for len(statusCh) > 0 {
		statuses = append(statuses, <-statusCh)
	}
	if len(statuses) < 3 || statuses[0] != StatusConnecting || statuses[len(statuses)-1] != StatusConnected {
		t.Fatalf("statuses=%v", statuses)
	}
}

func TestSocket_PushBeforeJoinAndLeaveTwice(t *testing.T) {
	s := dial(t, &testServer{})
	ch := s.Channel("documents:d2")

	if _, err := ch.Push(context.Background(), "echo", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v", err)
	}
	if err := ch.Send("echo", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v", err)
	}

	join(t, ch)
	if err := ch.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := ch.Leave(); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if ch.Status() != StatusDisconnected {
		t.Fatalf("status=%s", ch.Status())
	}
}
