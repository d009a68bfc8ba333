package follow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"collabEngine/backend/internal/channel"
	"collabEngine/backend/internal/channel/chantest"
	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/wire"

	"github.com/go-playground/assert/v2"
)

var (
	alice = wire.UserRef{UserID: "u-alice", Username: "alice", Color: "#e11d48"}
	bob   = wire.UserRef{UserID: "u-bob", Username: "bob", Color: "#2563eb"}
	carol = wire.UserRef{UserID: "u-carol", Username: "carol", Color: "#16a34a"}
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Client, *chantest.Fake, *clock.Fake) {
	t.Helper()
	ch := chantest.New(wire.FollowTopic(alice.UserID))
	clk := clock.NewFake(epoch)
	c := New(ch, alice, Options{Clock: clk})
	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(c.Close)
	return c, ch, clk
}

// followBob 让 alice 跟随 bob，bob 当前在 docID
func followBob(t *testing.T, c *Client, ch *chantest.Fake, docID string, scrollTop *float64) {
	t.Helper()
	ch.Reply(wire.EventFollowStart, func(json.RawMessage) (any, error) {
		return wire.FollowStartReply{Leader: wire.LeaderSnapshot{DocID: wire.StringPtr(docID), ScrollTop: scrollTop}}, nil
	})
	if _, err := c.StartFollowing(context.Background(), bob.UserID); err != nil {
		t.Fatalf("start following: %v", err)
	}
}

func ping(from wire.UserRef, ts int64, docID *string) wire.PingReceived {
	return wire.PingReceived{From: from, DocID: docID, Timestamp: ts}
}

func scrolls(t *testing.T, ch *chantest.Fake) []wire.FollowScroll {
	t.Helper()
	var out []wire.FollowScroll
	for _, raw := range ch.Sent(wire.EventFollowScroll) {
		var m wire.FollowScroll
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("decode scroll: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestStartFollowing_SelfRejected(t *testing.T) {
	c, ch, _ := setup(t)

	_, err := c.StartFollowing(context.Background(), alice.UserID)
	if !errors.Is(err, ErrCannotFollowSelf) {
		t.Fatalf("expected ErrCannotFollowSelf, got %v", err)
	}
	assert.Equal(t, c.State().Phase, Idle)
	assert.Equal(t, len(ch.Pushes(wire.EventFollowStart)), 0)
}

func TestStartFollowing_ServerRejections(t *testing.T) {
	cases := []struct {
		reason string
		want   error
	}{
		{wire.ReasonLeaderNotFound, ErrLeaderNotFound},
		{wire.ReasonCannotFollowSelf, ErrCannotFollowSelf},
	}
	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			c, ch, _ := setup(t)
			ch.Reply(wire.EventFollowStart, func(json.RawMessage) (any, error) {
				return nil, &channel.ReplyError{Reason: tc.reason}
			})
			_, err := c.StartFollowing(context.Background(), bob.UserID)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			assert.Equal(t, c.State().Phase, Idle)
		})
	}
}

func TestStartFollowing_JumpsToLeader(t *testing.T) {
	c, ch, _ := setup(t)
	if err := c.BroadcastDocSwitch("d1"); err != nil {
		t.Fatalf("doc switch: %v", err)
	}

	var navigated []string
	var scrolled []float64
	var states []State
	c.OnNavigate(func(id string) { navigated = append(navigated, id) })
	c.OnScroll(func(m wire.FollowScroll) { scrolled = append(scrolled, m.ScrollTop) })
	c.Subscribe(func(s State) { states = append(states, s) })

	followBob(t, c, ch, "d2", wire.Float64Ptr(320))

	var start wire.FollowStart
	if err := json.Unmarshal(ch.Pushes(wire.EventFollowStart)[0], &start); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, start.LeaderID, bob.UserID)
	assert.Equal(t, navigated, []string{"d2"})
	assert.Equal(t, scrolled, []float64{320})
	assert.Equal(t, c.CurrentDoc(), "d2")
	assert.Equal(t, len(states), 1)
	assert.Equal(t, states[0].FollowingUser(bob.UserID), true)
}

func TestStopFollowing(t *testing.T) {
	c, ch, _ := setup(t)

	if err := c.StopFollowing(context.Background()); err != nil {
		t.Fatalf("stop while idle: %v", err)
	}
	assert.Equal(t, len(ch.Pushes(wire.EventFollowStop)), 0)

	followBob(t, c, ch, "d1", nil)
	if err := c.StopFollowing(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	assert.Equal(t, c.State().Phase, Idle)
	assert.Equal(t, len(ch.Pushes(wire.EventFollowStop)), 1)
}

func TestLeaderOffline_ForcesIdle(t *testing.T) {
	c, ch, _ := setup(t)
	followBob(t, c, ch, "d1", nil)

	ch.Emit(wire.EventLeaderOffline, wire.LeaderOffline{LeaderID: carol.UserID})
	assert.Equal(t, c.State().Phase, Following)

	ch.Emit(wire.EventLeaderOffline, wire.LeaderOffline{LeaderID: bob.UserID})
	assert.Equal(t, c.State().Phase, Idle)
}

func TestSyncPresence_DropsMissingLeader(t *testing.T) {
	c, ch, _ := setup(t)
	ch.Emit(wire.EventPresenceSync, wire.PresenceSync{Users: []wire.PresenceRecord{
		{UserID: alice.UserID, Username: alice.Username, OnlineAt: 1},
		{UserID: bob.UserID, Username: bob.Username, Color: bob.Color, OnlineAt: 2},
	}})
	followBob(t, c, ch, "d1", nil)
	assert.Equal(t, c.State().Leader, bob)
	assert.Equal(t, len(c.Presence()), 1)

	ch.Emit(wire.EventPresenceSync, wire.PresenceSync{Users: []wire.PresenceRecord{
		{UserID: alice.UserID, OnlineAt: 1},
		{UserID: carol.UserID, OnlineAt: 3},
	}})
	assert.Equal(t, c.State().Phase, Idle)
	assert.Equal(t, c.Presence()[0].UserID, carol.UserID)
}

func TestInboundScroll_Filtering(t *testing.T) {
	c, ch, clk := setup(t)
	followBob(t, c, ch, "d1", nil)

	var got []float64
	c.OnScroll(func(m wire.FollowScroll) { got = append(got, m.ScrollTop) })

	ch.Emit(wire.EventFollowScroll, wire.FollowScroll{LeaderID: bob.UserID, DocID: "d2", ScrollTop: 1})
	ch.Emit(wire.EventFollowScroll, wire.FollowScroll{LeaderID: carol.UserID, DocID: "d1", ScrollTop: 2})
	ch.Emit(wire.EventFollowScroll, wire.FollowScroll{LeaderID: bob.UserID, DocID: "d1", ScrollTop: 3})
	assert.Equal(t, got, []float64{3})

	// 跟随滚动本身触发的 scroll 事件不算用户滚动
	c.NotifyUserScroll()
	ch.Emit(wire.EventFollowScroll, wire.FollowScroll{LeaderID: bob.UserID, DocID: "d1", ScrollTop: 4})
	assert.Equal(t, got, []float64{3, 4})

	clk.Advance(200 * time.Millisecond)
	c.NotifyUserScroll()
	ch.Emit(wire.EventFollowScroll, wire.FollowScroll{LeaderID: bob.UserID, DocID: "d1", ScrollTop: 5})
	assert.Equal(t, got, []float64{3, 4})

	clk.Advance(time.Second)
	ch.Emit(wire.EventFollowScroll, wire.FollowScroll{LeaderID: bob.UserID, DocID: "d1", ScrollTop: 6})
	assert.Equal(t, got, []float64{3, 4, 6})
}

func TestInboundScroll_IgnoredWhenIdle(t *testing.T) {
	c, ch, _ := setup(t)
	if err := c.BroadcastDocSwitch("d1"); err != nil {
		t.Fatalf("doc switch: %v", err)
	}
	var n int
	c.OnScroll(func(wire.FollowScroll) { n++ })
	ch.Emit(wire.EventFollowScroll, wire.FollowScroll{LeaderID: bob.UserID, DocID: "d1", ScrollTop: 10})
	assert.Equal(t, n, 0)
}

func TestInboundDocSwitch(t *testing.T) {
	c, ch, _ := setup(t)
	followBob(t, c, ch, "d1", nil)

	var navigated []string
	c.OnNavigate(func(id string) { navigated = append(navigated, id) })

	ch.Emit(wire.EventFollowDocSwitch, wire.FollowDocSwitch{LeaderID: carol.UserID, DocID: "d9"})
	ch.Emit(wire.EventFollowDocSwitch, wire.FollowDocSwitch{LeaderID: bob.UserID, DocID: "d1"})
	ch.Emit(wire.EventFollowDocSwitch, wire.FollowDocSwitch{LeaderID: bob.UserID, DocID: "d2"})
	assert.Equal(t, navigated, []string{"d2"})
	assert.Equal(t, c.CurrentDoc(), "d2")

	var p wire.PresenceUpdate
	sent := ch.Sent(wire.EventPresenceUpdate)
	if err := json.Unmarshal(sent[len(sent)-1], &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, *p.DocID, "d2")
}

func TestBroadcastScroll_NoFollowers(t *testing.T) {
	c, ch, clk := setup(t)
	if err := c.BroadcastDocSwitch("d1"); err != nil {
		t.Fatalf("doc switch: %v", err)
	}
	for i := 0; i < 10; i++ {
		c.BroadcastScroll(float64(i * 10))
		clk.Advance(5 * time.Millisecond)
	}
	clk.Advance(time.Second)
	assert.Equal(t, len(ch.Sent(wire.EventFollowScroll)), 0)
	assert.Equal(t, clk.Pending(), 0)
}

func TestBroadcastScroll_TrailingEdge(t *testing.T) {
	c, ch, clk := setup(t)
	ch.Emit(wire.EventFollowStarted, wire.FollowStarted{Follower: bob})
	if err := c.BroadcastDocSwitch("d1"); err != nil {
		t.Fatalf("doc switch: %v", err)
	}

	for i := 0; i < 10; i++ {
		c.BroadcastScroll(float64(i * 10))
		clk.Advance(9 * time.Millisecond)
	}
	assert.Equal(t, len(ch.Sent(wire.EventFollowScroll)), 0)

	clk.Advance(10 * time.Millisecond)
	got := scrolls(t, ch)
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].ScrollTop, float64(90))
	assert.Equal(t, got[0].DocID, "d1")
	assert.Equal(t, got[0].LeaderID, alice.UserID)

	clk.Advance(time.Second)
	assert.Equal(t, len(ch.Sent(wire.EventFollowScroll)), 1)

	c.BroadcastViewport(Viewport{Top: 200, Height: wire.Float64Ptr(800)})
	clk.Advance(100 * time.Millisecond)
	got = scrolls(t, ch)
	assert.Equal(t, len(got), 2)
	assert.Equal(t, *got[1].ViewportHeight, float64(800))
}

func TestBroadcastScroll_FollowerLeftBeforeFlush(t *testing.T) {
	c, ch, clk := setup(t)
	ch.Emit(wire.EventFollowStarted, wire.FollowStarted{Follower: bob})
	if err := c.BroadcastDocSwitch("d1"); err != nil {
		t.Fatalf("doc switch: %v", err)
	}
	c.BroadcastScroll(10)
	ch.Emit(wire.EventFollowStopped, wire.FollowStopped{FollowerID: bob.UserID})
	clk.Advance(time.Second)
	assert.Equal(t, len(ch.Sent(wire.EventFollowScroll)), 0)
	assert.Equal(t, len(c.Followers()), 0)
}

func TestBroadcastDocSwitch(t *testing.T) {
	c, ch, _ := setup(t)

	if err := c.BroadcastDocSwitch("d1"); err != nil {
		t.Fatalf("doc switch: %v", err)
	}
	assert.Equal(t, len(ch.Sent(wire.EventPresenceUpdate)), 1)
	assert.Equal(t, len(ch.Sent(wire.EventFollowDocSwitch)), 0)

	ch.Emit(wire.EventFollowStarted, wire.FollowStarted{Follower: bob})
	if err := c.BroadcastDocSwitch("d2"); err != nil {
		t.Fatalf("doc switch: %v", err)
	}
	assert.Equal(t, len(ch.Sent(wire.EventPresenceUpdate)), 2)
	var m wire.FollowDocSwitch
	if err := json.Unmarshal(ch.Sent(wire.EventFollowDocSwitch)[0], &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, m, wire.FollowDocSwitch{LeaderID: alice.UserID, DocID: "d2"})
}

func TestJoinReplyLoadsFollowers(t *testing.T) {
	ch := chantest.New(wire.FollowTopic(alice.UserID))
	ch.SetJoinReply(wire.FollowJoinReply{
		Presence:  []wire.PresenceRecord{{UserID: bob.UserID, OnlineAt: 5}},
		Followers: []wire.UserRef{carol, bob},
	}, nil)
	c := New(ch, alice, Options{Clock: clock.NewFake(epoch)})
	defer c.Close()
	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	assert.Equal(t, c.Followers(), []wire.UserRef{bob, carol})
	assert.Equal(t, len(c.Presence()), 1)
}

func TestSendPing(t *testing.T) {
	ch := chantest.New(wire.FollowTopic(alice.UserID))
	c := New(ch, alice, Options{Clock: clock.NewFake(epoch)})
	defer c.Close()

	_, err := c.SendPing(context.Background(), wire.AllUsers(), "", "")
	if !errors.Is(err, channel.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	_, err = c.SendPing(context.Background(), wire.Users(), "", "")
	assert.Equal(t, err, ErrNoTargets)

	ch.Reply(wire.EventPingSend, func(json.RawMessage) (any, error) {
		return wire.PingResult{SentTo: []string{bob.UserID}, Offline: []string{carol.UserID}}, nil
	})
	res, err := c.SendPing(context.Background(), wire.Users(bob.UserID, carol.UserID), "d1", "look here")
	if err != nil {
		t.Fatalf("send ping: %v", err)
	}
	assert.Equal(t, res.SentTo, []string{bob.UserID})
	assert.Equal(t, res.Offline, []string{carol.UserID})

	var sent wire.PingSend
	if err := json.Unmarshal(ch.Pushes(wire.EventPingSend)[0], &sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, sent.TargetUserIDs.UserIDs, []string{bob.UserID, carol.UserID})
	assert.Equal(t, *sent.DocID, "d1")
	assert.Equal(t, *sent.Message, "look here")
}

func TestPing_DedupeWindow(t *testing.T) {
	c, ch, _ := setup(t)
	base := epoch.UnixMilli()

	ch.Emit(wire.EventPingReceived, ping(bob, base, nil))
	ch.Emit(wire.EventPingReceived, ping(bob, base+3000, nil))
	assert.Equal(t, len(c.Pings()), 1)

	ch.Emit(wire.EventPingReceived, ping(carol, base+3000, nil))
	assert.Equal(t, len(c.Pings()), 2)

	ch.Emit(wire.EventPingReceived, ping(bob, base+6000, nil))
	pings := c.Pings()
	assert.Equal(t, len(pings), 3)
	assert.Equal(t, pings[2].Timestamp, base+6000)
}

func TestPing_AutoExpires(t *testing.T) {
	c, ch, clk := setup(t)
	var seen []int
	c.OnPings(func(ns []Notification) { seen = append(seen, len(ns)) })

	ch.Emit(wire.EventPingReceived, ping(bob, epoch.UnixMilli(), nil))
	clk.Advance(15*time.Second - time.Millisecond)
	assert.Equal(t, len(c.Pings()), 1)

	clk.Advance(time.Millisecond)
	assert.Equal(t, len(c.Pings()), 0)
	assert.Equal(t, seen, []int{1, 0})
	assert.Equal(t, clk.Pending(), 0)
}

func TestPing_Dismiss(t *testing.T) {
	c, ch, clk := setup(t)
	ch.Emit(wire.EventPingReceived, ping(bob, epoch.UnixMilli(), nil))

	id := c.Pings()[0].ID
	assert.Equal(t, c.DismissPing(id), true)
	assert.Equal(t, c.DismissPing(id), false)
	assert.Equal(t, clk.Pending(), 0)
}

func TestPing_Accept(t *testing.T) {
	c, ch, clk := setup(t)
	if err := c.BroadcastDocSwitch("d1"); err != nil {
		t.Fatalf("doc switch: %v", err)
	}
	var navigated []string
	c.OnNavigate(func(id string) { navigated = append(navigated, id) })

	ch.Emit(wire.EventPingReceived, ping(bob, epoch.UnixMilli(), wire.StringPtr("d3")))
	followBobReply := func(json.RawMessage) (any, error) {
		return wire.FollowStartReply{Leader: wire.LeaderSnapshot{DocID: wire.StringPtr("d3")}}, nil
	}
	ch.Reply(wire.EventFollowStart, followBobReply)

	if err := c.AcceptPing(context.Background(), c.Pings()[0].ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	assert.Equal(t, c.State().FollowingUser(bob.UserID), true)
	assert.Equal(t, navigated, []string{"d3"})
	assert.Equal(t, len(c.Pings()), 0)
	assert.Equal(t, clk.Pending(), 0)

	assert.Equal(t, c.AcceptPing(context.Background(), "missing"), ErrUnknownPing)
}

func TestPing_AcceptNavigatesEvenIfLeaderGone(t *testing.T) {
	c, ch, _ := setup(t)
	ch.Reply(wire.EventFollowStart, func(json.RawMessage) (any, error) {
		return nil, &channel.ReplyError{Reason: wire.ReasonLeaderNotFound}
	})
	ch.Emit(wire.EventPingReceived, ping(bob, epoch.UnixMilli(), wire.StringPtr("d7")))

	err := c.AcceptPing(context.Background(), c.Pings()[0].ID)
	if !errors.Is(err, ErrLeaderNotFound) {
		t.Fatalf("expected ErrLeaderNotFound, got %v", err)
	}
	assert.Equal(t, c.State().Phase, Idle)
	assert.Equal(t, c.CurrentDoc(), "d7")
	assert.Equal(t, len(c.Pings()), 0)
}

func TestClose_ReleasesEverything(t *testing.T) {
	ch := chantest.New(wire.FollowTopic(alice.UserID))
	clk := clock.NewFake(epoch)
	c := New(ch, alice, Options{Clock: clk})
	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	ch.Emit(wire.EventFollowStarted, wire.FollowStarted{Follower: bob})
	if err := c.BroadcastDocSwitch("d1"); err != nil {
		t.Fatalf("doc switch: %v", err)
	}
	c.BroadcastScroll(10)
	ch.Emit(wire.EventPingReceived, ping(bob, epoch.UnixMilli(), nil))
	assert.Equal(t, clk.Pending(), 2)

	c.Close()
	c.Close()
	assert.Equal(t, clk.Pending(), 0)
	assert.Equal(t, ch.Leaves(), 1)
	assert.Equal(t, ch.Count(wire.EventPingReceived), 0)
	assert.Equal(t, ch.Count(wire.EventFollowScroll), 0)
	assert.Equal(t, len(c.Pings()), 0)
}
