package awareness

import (
	"testing"
	"time"

	"collabEngine/backend/internal/clock"

	"github.com/go-playground/assert/v2"
)

func TestAwareness_LocalAndRemote(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	a := New("c1", fc)
	var changes []Change
	a.Observe(func(c Change) { changes = append(changes, c) })

	a.SetLocal(State{Name: "alice", Focusing: true})
	a.SetLocal(State{Name: "alice", Focusing: true})
	a.UpdateLocal(func(s *State) { s.Focusing = false })
	a.Apply(State{ClientID: "c2", Name: "bob"}, OriginRemote)
	a.Apply(State{ClientID: "c1", Name: "spoof"}, OriginRemote)

	assert.Equal(t, len(changes), 3)
	assert.Equal(t, changes[0].Added, []string{"c1"})
	assert.Equal(t, changes[1].Updated, []string{"c1"})
	assert.Equal(t, changes[2].Added, []string{"c2"})
	assert.Equal(t, changes[2].Origin, OriginRemote)

	local, _ := a.Local()
	assert.Equal(t, local.ClientID, "c1")
	assert.Equal(t, local.Name, "alice")
	assert.Equal(t, len(a.States()), 2)

	a.Remove([]string{"c2", "c1"}, OriginRemote)
	assert.Equal(t, len(a.States()), 1)
	a.ClearLocal()
	assert.Equal(t, len(a.States()), 0)
}

func TestAwareness_RemoveOutdated(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	a := New("c1", fc)
	a.SetLocal(State{Name: "alice"})
	a.Apply(State{ClientID: "c2"}, OriginRemote)
	fc.Advance(20 * time.Second)
	a.Apply(State{ClientID: "c3"}, OriginRemote)
	fc.Advance(10 * time.Second)

	removed := a.RemoveOutdated(OutdatedTimeout)
	assert.Equal(t, removed, []string{"c2"})
	_, ok := a.States()["c1"]
	assert.Equal(t, ok, true)
	_, ok = a.States()["c3"]
	assert.Equal(t, ok, true)

	// 续期只刷新时间
	st, ok := a.Renew()
	assert.Equal(t, ok, true)
	assert.Equal(t, st.Name, "alice")
}
