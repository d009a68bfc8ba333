package awareness

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"collabEngine/backend/internal/clock"
)

const (
	// OutdatedTimeout 超过这么久没有收到更新的远端状态会被清掉
	OutdatedTimeout = 30 * time.Second
	// RenewInterval 本地状态的续期间隔，必须明显小于 OutdatedTimeout
	RenewInterval = 15 * time.Second
)

const (
	OriginLocal   = "local"
	OriginRemote  = "remote"
	OriginTimeout = "timeout"
)

type Selection struct {
	AnchorUnit   string `json:"anchor_unit"`
	AnchorOffset int    `json:"anchor_offset"`
	FocusUnit    string `json:"focus_unit"`
	FocusOffset  int    `json:"focus_offset"`
}

func (s Selection) Collapsed() bool {
	return s.AnchorUnit == s.FocusUnit && s.AnchorOffset == s.FocusOffset
}

// State 是一个客户端的临时状态，不进文档，只随频道广播
type State struct {
	ClientID  string     `json:"client_id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Color     string     `json:"color"`
	Focusing  bool       `json:"focusing"`
	Selection *Selection `json:"selection,omitempty"`

	// Following 当前正在跟随的用户 id
	Following string `json:"following,omitempty"`
}

func (s State) equal(o State) bool {
	a, _ := json.Marshal(s)
	b, _ := json.Marshal(o)
	return string(a) == string(b)
}

type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  string
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type entry struct {
	state    State
	lastSeen time.Time
}

// Awareness 保存本地和所有远端客户端的临时状态
type Awareness struct {
	clientID string
	clock    clock.Clock

	mu     sync.Mutex
	states map[string]entry

	obsMu   sync.Mutex
	obs     map[int]func(Change)
	nextObs int
}

func New(clientID string, c clock.Clock) *Awareness {
	if c == nil {
		c = clock.Real()
	}
	return &Awareness{clientID: clientID, clock: c, states: make(map[string]entry), obs: make(map[int]func(Change))}
}

func (a *Awareness) ClientID() string { return a.clientID }

// SetLocal 替换本地状态；内容没变时只刷新时间，不通知
func (a *Awareness) SetLocal(st State) {
	st.ClientID = a.clientID
	a.mu.Lock()
	prev, ok := a.states[a.clientID]
	a.states[a.clientID] = entry{state: st, lastSeen: a.clock.Now()}
	a.mu.Unlock()

	ch := Change{Origin: OriginLocal}
	switch {
	case !ok:
		ch.Added = []string{a.clientID}
	case !prev.state.equal(st):
		ch.Updated = []string{a.clientID}
	}
	a.emit(ch)
}

// UpdateLocal 在当前本地状态上做修改
func (a *Awareness) UpdateLocal(fn func(*State)) {
	st, _ := a.Local()
	fn(&st)
	a.SetLocal(st)
}

func (a *Awareness) Local() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.states[a.clientID]
	return e.state, ok
}

// ClearLocal 离开频道时调用
func (a *Awareness) ClearLocal() {
	a.mu.Lock()
	_, ok := a.states[a.clientID]
	delete(a.states, a.clientID)
	a.mu.Unlock()
	if ok {
		a.emit(Change{Removed: []string{a.clientID}, Origin: OriginLocal})
	}
}

// Renew 刷新本地状态的时间戳并返回它，调用方负责重新广播
func (a *Awareness) Renew() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.states[a.clientID]
	if !ok {
		return State{}, false
	}
	e.lastSeen = a.clock.Now()
	a.states[a.clientID] = e
	return e.state, true
}

// States 快照，包含本地
func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]State, len(a.states))
	for id, e := range a.states {
		out[id] = e.state
	}
	return out
}

// Apply 收到远端状态。指向自己的状态直接忽略。
func (a *Awareness) Apply(st State, origin string) {
	if st.ClientID == "" || st.ClientID == a.clientID {
		return
	}
	a.mu.Lock()
	prev, ok := a.states[st.ClientID]
	a.states[st.ClientID] = entry{state: st, lastSeen: a.clock.Now()}
	a.mu.Unlock()

	ch := Change{Origin: origin}
	switch {
	case !ok:
		ch.Added = []string{st.ClientID}
	case !prev.state.equal(st):
		ch.Updated = []string{st.ClientID}
	}
	a.emit(ch)
}

func (a *Awareness) Remove(ids []string, origin string) {
	var removed []string
	a.mu.Lock()
	for _, id := range ids {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			removed = append(removed, id)
		}
	}
	a.mu.Unlock()
	a.emit(Change{Removed: removed, Origin: origin})
}

// RemoveOutdated 清掉 timeout 内没有更新过的远端状态
func (a *Awareness) RemoveOutdated(timeout time.Duration) []string {
	now := a.clock.Now()
	var removed []string
	a.mu.Lock()
	for id, e := range a.states {
		if id != a.clientID && now.Sub(e.lastSeen) >= timeout {
			delete(a.states, id)
			removed = append(removed, id)
		}
	}
	a.mu.Unlock()
	sort.Strings(removed)
	a.emit(Change{Removed: removed, Origin: OriginTimeout})
	return removed
}

// Observe 注册变化监听，返回取消函数
func (a *Awareness) Observe(fn func(Change)) func() {
	a.obsMu.Lock()
	id := a.nextObs
	a.nextObs++
	a.obs[id] = fn
	a.obsMu.Unlock()
	return func() {
		a.obsMu.Lock()
		delete(a.obs, id)
		a.obsMu.Unlock()
	}
}

func (a *Awareness) emit(ch Change) {
	if ch.empty() {
		return
	}
	a.obsMu.Lock()
	ids := make([]int, 0, len(a.obs))
	for id := range a.obs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, a.obs[id])
	}
	a.obsMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}
