package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"collabEngine/backend/internal/wire"
)

// Memory 是单节点用的进程内实现，没有配置 redis 时使用
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	expireAt  map[string]time.Time
	records   map[string]wire.PresenceRecord
	leaders   map[string]string
	followers map[string]map[string]struct{}
	viewports map[string]wire.LeaderSnapshot
}

var (
	_ PresenceCache = (*Memory)(nil)
	_ FollowCache   = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		expireAt:  make(map[string]time.Time),
		records:   make(map[string]wire.PresenceRecord),
		leaders:   make(map[string]string),
		followers: make(map[string]map[string]struct{}),
		viewports: make(map[string]wire.LeaderSnapshot),
	}
}

func (m *Memory) Touch(_ context.Context, rec wire.PresenceRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireAt[rec.UserID] = m.now().Add(ttl)
	m.records[rec.UserID] = rec
	return nil
}

func (m *Memory) Remove(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expireAt, userID)
	delete(m.records, userID)
	return nil
}

func (m *Memory) Get(_ context.Context, userID string) (*wire.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	rec, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) Alive(_ context.Context) ([]wire.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	if len(m.records) == 0 {
		return nil, nil
	}
	out := make([]wire.PresenceRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) cleanupLocked() {
	now := m.now()
	for id, at := range m.expireAt {
		if !at.After(now) {
			delete(m.expireAt, id)
			delete(m.records, id)
		}
	}
}

func (m *Memory) Follow(_ context.Context, followerID, leaderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.leaders[followerID]
	if prev != "" {
		delete(m.followers[prev], followerID)
	}
	m.leaders[followerID] = leaderID
	if m.followers[leaderID] == nil {
		m.followers[leaderID] = make(map[string]struct{})
	}
	m.followers[leaderID][followerID] = struct{}{}
	if prev == leaderID {
		return "", nil
	}
	return prev, nil
}

func (m *Memory) Unfollow(_ context.Context, followerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	leader, ok := m.leaders[followerID]
	if !ok {
		return "", nil
	}
	delete(m.leaders, followerID)
	delete(m.followers[leader], followerID)
	return leader, nil
}

func (m *Memory) Followers(_ context.Context, leaderID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.followers[leaderID]), nil
}

func (m *Memory) DropLeader(_ context.Context, leaderID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := sortedKeys(m.followers[leaderID])
	for _, f := range ids {
		if m.leaders[f] == leaderID {
			delete(m.leaders, f)
		}
	}
	delete(m.followers, leaderID)
	delete(m.viewports, leaderID)
	return ids, nil
}

func (m *Memory) SetViewport(_ context.Context, leaderID string, v wire.LeaderSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.viewports[leaderID]
	if v.DocID != nil {
		cur.DocID = wire.StringPtr(*v.DocID)
	}
	if v.ScrollTop != nil {
		cur.ScrollTop = wire.Float64Ptr(*v.ScrollTop)
	}
	m.viewports[leaderID] = cur
	return nil
}

func (m *Memory) Viewport(_ context.Context, leaderID string) (wire.LeaderSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewports[leaderID], nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
