package wire

import (
	"bytes"
	"encoding/json"
	"errors"
)

// follow:{userId} 上的载荷

type UserRef struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// Targets 是 ping 的目标："all" 或者 userId 列表
type Targets struct {
	All     bool
	UserIDs []string
}

func AllUsers() Targets           { return Targets{All: true} }
func Users(ids ...string) Targets { return Targets{UserIDs: ids} }
func (t Targets) IsEmpty() bool   { return !t.All && len(t.UserIDs) == 0 }

var errBadTargets = errors.New(`target_user_ids must be "all" or a list of ids`)

func (t Targets) MarshalJSON() ([]byte, error) {
	if t.All {
		return []byte(`"all"`), nil
	}
	if t.UserIDs == nil {
		return []byte(`[]`), nil
	}
	return json.Marshal(t.UserIDs)
}

func (t *Targets) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s != "all" {
			return errBadTargets
		}
		*t = Targets{All: true}
		return nil
	}
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return errBadTargets
	}
	*t = Targets{UserIDs: ids}
	return nil
}

type PingSend struct {
	TargetUserIDs Targets `json:"target_user_ids"`
	DocID         *string `json:"doc_id"`
	Message       *string `json:"message"`
}

type PingResult struct {
	SentTo  []string `json:"sent_to"`
	Offline []string `json:"offline"`
}

type PingReceived struct {
	From      UserRef `json:"from"`
	DocID     *string `json:"doc_id"`
	Message   *string `json:"message"`
	Timestamp int64   `json:"timestamp"` // unix 毫秒
}

type FollowStart struct {
	LeaderID string `json:"leader_id"`
}

type LeaderSnapshot struct {
	DocID     *string  `json:"doc_id"`
	ScrollTop *float64 `json:"scroll_top"`
}

type FollowStartReply struct {
	Leader LeaderSnapshot `json:"leader"`
}

type FollowStarted struct {
	Follower UserRef `json:"follower"`
}

type FollowStopped struct {
	FollowerID string `json:"follower_id"`
}

type FollowScroll struct {
	LeaderID       string   `json:"leader_id"`
	DocID          string   `json:"doc_id"`
	ScrollTop      float64  `json:"scroll_top"`
	ScrollLeft     *float64 `json:"scroll_left,omitempty"`
	ViewportHeight *float64 `json:"viewport_height,omitempty"`
}

type FollowDocSwitch struct {
	LeaderID string `json:"leader_id"`
	DocID    string `json:"doc_id"`
}

type LeaderOffline struct {
	LeaderID string `json:"leader_id"`
}

// FollowJoinReply 是加入自己的 follow 频道时的回复：当前在线用户、自己的 follower 列表
type FollowJoinReply struct {
	Presence  []PresenceRecord `json:"presence"`
	Followers []UserRef        `json:"followers"`
}
