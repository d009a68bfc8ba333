package collab

import "time"

const (
	EventDocUpdate    = "DOC_UPDATE"
	EventFollowStart  = "FOLLOW_START"
	EventFollowStop   = "FOLLOW_STOP"
	EventLeaderLeft   = "LEADER_OFFLINE"
	EventPingSent     = "PING_SENT"
	EventSnapshotSave = "SNAPSHOT_SAVED"
)

// CollabEvent 是写进 kafka 的协作事件，只做审计和下游统计，不参与同步
type CollabEvent struct {
	EventType string    `json:"eventType"`
	DocID     string    `json:"docId,omitempty"`
	UserID    string    `json:"userId"`
	TargetIDs []string  `json:"targetIds,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
	Version   uint64    `json:"version,omitempty"`
	At        time.Time `json:"at"`
}

// Key 决定 kafka 分区：文档事件按文档，其它按用户
func (e CollabEvent) Key() string {
	if e.DocID != "" {
		return e.DocID
	}
	return e.UserID
}
