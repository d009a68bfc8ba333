package wire

import "encoding/json"

// documents:{docId} 上的载荷

type DocJoinParams struct {
	Bootstrap             bool `json:"bootstrap"`
	DisableLocalBroadcast bool `json:"disable_local_broadcast"`
}

type DocJoinReply struct {
	// 服务端副本的完整状态（automerge Save 格式），副本为空时省略
	State []byte `json:"state,omitempty"`
	Empty bool   `json:"empty"`
}

type DocUpdate struct {
	Update []byte `json:"update"`
}

type AwarenessUpdate struct {
	ClientID string          `json:"client_id"`
	State    json.RawMessage `json:"state"`
}

type AwarenessRemove struct {
	ClientIDs []string `json:"client_ids"`
}
