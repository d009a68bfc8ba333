package entity

import "time"

// DocumentSnapshot 是一个文档最新的完整 automerge 状态
type DocumentSnapshot struct {
	DocID     string `gorm:"primaryKey;type:varchar(64)"`
	State     []byte `gorm:"type:longblob"`
	Version   uint64 `gorm:"default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SnapshotHistory 按版本留存的历史快照，(doc_id, version) 唯一
type SnapshotHistory struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	DocID     string `gorm:"type:varchar(64);uniqueIndex:idx_doc_version"`
	Version   uint64 `gorm:"uniqueIndex:idx_doc_version"`
	State     []byte `gorm:"type:longblob"`
	CreatedAt time.Time
}
