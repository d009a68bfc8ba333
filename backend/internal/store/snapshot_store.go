package store

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabEngine/backend/internal/entity"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) AutoMigrate() error {
	return s.db.AutoMigrate(&entity.DocumentSnapshot{}, &entity.SnapshotHistory{})
}

// Load 没有快照时返回 nil, 0, nil
func (s *SnapshotStore) Load(ctx context.Context, docID string) ([]byte, uint64, error) {
	var snap entity.DocumentSnapshot
	err := s.db.WithContext(ctx).Where("doc_id = ?", docID).First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return snap.State, snap.Version, nil
}

// Save 覆盖最新快照并追加一条历史。同一版本重复写入（比如多个节点同时落盘）视为成功
func (s *SnapshotStore) Save(ctx context.Context, docID string, version uint64, state []byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap := entity.DocumentSnapshot{DocID: docID, State: state, Version: version}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "version", "updated_at"}),
		}).Create(&snap).Error
		if err != nil {
			return err
		}

		hist := entity.SnapshotHistory{DocID: docID, Version: version, State: state}
		if err := tx.Create(&hist).Error; err != nil && !isDuplicate(err) {
			return err
		}
		return nil
	})
}

// History 按版本倒序返回最近 limit 条历史（不含内容）
func (s *SnapshotStore) History(ctx context.Context, docID string, limit int) ([]entity.SnapshotHistory, error) {
	var rows []entity.SnapshotHistory
	err := s.db.WithContext(ctx).
		Select("id", "doc_id", "version", "created_at").
		Where("doc_id = ?", docID).
		Order("version desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
