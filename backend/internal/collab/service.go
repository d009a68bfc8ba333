package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collabEngine/backend/internal/wire"
)

var ErrEmptyUpdate = errors.New("EMPTY_UPDATE")

const enqueueTimeout = 50 * time.Millisecond

// SnapshotRepo 持久化文档快照，store.SnapshotStore 实现了它
type SnapshotRepo interface {
	Load(ctx context.Context, docID string) ([]byte, uint64, error)
	Save(ctx context.Context, docID string, version uint64, state []byte) error
}

// DocumentService 管理本节点上的文档副本：首次加入时从快照加载，
// 之后合并客户端增量，定期把有修改的副本写回快照。
type DocumentService struct {
	repo   SnapshotRepo
	events EventSink
	sem    *SemaphoreControl

	// 同一文档并发加入时只加载一次快照
	sf singleflight.Group

	mu   sync.RWMutex
	docs map[string]*Replica
}

// NewDocumentService 的 repo 和 events 都可以为 nil
func NewDocumentService(repo SnapshotRepo, events EventSink, sem *SemaphoreControl) *DocumentService {
	if sem == nil {
		sem = NewSemaphoreControl(DefaultMaxSemaphore)
	}
	return &DocumentService{repo: repo, events: events, sem: sem, docs: make(map[string]*Replica)}
}

func (s *DocumentService) Open(ctx context.Context, docID string) (*Replica, error) {
	s.mu.RLock()
	r, ok := s.docs[docID]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}

	v, err, _ := s.sf.Do(docID, func() (interface{}, error) {
		s.mu.RLock()
		r, ok := s.docs[docID]
		s.mu.RUnlock()
		if ok {
			return r, nil
		}
		var state []byte
		var version uint64
		if s.repo != nil {
			var err error
			state, version, err = s.repo.Load(ctx, docID)
			if err != nil {
				return nil, fmt.Errorf("load snapshot %s: %w", docID, err)
			}
		}
		r, err := newReplica(state, version)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.docs[docID] = r
		s.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Replica), nil
}

// Join 返回加入 documents:{docId} 时的回复。副本为空时只告诉客户端 Empty，由 bootstrap 的客户端初始化
func (s *DocumentService) Join(ctx context.Context, docID string) (wire.DocJoinReply, error) {
	r, err := s.Open(ctx, docID)
	if err != nil {
		return wire.DocJoinReply{}, err
	}
	state, empty := r.State()
	if empty {
		return wire.DocJoinReply{Empty: true}, nil
	}
	return wire.DocJoinReply{State: state}, nil
}

// ApplyUpdate 合并一个客户端增量并记录事件
func (s *DocumentService) ApplyUpdate(ctx context.Context, docID, userID string, update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	if err := s.sem.Acquire(ctx); err != nil {
		return err
	}
	defer s.sem.Release()

	r, err := s.Open(ctx, docID)
	if err != nil {
		return err
	}
	if err := r.Apply(update); err != nil {
		return err
	}
	s.emit(ctx, CollabEvent{EventType: EventDocUpdate, DocID: docID, UserID: userID, Bytes: len(update), Version: r.Version(), At: time.Now()})
	return nil
}

// Snapshot 返回文档当前的完整状态；文档不在内存时从快照加载
func (s *DocumentService) Snapshot(ctx context.Context, docID string) ([]byte, uint64, error) {
	r, err := s.Open(ctx, docID)
	if err != nil {
		return nil, 0, err
	}
	state, empty := r.State()
	if empty {
		return nil, r.Version(), nil
	}
	return state, r.Version(), nil
}

// Record 记录与文档无关的协作事件（跟随、ping）
func (s *DocumentService) Record(ctx context.Context, evt CollabEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	s.emit(ctx, evt)
}

func (s *DocumentService) emit(ctx context.Context, evt CollabEvent) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := s.events.Enqueue(ctx, evt); err != nil {
		log.Printf("enqueue collab event error (type=%s key=%s): %v", evt.EventType, evt.Key(), err)
	}
}

// Flush 把有修改的副本写回快照，返回写入的文档数
func (s *DocumentService) Flush(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.docs))
	reps := make([]*Replica, 0, len(s.docs))
	for id, r := range s.docs {
		ids = append(ids, id)
		reps = append(reps, r)
	}
	s.mu.RUnlock()

	var n int
	var errs []error
	for i, r := range reps {
		state, version, ok := r.pending()
		if !ok {
			continue
		}
		if err := s.repo.Save(ctx, ids[i], version, state); err != nil {
			errs = append(errs, fmt.Errorf("save snapshot %s: %w", ids[i], err))
			continue
		}
		r.markSaved(version)
		n++
		s.emit(ctx, CollabEvent{EventType: EventSnapshotSave, DocID: ids[i], Version: version, Bytes: len(state), At: time.Now()})
	}
	return n, errors.Join(errs...)
}

// Run 每隔 interval 落盘一次，ctx 结束时再做最后一次
func (s *DocumentService) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.Flush(flushCtx); err != nil {
				log.Printf("final snapshot flush error: %v", err)
			}
			cancel()
			return
		case <-t.C:
			if n, err := s.Flush(ctx); err != nil {
				log.Printf("snapshot flush error: %v", err)
			} else if n > 0 {
				log.Printf("snapshot flushed docs=%d", n)
			}
		}
	}
}
