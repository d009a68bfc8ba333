package collab

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// Replica 是服务端持有的一份文档副本。服务端不解析内容单元，只合并增量和产出完整状态
type Replica struct {
	mu      sync.Mutex
	am      *automerge.Doc
	version uint64
	saved   uint64
}

func newReplica(state []byte, version uint64) (*Replica, error) {
	if len(state) == 0 {
		return &Replica{am: automerge.New(), version: version, saved: version}, nil
	}
	am, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("load replica: %w", err)
	}
	return &Replica{am: am, version: version, saved: version}, nil
}

// Apply 合并一个 automerge 增量（也可以是完整快照）
func (r *Replica) Apply(update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.am.LoadIncremental(update); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	r.version++
	return nil
}

// State 返回完整快照，以及副本是否还是空的（没有任何 change）
func (r *Replica) State() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.am.Save(), len(r.am.Heads()) == 0
}

func (r *Replica) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// pending 返回需要落盘的状态；没有新修改时 ok=false
func (r *Replica) pending() (state []byte, version uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.version == r.saved {
		return nil, 0, false
	}
	return r.am.Save(), r.version, true
}

func (r *Replica) markSaved(version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.saved {
		r.saved = version
	}
}
