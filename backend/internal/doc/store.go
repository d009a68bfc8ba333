package doc

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/automerge/automerge-go"
)

// Origin 标记一次事务的来源。撤销栈只收本地来源，远端来的修改永远不进撤销栈。
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginUndo   Origin = "undo"
	OriginRedo   Origin = "redo"
)

const RootID = "root"

var (
	ErrNotInitialized = errors.New("DOCUMENT_NOT_INITIALIZED")
	ErrUnknownUnit    = errors.New("UNKNOWN_UNIT")
	ErrDuplicateUnit  = errors.New("DUPLICATE_UNIT")
	ErrInvalidKind    = errors.New("INVALID_KIND")
	ErrNotContainer   = errors.New("NOT_CONTAINER")
	ErrOutOfRange     = errors.New("OUT_OF_RANGE")
	ErrRemoveRoot     = errors.New("REMOVE_ROOT")
)

// Update 是一次已提交事务的通知
type Update struct {
	// Data 是 automerge 增量字节，可以直接发给其它副本
	Data    []byte
	Origin  Origin
	Changed []string

	muts []mutation
}

// Store 把 automerge 文档包装成内容单元树。
// 读走内存里的 units；写只能通过 Transact；远端增量通过 ApplyRemote 一步载入。
type Store struct {
	// txMu 串行化所有写入和通知，保证监听者按提交顺序收到 Update
	txMu sync.Mutex

	mu    sync.RWMutex
	am    *automerge.Doc
	units map[string]*Unit
	root  string

	subMu   sync.Mutex
	subs    map[int]func(Update)
	nextSub int
}

func New() *Store {
	return &Store{am: automerge.New(), units: make(map[string]*Unit), root: RootID, subs: make(map[int]func(Update))}
}

// Load 从完整快照恢复
func Load(raw []byte) (*Store, error) {
	am, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	units, err := readArena(am)
	if err != nil {
		return nil, err
	}
	return &Store{am: am, units: units, root: RootID, subs: make(map[int]func(Update))}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Get(id string) (Unit, bool) { return s.get(id) }

func (s *Store) get(id string) (Unit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[id]
	if !ok {
		return Unit{}, false
	}
	return u.clone(), true
}

// Initialized 是否已经有根节点。新文档只由 bootstrap 的一方初始化一次，
// 其它副本从它那里同步结构，避免两边各建一棵树互相覆盖。
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.units[s.root]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.units)
}

func (s *Store) ActorID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.am.ActorID()
}

// Save 返回完整快照
func (s *Store) Save() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.am.Save()
}

// Init 创建根节点，作为一次本地事务提交
func (s *Store) Init() error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.Initialized() {
		return nil
	}
	root := Unit{ID: s.root, Kind: KindRoot}

	s.mu.Lock()
	if err := writeUnit(s.am, root); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, err := s.am.Commit("init"); err != nil {
		s.mu.Unlock()
		return err
	}
	data := s.am.SaveIncremental()
	s.units[s.root] = &root
	s.mu.Unlock()

	s.notify(Update{Data: data, Origin: OriginLocal, Changed: []string{s.root}})
	return nil
}

// Transact 在一个原子事务里执行 fn。fn 返回错误或没有任何修改时不会产生事务。
func (s *Store) Transact(origin Origin, fn func(tx *Tx) error) error {
	_, err := s.TransactIf(origin, nil, fn)
	return err
}

// TransactIf 和 Transact 一样，但先在同一把写锁里用 check 检查当前树；
// check 返回 false 时 fn 不会执行。返回值表示是否真的提交了修改。
// 检查和写入之间不会插进其它事务或远端增量。
func (s *Store) TransactIf(origin Origin, check func(v View) bool, fn func(tx *Tx) error) (bool, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if !s.Initialized() {
		return false, ErrNotInitialized
	}
	tx := &Tx{s: s, work: make(map[string]*Unit)}
	if check != nil && !check(tx) {
		return false, nil
	}
	if err := fn(tx); err != nil {
		return false, err
	}
	if tx.Empty() {
		return false, nil
	}

	s.mu.Lock()
	for _, m := range tx.muts {
		if err := m.write(s.am); err != nil {
			// automerge 里可能已经写了一半，以 automerge 为准重建内存视图
			if units, rerr := readArena(s.am); rerr == nil {
				s.units = units
			}
			s.mu.Unlock()
			return false, fmt.Errorf("write transaction: %w", err)
		}
	}
	if _, err := s.am.Commit(string(origin)); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	data := s.am.SaveIncremental()
	changed := make([]string, 0, len(tx.work))
	for id, u := range tx.work {
		if u == nil {
			delete(s.units, id)
		} else {
			s.units[id] = u
		}
		changed = append(changed, id)
	}
	s.mu.Unlock()

	s.notify(Update{Data: data, Origin: origin, Changed: changed, muts: tx.muts})
	return true, nil
}

// ApplyRemote 载入其它副本的增量（或完整快照），整体作为一个事务通知出去
func (s *Store) ApplyRemote(data []byte, origin Origin) error {
	if len(data) == 0 {
		return nil
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	if err := s.am.LoadIncremental(data); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("load remote update: %w", err)
	}
	// 推进增量游标，之后 SaveIncremental 只包含本地的新修改
	_ = s.am.SaveIncremental()
	units, err := readArena(s.am)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var changed []string
	for id, u := range units {
		if old, ok := s.units[id]; !ok || !unitEqual(*old, *u) {
			changed = append(changed, id)
		}
	}
	for id := range s.units {
		if _, ok := units[id]; !ok {
			changed = append(changed, id)
		}
	}
	s.units = units
	s.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	s.notify(Update{Data: data, Origin: origin, Changed: changed})
	return nil
}

// Subscribe 注册事务监听，返回取消函数（可重复调用）。
// 监听者在写锁之外被调用，但不要在回调里同步调用 Transact。
func (s *Store) Subscribe(fn func(Update)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(u Update) {
	s.subMu.Lock()
	fns := make([]func(Update), 0, len(s.subs))
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	// 按注册顺序回调
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("document listener panic: %v", r)
				}
			}()
			fn(u)
		}()
	}
}
