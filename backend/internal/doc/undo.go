package doc

import (
	"errors"
	"sync"
	"time"

	"collabEngine/backend/internal/clock"
)

// UndoManager 只记录 TrackedOrigins 里的事务（默认只有本地编辑），
// 远端来的修改不会进栈，用户撤销不到别人的内容。
type UndoManager struct {
	s       *Store
	clock   clock.Clock
	capture time.Duration
	tracked map[Origin]bool

	mu        sync.Mutex
	undo      []stackItem
	redo      []stackItem
	lastAt    time.Time
	noMerge   bool
	unsub     func()
	closeOnce sync.Once
}

type stackItem struct {
	muts []mutation
}

type UndoOptions struct {
	// CaptureTimeout 内连续的本地事务合并成一个撤销步骤
	CaptureTimeout time.Duration
	TrackedOrigins []Origin
	Clock          clock.Clock
}

const DefaultCaptureTimeout = 500 * time.Millisecond

func NewUndoManager(s *Store, opts UndoOptions) *UndoManager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = DefaultCaptureTimeout
	}
	if len(opts.TrackedOrigins) == 0 {
		opts.TrackedOrigins = []Origin{OriginLocal}
	}
	m := &UndoManager{s: s, clock: opts.Clock, capture: opts.CaptureTimeout, tracked: make(map[Origin]bool)}
	for _, o := range opts.TrackedOrigins {
		m.tracked[o] = true
	}
	m.unsub = s.Subscribe(m.onUpdate)
	return m
}

func (m *UndoManager) onUpdate(u Update) {
	if len(u.muts) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case u.Origin == OriginUndo:
		m.redo = append(m.redo, stackItem{muts: u.muts})
	case u.Origin == OriginRedo:
		m.undo = append(m.undo, stackItem{muts: u.muts})
		m.noMerge = true
	case m.tracked[u.Origin]:
		now := m.clock.Now()
		if n := len(m.undo); n > 0 && !m.noMerge && now.Sub(m.lastAt) < m.capture {
			m.undo[n-1].muts = append(m.undo[n-1].muts, u.muts...)
		} else {
			m.undo = append(m.undo, stackItem{muts: u.muts})
		}
		m.lastAt = now
		m.noMerge = false
		m.redo = nil
	}
}

// StopCapturing 让下一次本地事务开启新的撤销步骤
func (m *UndoManager) StopCapturing() {
	m.mu.Lock()
	m.noMerge = true
	m.mu.Unlock()
}

func (m *UndoManager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

func (m *UndoManager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Undo 撤销最近一步，返回是否真的执行了
func (m *UndoManager) Undo() (bool, error) {
	return m.pop(&m.undo, OriginUndo)
}

func (m *UndoManager) Redo() (bool, error) {
	return m.pop(&m.redo, OriginRedo)
}

func (m *UndoManager) pop(stack *[]stackItem, origin Origin) (bool, error) {
	m.mu.Lock()
	n := len(*stack)
	if n == 0 {
		m.mu.Unlock()
		return false, nil
	}
	item := (*stack)[n-1]
	*stack = (*stack)[:n-1]
	m.mu.Unlock()

	err := m.s.Transact(origin, func(tx *Tx) error {
		for _, inv := range invert(item.muts) {
			// 期间远端可能已经删掉了相关单元或改动了那段文字，跳过即可
			if err := inv.replay(tx); err != nil && !errors.Is(err, ErrUnknownUnit) && !errors.Is(err, ErrOutOfRange) {
				return err
			}
		}
		return nil
	})
	return err == nil, err
}

func (m *UndoManager) Close() {
	m.closeOnce.Do(func() {
		m.unsub()
		m.mu.Lock()
		m.undo, m.redo = nil, nil
		m.mu.Unlock()
	})
}
