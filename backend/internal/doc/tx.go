package doc

import (
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// Tx 是一次事务的工作区：修改先落在 work 里，fn 成功返回后才整体写入 automerge 并提交。
// fn 失败则什么都不会发生，半截事务对外不可见。
type Tx struct {
	s    *Store
	work map[string]*Unit // nil 表示本事务里已删除
	muts []mutation
}

func (tx *Tx) Root() string { return tx.s.root }

func (tx *Tx) Get(id string) (Unit, bool) {
	if u, ok := tx.work[id]; ok {
		if u == nil {
			return Unit{}, false
		}
		return u.clone(), true
	}
	return tx.s.get(id)
}

// edit 取出可写副本
func (tx *Tx) edit(id string) (*Unit, error) {
	if u, ok := tx.work[id]; ok {
		if u == nil {
			return nil, fmt.Errorf("unit %s: %w", id, ErrUnknownUnit)
		}
		return u, nil
	}
	u, ok := tx.s.get(id)
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", id, ErrUnknownUnit)
	}
	tx.work[id] = &u
	return &u, nil
}

// Insert 在 parent 的 index 位置插入 u；index<0 或越界表示追加到末尾。
// u.ID 为空时分配新的 ULID。归属只能在这里写入。
func (tx *Tx) Insert(parent string, index int, u Unit) (string, error) {
	if !u.Kind.Valid() || u.Kind == KindRoot {
		return "", fmt.Errorf("insert kind %q: %w", u.Kind, ErrInvalidKind)
	}
	p, err := tx.edit(parent)
	if err != nil {
		return "", err
	}
	if !p.Kind.IsContainer() {
		return "", fmt.Errorf("parent %s is %s: %w", parent, p.Kind, ErrNotContainer)
	}
	if u.ID == "" {
		u.ID = ulid.Make().String()
	}
	if cur, exists := tx.Get(u.ID); exists {
		return "", fmt.Errorf("unit %s (%s): %w", u.ID, cur.Kind, ErrDuplicateUnit)
	}
	if index < 0 || index > len(p.Children) {
		index = len(p.Children)
	}
	u = u.clone()
	u.Parent = parent
	u.Children = nil
	p.Children = slices.Insert(p.Children, index, u.ID)
	tx.work[u.ID] = &u
	tx.muts = append(tx.muts, mutInsert{parent: parent, index: index, unit: u.clone()})
	return u.ID, nil
}

// Remove 删除 id 及其整棵子树
func (tx *Tx) Remove(id string) error {
	if id == tx.s.root {
		return ErrRemoveRoot
	}
	u, ok := tx.Get(id)
	if !ok {
		return fmt.Errorf("unit %s: %w", id, ErrUnknownUnit)
	}
	p, err := tx.edit(u.Parent)
	if err != nil {
		return err
	}
	index := slices.Index(p.Children, id)
	if index < 0 {
		return fmt.Errorf("unit %s not under %s: %w", id, u.Parent, ErrUnknownUnit)
	}
	subtree := append([]Unit{u}, Descendants(tx, id)...)
	p.Children = slices.Delete(p.Children, index, index+1)
	for _, d := range subtree {
		tx.work[d.ID] = nil
	}
	tx.muts = append(tx.muts, mutRemove{id: id, parent: u.Parent, index: index, subtree: subtree})
	return nil
}

// SetText 把整段文本改成 text，只把和原文不同的中间部分作为一次 splice 写入
func (tx *Tx) SetText(id, text string) error {
	u, ok := tx.Get(id)
	if !ok {
		return fmt.Errorf("unit %s: %w", id, ErrUnknownUnit)
	}
	from, to := []rune(u.Text), []rune(text)
	pre := 0
	for pre < len(from) && pre < len(to) && from[pre] == to[pre] {
		pre++
	}
	suf := 0
	for suf < len(from)-pre && suf < len(to)-pre && from[len(from)-1-suf] == to[len(to)-1-suf] {
		suf++
	}
	return tx.SpliceText(id, pre, len(from)-pre-suf, string(to[pre:len(to)-suf]))
}

// SpliceText 从 rune 偏移 pos 删掉 del 个字符再插入 ins。
// automerge 里也是一次 splice，两端并发输入同一段文本时会合并，不会互相覆盖。
func (tx *Tx) SpliceText(id string, pos, del int, ins string) error {
	u, ok := tx.Get(id)
	if !ok {
		return fmt.Errorf("unit %s: %w", id, ErrUnknownUnit)
	}
	if u.Kind != KindText {
		return fmt.Errorf("edit text on %s: %w", u.Kind, ErrInvalidKind)
	}
	r := []rune(u.Text)
	if pos < 0 || del < 0 || pos+del > len(r) {
		return fmt.Errorf("splice [%d,%d) of %d: %w", pos, pos+del, len(r), ErrOutOfRange)
	}
	removed := string(r[pos : pos+del])
	if removed == ins {
		return nil
	}
	w, err := tx.edit(id)
	if err != nil {
		return err
	}
	tx.muts = append(tx.muts, mutSpliceText{id: id, pos: pos, del: removed, ins: ins})
	w.Text = string(r[:pos]) + ins + string(r[pos+del:])
	return nil
}

// InsertText 在 rune 偏移 offset 处插入 s
func (tx *Tx) InsertText(id string, offset int, s string) error {
	return tx.SpliceText(id, offset, 0, s)
}

// DeleteText 从 rune 偏移 offset 开始删除 n 个字符
func (tx *Tx) DeleteText(id string, offset, n int) error {
	return tx.SpliceText(id, offset, n, "")
}

func (tx *Tx) SetDraft(id string, draft bool) error {
	u, err := tx.edit(id)
	if err != nil {
		return err
	}
	if u.IsDraft == draft {
		return nil
	}
	tx.muts = append(tx.muts, mutSetDraft{id: id, from: u.IsDraft, to: draft})
	u.IsDraft = draft
	return nil
}

func (tx *Tx) SetCommittedAt(id string, at time.Time) error {
	u, err := tx.edit(id)
	if err != nil {
		return err
	}
	// automerge 里按毫秒存，这里先截断，保证本地和远端读到的值一致
	at = at.Truncate(time.Millisecond).UTC()
	if u.CommittedAt.Equal(at) {
		return nil
	}
	tx.muts = append(tx.muts, mutSetCommitted{id: id, from: u.CommittedAt, to: at})
	u.CommittedAt = at
	return nil
}

func (tx *Tx) SetMarker(id, marker string) error {
	u, err := tx.edit(id)
	if err != nil {
		return err
	}
	if u.Kind != KindList {
		return fmt.Errorf("set marker on %s: %w", u.Kind, ErrInvalidKind)
	}
	if u.Marker == marker {
		return nil
	}
	tx.muts = append(tx.muts, mutSetMarker{id: id, from: u.Marker, to: marker})
	u.Marker = marker
	return nil
}

// Empty 本事务是否还没有任何修改
func (tx *Tx) Empty() bool { return len(tx.muts) == 0 }
