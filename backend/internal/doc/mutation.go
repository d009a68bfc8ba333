package doc

import (
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
)

// mutation 是事务里的一步修改。
// - write：提交时按顺序回放到 automerge
// - inverse：撤销时需要的逆操作（按顺序执行）
// - replay：通过 Tx 的公开方法重新执行，撤销/重做走这条路
type mutation interface {
	write(am *automerge.Doc) error
	inverse() []mutation
	replay(tx *Tx) error
}

type mutInsert struct {
	parent string
	index  int
	unit   Unit // 不含 Children
}

type mutRemove struct {
	id      string
	parent  string
	index   int
	// 被删子树的先序快照，撤销时按原 id 和归属原样恢复
	subtree []Unit
}

// mutSpliceText 记录被删掉的原文，撤销时反向 splice 回去
type mutSpliceText struct {
	id  string
	pos int
	del string
	ins string
}

type mutSetDraft struct {
	id       string
	from, to bool
}

type mutSetCommitted struct {
	id       string
	from, to time.Time
}

type mutSetMarker struct {
	id       string
	from, to string
}

func (m mutInsert) write(am *automerge.Doc) error {
	if err := writeUnit(am, m.unit); err != nil {
		return fmt.Errorf("insert %s: %w", m.unit.ID, err)
	}
	l, err := childrenList(am, m.parent)
	if err != nil {
		return err
	}
	return l.Insert(m.index, m.unit.ID)
}

func (m mutInsert) inverse() []mutation {
	return []mutation{mutRemove{id: m.unit.ID, parent: m.parent, index: m.index}}
}

func (m mutInsert) replay(tx *Tx) error {
	_, err := tx.Insert(m.parent, m.index, m.unit)
	return err
}

func (m mutRemove) write(am *automerge.Doc) error {
	l, err := childrenList(am, m.parent)
	if err != nil {
		return err
	}
	if err := l.Delete(m.index); err != nil {
		return fmt.Errorf("remove %s from %s: %w", m.id, m.parent, err)
	}
	um, err := unitsMap(am)
	if err != nil {
		return err
	}
	if um == nil {
		return ErrNotInitialized
	}
	for _, u := range m.subtree {
		if err := um.Delete(u.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m mutRemove) inverse() []mutation {
	out := make([]mutation, 0, len(m.subtree))
	for i, u := range m.subtree {
		bare := u.clone()
		bare.Children = nil
		if i == 0 {
			out = append(out, mutInsert{parent: m.parent, index: m.index, unit: bare})
			continue
		}
		// 子节点按先序依次追加到各自父节点末尾，恢复原有顺序
		out = append(out, mutInsert{parent: u.Parent, index: -1, unit: bare})
	}
	return out
}

func (m mutRemove) replay(tx *Tx) error { return tx.Remove(m.id) }

func (m mutSpliceText) write(am *automerge.Doc) error {
	return am.Path(keyUnits, m.id, "text").Text().Splice(m.pos, utf8.RuneCountInString(m.del), m.ins)
}
func (m mutSpliceText) inverse() []mutation {
	return []mutation{mutSpliceText{id: m.id, pos: m.pos, del: m.ins, ins: m.del}}
}

// replay 按 del 重新定位：远端在前面增删过文字时原偏移会错开，找不到 del 时返回 ErrOutOfRange，由撤销跳过
func (m mutSpliceText) replay(tx *Tx) error {
	u, ok := tx.Get(m.id)
	if !ok {
		return fmt.Errorf("unit %s: %w", m.id, ErrUnknownUnit)
	}
	del := []rune(m.del)
	pos := locate([]rune(u.Text), del, m.pos)
	if pos < 0 {
		return fmt.Errorf("splice %s at %d: %q gone: %w", m.id, m.pos, m.del, ErrOutOfRange)
	}
	return tx.SpliceText(m.id, pos, len(del), m.ins)
}

// locate 返回离 hint 最近的 del 出现位置，没有则 -1
func locate(text, del []rune, hint int) int {
	if len(del) == 0 {
		return min(hint, len(text))
	}
	best := -1
	for i := 0; i+len(del) <= len(text); i++ {
		if !slices.Equal(text[i:i+len(del)], del) {
			continue
		}
		if best < 0 || distance(i, hint) < distance(best, hint) {
			best = i
		}
	}
	return best
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

func (m mutSetDraft) write(am *automerge.Doc) error {
	return am.Path(keyUnits, m.id, "draft").Set(m.to)
}
func (m mutSetDraft) inverse() []mutation {
	return []mutation{mutSetDraft{id: m.id, from: m.to, to: m.from}}
}
func (m mutSetDraft) replay(tx *Tx) error { return tx.SetDraft(m.id, m.to) }

func (m mutSetCommitted) write(am *automerge.Doc) error {
	var ms int64
	if !m.to.IsZero() {
		ms = m.to.UnixMilli()
	}
	return am.Path(keyUnits, m.id, "committed_at").Set(ms)
}
func (m mutSetCommitted) inverse() []mutation {
	return []mutation{mutSetCommitted{id: m.id, from: m.to, to: m.from}}
}
func (m mutSetCommitted) replay(tx *Tx) error { return tx.SetCommittedAt(m.id, m.to) }

func (m mutSetMarker) write(am *automerge.Doc) error {
	return am.Path(keyUnits, m.id, "marker").Set(m.to)
}
func (m mutSetMarker) inverse() []mutation {
	return []mutation{mutSetMarker{id: m.id, from: m.to, to: m.from}}
}
func (m mutSetMarker) replay(tx *Tx) error { return tx.SetMarker(m.id, m.to) }

// invert 把一组按顺序执行的修改翻转成撤销序列
func invert(ms []mutation) []mutation {
	var out []mutation
	for i := len(ms) - 1; i >= 0; i-- {
		out = append(out, ms[i].inverse()...)
	}
	return out
}
