package attribution

import (
	"fmt"
	"strings"

	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/doc"
)

// Result 是一次命令之后的光标位置；Applied=false 表示被拦下或无事可做
type Result struct {
	Selection Selection
	Applied   bool
}

// Handler 是挂在命令上的行为，按注册顺序执行，第一个接手的（handled=true）结束这次命令
type Handler interface {
	Name() string
	Handle(e *Editor, req Request) (res Result, handled bool, err error)
}

// Editor 把权限检查、默认编辑行为和命令处理链组装在一起。
// 检查在事务里、任何修改之前完成，不会对着改了一半的树做判断。
type Editor struct {
	store    *doc.Store
	gate     *Gate
	clock    clock.Clock
	handlers map[Command][]Handler
}

type Option func(*Editor)

func WithGate(g *Gate) Option        { return func(e *Editor) { e.gate = g } }
func WithClock(c clock.Clock) Option { return func(e *Editor) { e.clock = c } }

func WithHandler(cmd Command, h Handler) Option {
	return func(e *Editor) { e.handlers[cmd] = append(e.handlers[cmd], h) }
}

func NewEditor(store *doc.Store, opts ...Option) *Editor {
	e := &Editor{store: store, gate: DefaultGate(), clock: clock.Real(), handlers: make(map[Command][]Handler)}
	e.handlers[CommandEnter] = []Handler{EmptyParagraphRedirect()}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Editor) Store() *doc.Store { return e.store }
func (e *Editor) Gate() *Gate       { return e.gate }

func (e *Editor) run(req Request, action func(tx *doc.Tx) (Selection, error)) (Result, error) {
	for _, h := range e.handlers[req.Command] {
		res, handled, err := h.Handle(e, req)
		if err != nil || handled {
			return res, err
		}
	}
	var next Selection
	// 检查和写入在同一把事务锁里，中间插不进远端增量
	applied, err := e.store.TransactIf(doc.OriginLocal, func(v doc.View) bool {
		return e.gate.Allow(v, req)
	}, func(tx *doc.Tx) error {
		s, err := action(tx)
		next = s
		return err
	})
	if err != nil || !applied {
		return Result{Selection: req.Selection}, err
	}
	return Result{Selection: next, Applied: true}, nil
}

// InsertText 在光标处输入；草稿状态和会话默认值不一致时拆出一段新的文本
func (e *Editor) InsertText(sess Session, sel Selection, text string) (Result, error) {
	return e.insertText(Request{Command: CommandInsertText, Selection: sel, Session: sess}, text)
}

// Paste 先删掉选中的内容再插入
func (e *Editor) Paste(sess Session, sel Selection, text string) (Result, error) {
	return e.insertText(Request{Command: CommandPaste, Selection: sel, Session: sess}, text)
}

func (e *Editor) insertText(req Request, text string) (Result, error) {
	sess := req.Session
	return e.run(req, func(tx *doc.Tx) (Selection, error) {
		sel := req.Selection
		if !sel.Collapsed() {
			var err error
			if sel, err = deleteRange(tx, sel); err != nil {
				return sel, err
			}
		}
		if text == "" {
			return sel, nil
		}
		a := sel.Anchor
		u, ok := tx.Get(a.Unit)
		if !ok {
			return sel, fmt.Errorf("anchor %s: %w", a.Unit, doc.ErrUnknownUnit)
		}
		n := len([]rune(text))

		switch {
		case u.Kind == doc.KindText:
			if u.Owner == nil || (u.OwnedBy(sess.User) && u.IsDraft == sess.DefaultDraft && !u.Committed()) {
				return Caret(u.ID, a.Offset+n), tx.InsertText(u.ID, a.Offset, text)
			}
			id, err := splitInsert(tx, sess, u, a.Offset, text)
			return Caret(id, n), err

		default:
			// 容器里、图片和换行之后：另起一段文本
			parent, index, err := leafSlot(tx, sess, a)
			if err != nil {
				return sel, err
			}
			run := sess.newUnit(doc.KindText)
			run.Text = text
			id, err := tx.Insert(parent, index, run)
			return Caret(id, n), err
		}
	})
}

// splitInsert 把 u 在 offset 处拆开，中间插入当前用户的一段新文本，返回新文本的 id
func splitInsert(tx *doc.Tx, sess Session, u doc.Unit, offset int, text string) (string, error) {
	r := []rune(u.Text)
	if offset < 0 || offset > len(r) {
		return "", fmt.Errorf("offset %d of %d: %w", offset, len(r), doc.ErrOutOfRange)
	}
	idx := doc.IndexOf(tx, u.ID)
	run := sess.newUnit(doc.KindText)
	run.Text = text
	if offset == 0 {
		return tx.Insert(u.Parent, idx, run)
	}
	id, err := tx.Insert(u.Parent, idx+1, run)
	if err != nil {
		return "", err
	}
	if offset == len(r) {
		return id, nil
	}
	if err := tx.SetText(u.ID, string(r[:offset])); err != nil {
		return "", err
	}
	rest := doc.Unit{Kind: doc.KindText, Text: string(r[offset:]), Attribution: u.Attribution}
	_, err = tx.Insert(u.Parent, idx+2, rest)
	return id, err
}

func (e *Editor) Backspace(sess Session, sel Selection) (Result, error) {
	req := Request{Command: CommandBackspace, Selection: sel, Session: sess}
	return e.run(req, func(tx *doc.Tx) (Selection, error) {
		if !sel.Collapsed() {
			return deleteRange(tx, sel)
		}
		a := sel.Anchor
		if _, ok := tx.Get(a.Unit); !ok {
			return sel, fmt.Errorf("anchor %s: %w", a.Unit, doc.ErrUnknownUnit)
		}
		t, ok := backwardTarget(tx, a)
		if !ok {
			return sel, nil
		}
		switch {
		case t.ID == a.Unit && t.Kind == doc.KindText:
			off := min(a.Offset, t.Len())
			return Caret(t.ID, off-1), tx.DeleteText(t.ID, off-1, 1)
		case t.Kind == doc.KindText && t.Len() > 0:
			return Caret(t.ID, t.Len()-1), tx.DeleteText(t.ID, t.Len()-1, 1)
		default:
			// 图片、换行、空文本和空容器整体删除
			return removeUnit(tx, t)
		}
	})
}

func (e *Editor) DeleteForward(sess Session, sel Selection) (Result, error) {
	req := Request{Command: CommandDelete, Selection: sel, Session: sess}
	return e.run(req, func(tx *doc.Tx) (Selection, error) {
		if !sel.Collapsed() {
			return deleteRange(tx, sel)
		}
		a := sel.Anchor
		if _, ok := tx.Get(a.Unit); !ok {
			return sel, fmt.Errorf("anchor %s: %w", a.Unit, doc.ErrUnknownUnit)
		}
		t, ok := forwardTarget(tx, a)
		if !ok {
			return sel, nil
		}
		switch {
		case t.ID == a.Unit && t.Kind == doc.KindText:
			return sel, tx.DeleteText(t.ID, a.Offset, 1)
		case t.Kind == doc.KindText && t.Len() > 0:
			return sel, tx.DeleteText(t.ID, 0, 1)
		case t.ID == a.Unit:
			// 光标在图片或换行前面
			return removeUnit(tx, t)
		default:
			return sel, tx.Remove(t.ID)
		}
	})
}

// backwardTarget 折叠光标按退格时要动的单元，权限检查和删除共用。
// 文本里是光标前那个字所在的文本；图片和换行之后是它自己；
// 容器里是第 Offset-1 个子节点的最后一个叶子；单元开头是前一个兄弟的最后一个叶子；
// 容器开头且容器是空的，是这个容器。
func backwardTarget(v doc.View, a Point) (doc.Unit, bool) {
	u, ok := v.Get(a.Unit)
	if !ok || a.Offset < 0 {
		return doc.Unit{}, false
	}
	if u.Kind.IsContainer() {
		if a.Offset > 0 && a.Offset <= len(u.Children) {
			c, ok := v.Get(u.Children[a.Offset-1])
			if !ok {
				return doc.Unit{}, false
			}
			return edgeLeaf(v, c, -1), true
		}
		if u.Kind.IsStructural() && blank(v, u.ID) {
			return u, true
		}
		return doc.Unit{}, false
	}
	if min(a.Offset, u.Len()) > 0 {
		return u, true
	}
	if prev, ok := doc.PrevSibling(v, u.ID); ok {
		return edgeLeaf(v, prev, -1), true
	}
	if parent, ok := v.Get(u.Parent); ok && parent.Kind.IsStructural() && blank(v, parent.ID) {
		return parent, true
	}
	return doc.Unit{}, false
}

// forwardTarget 折叠光标按向前删除时要动的单元。
// 容器里只看第 Offset 个子节点，到了容器末尾什么都不删，不会去动下一个块。
func forwardTarget(v doc.View, a Point) (doc.Unit, bool) {
	u, ok := v.Get(a.Unit)
	if !ok || a.Offset < 0 {
		return doc.Unit{}, false
	}
	if u.Kind.IsContainer() {
		if a.Offset >= len(u.Children) {
			return doc.Unit{}, false
		}
		c, ok := v.Get(u.Children[a.Offset])
		if !ok {
			return doc.Unit{}, false
		}
		return edgeLeaf(v, c, 1), true
	}
	if a.Offset < u.Len() {
		return u, true
	}
	next, ok := doc.NextSibling(v, u.ID)
	if !ok {
		return doc.Unit{}, false
	}
	return edgeLeaf(v, next, 1), true
}

// edgeLeaf 从 u 往下取第一个(dir>0)或最后一个(dir<0)叶子，空容器就是它自己
func edgeLeaf(v doc.View, u doc.Unit, dir int) doc.Unit {
	for len(u.Children) > 0 {
		i := 0
		if dir < 0 {
			i = len(u.Children) - 1
		}
		c, ok := v.Get(u.Children[i])
		if !ok {
			break
		}
		u = c
	}
	return u
}

// removeUnit 删掉 u 整棵子树，光标落到前一个兄弟的末尾
func removeUnit(tx *doc.Tx, u doc.Unit) (Selection, error) {
	prev, hasPrev := doc.PrevSibling(tx, u.ID)
	if err := tx.Remove(u.ID); err != nil {
		return Selection{}, err
	}
	if !hasPrev {
		return Caret(u.Parent, 0), nil
	}
	return endOf(tx, prev), nil
}

// endOf 光标放到 u 内最后一个叶子的末尾
func endOf(v doc.View, u doc.Unit) Selection {
	u = edgeLeaf(v, u, -1)
	if u.Kind.IsContainer() {
		return Caret(u.ID, len(u.Children))
	}
	return Caret(u.ID, u.Len())
}

// blank 容器内没有任何非空白文本，也没有图片
func blank(v doc.View, id string) bool {
	return strings.TrimSpace(textContent(v, id)) == "" && !hasKind(v, id, doc.KindImage)
}

func textContent(v doc.View, id string) string {
	var b strings.Builder
	if u, ok := v.Get(id); ok && u.Kind == doc.KindText {
		b.WriteString(u.Text)
	}
	for _, d := range doc.Descendants(v, id) {
		if d.Kind == doc.KindText {
			b.WriteString(d.Text)
		}
	}
	return b.String()
}

func hasKind(v doc.View, id string, k doc.Kind) bool {
	for _, d := range doc.Descendants(v, id) {
		if d.Kind == k {
			return true
		}
	}
	return false
}

// deleteRange 删除选中范围：两端文本截断，中间的单元整体删除（包含结束点的祖先除外）
func deleteRange(tx *doc.Tx, sel Selection) (Selection, error) {
	start, end := sel.ordered(tx)
	if start.Unit == end.Unit {
		u, ok := tx.Get(start.Unit)
		if !ok {
			return sel, fmt.Errorf("anchor %s: %w", start.Unit, doc.ErrUnknownUnit)
		}
		if u.Kind == doc.KindText {
			return Caret(u.ID, start.Offset), tx.DeleteText(u.ID, start.Offset, end.Offset-start.Offset)
		}
		if u.Kind.IsContainer() {
			for i := end.Offset - 1; i >= start.Offset && i < len(u.Children); i-- {
				if err := tx.Remove(u.Children[i]); err != nil {
					return sel, err
				}
			}
		}
		return Caret(u.ID, start.Offset), nil
	}

	ids := doc.Between(tx, start.Unit, end.Unit)
	if len(ids) < 2 {
		return sel, nil
	}
	endAncestors := make(map[string]bool)
	for _, a := range doc.Ancestors(tx, end.Unit) {
		endAncestors[a.ID] = true
	}
	if su, ok := tx.Get(start.Unit); ok && su.Kind == doc.KindText {
		if err := tx.DeleteText(su.ID, start.Offset, su.Len()-start.Offset); err != nil {
			return sel, err
		}
	}
	if eu, ok := tx.Get(end.Unit); ok && eu.Kind == doc.KindText {
		if err := tx.DeleteText(eu.ID, 0, end.Offset); err != nil {
			return sel, err
		}
	}
	for _, id := range ids[1 : len(ids)-1] {
		if endAncestors[id] {
			continue
		}
		if _, ok := tx.Get(id); !ok {
			continue
		}
		if err := tx.Remove(id); err != nil {
			return sel, err
		}
	}
	return Caret(start.Unit, start.Offset), nil
}
