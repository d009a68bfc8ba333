package attribution

import (
	"testing"
	"time"

	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/doc"

	"github.com/go-playground/assert/v2"
)

var (
	alice = doc.User{ID: "u-alice", Username: "alice", Color: "#e11d48"}
	bob   = doc.User{ID: "u-bob", Username: "bob", Color: "#2563eb"}
)

func owned(u doc.User, draft bool) doc.Attribution {
	return doc.Attribution{Owner: &u, IsDraft: draft}
}

func newStore(t *testing.T) *doc.Store {
	t.Helper()
	s := doc.New()
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func build(t *testing.T, s *doc.Store, fn func(tx *doc.Tx) error) {
	t.Helper()
	if err := s.Transact(doc.OriginLocal, fn); err != nil {
		t.Fatalf("build: %v", err)
	}
}

// para 根下插入一个段落和一段文本，返回 (段落 id, 文本 id)
func para(t *testing.T, s *doc.Store, owner doc.User, text string, draft bool) (string, string) {
	t.Helper()
	var pid, tid string
	build(t, s, func(tx *doc.Tx) error {
		var err error
		if pid, err = tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(owner, draft)}); err != nil {
			return err
		}
		tid, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: text, Attribution: owned(owner, draft)})
		return err
	})
	return pid, tid
}

func countUpdates(s *doc.Store) *int {
	n := new(int)
	s.Subscribe(func(doc.Update) { *n++ })
	return n
}

func TestGate_BackspaceInForeignParagraphIsNoop(t *testing.T) {
	s := newStore(t)
	_, tid := para(t, s, alice, "hello", true)
	updates := countUpdates(s)

	e := NewEditor(s)
	res, err := e.Backspace(NewSession(bob, "d1"), Caret(tid, 3))
	if err != nil {
		t.Fatalf("backspace: %v", err)
	}
	assert.Equal(t, res.Applied, false)
	assert.Equal(t, *updates, 0)
	u, _ := s.Get(tid)
	assert.Equal(t, u.Text, "hello")
}

func TestGate_OwnerCanEdit(t *testing.T) {
	s := newStore(t)
	_, tid := para(t, s, alice, "hello", true)
	e := NewEditor(s)
	sess := NewSession(alice, "d1")

	res, err := e.Backspace(sess, Caret(tid, 5))
	if err != nil {
		t.Fatalf("backspace: %v", err)
	}
	assert.Equal(t, res.Applied, true)
	assert.Equal(t, res.Selection, Caret(tid, 4))

	if _, err := e.InsertText(sess, Caret(tid, 4), "!"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	u, _ := s.Get(tid)
	assert.Equal(t, u.Text, "hell!")
}

func TestGate_ForeignAncestorBlocks(t *testing.T) {
	s := newStore(t)
	var tid string
	build(t, s, func(tx *doc.Tx) error {
		qid, err := tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindQuote, Attribution: owned(alice, false)})
		if err != nil {
			return err
		}
		pid, err := tx.Insert(qid, -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(bob, true)})
		if err != nil {
			return err
		}
		tid, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "mine", Attribution: owned(bob, true)})
		return err
	})
	updates := countUpdates(s)

	res, err := NewEditor(s).InsertText(NewSession(bob, "d1"), Caret(tid, 4), "?")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	assert.Equal(t, res.Applied, false)
	assert.Equal(t, *updates, 0)
}

func TestGate_LineBreakAfterForeignRun(t *testing.T) {
	s := newStore(t)
	var br string
	build(t, s, func(tx *doc.Tx) error {
		pid, err := tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(bob, true)})
		if err != nil {
			return err
		}
		if _, err := tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "alice wrote", Attribution: owned(alice, false)}); err != nil {
			return err
		}
		br, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindLineBreak, Attribution: owned(bob, true)})
		return err
	})

	g := DefaultGate()
	req := Request{Command: CommandBackspace, Selection: Caret(br, 1), Session: NewSession(bob, "d1")}
	assert.Equal(t, g.Allow(s, req), false)
}

func TestGate_RecursiveChildren(t *testing.T) {
	s := newStore(t)
	var pid string
	build(t, s, func(tx *doc.Tx) error {
		var err error
		pid, err = tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph})
		if err != nil {
			return err
		}
		_, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "x", Attribution: owned(alice, true)})
		return err
	})

	g := DefaultGate()
	req := Request{Command: CommandDelete, Selection: Caret(pid, 0), Session: NewSession(bob, "d1")}
	assert.Equal(t, g.Allow(s, req), false)

	req.Session = NewSession(alice, "d1")
	assert.Equal(t, g.Allow(s, req), true)
}

func TestGate_CustomChainInOrder(t *testing.T) {
	var calls []string
	rec := func(name string, veto bool) Veto {
		return VetoFunc(name, func(doc.View, Request) bool {
			calls = append(calls, name)
			return veto
		})
	}
	g := NewGate().
		Register(CommandPaste, rec("first", false)).
		Register(CommandPaste, rec("second", true)).
		Register(CommandPaste, rec("third", false))

	assert.Equal(t, g.Handlers(CommandPaste), []string{"first", "second", "third"})
	assert.Equal(t, g.Allow(newStore(t), Request{Command: CommandPaste}), false)
	assert.Equal(t, calls, []string{"first", "second"})
	assert.Equal(t, g.Allow(newStore(t), Request{Command: CommandEnter}), true)
}

func TestEditor_InsertStampsSession(t *testing.T) {
	s := newStore(t)
	pid, tid := para(t, s, alice, "draft", true)
	sess := NewSession(alice, "d1")
	sess.DefaultDraft = false

	res, err := NewEditor(s).InsertText(sess, Caret(tid, 5), " live")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	p, _ := s.Get(pid)
	assert.Equal(t, len(p.Children), 2)
	run, _ := s.Get(p.Children[1])
	assert.Equal(t, run.Text, " live")
	assert.Equal(t, run.IsDraft, false)
	assert.Equal(t, run.Owner.ID, alice.ID)
	assert.Equal(t, res.Selection, Caret(run.ID, 5))

	orig, _ := s.Get(tid)
	assert.Equal(t, orig.Text, "draft")
}

func TestEditor_SplitInMiddle(t *testing.T) {
	s := newStore(t)
	pid, tid := para(t, s, alice, "abcd", false)
	build(t, s, func(tx *doc.Tx) error { return tx.SetCommittedAt(tid, time.UnixMilli(1000)) })

	if _, err := NewEditor(s).InsertText(NewSession(alice, "d1"), Caret(tid, 2), "XY"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	p, _ := s.Get(pid)
	var texts []string
	for _, c := range p.Children {
		u, _ := s.Get(c)
		texts = append(texts, u.Text)
	}
	assert.Equal(t, texts, []string{"ab", "XY", "cd"})
	mid, _ := s.Get(p.Children[1])
	assert.Equal(t, mid.IsDraft, true)
	tail, _ := s.Get(p.Children[2])
	assert.Equal(t, tail.Committed(), true)
}

func TestEditor_EnterInForeignParagraphRedirects(t *testing.T) {
	s := newStore(t)
	para(t, s, bob, "bob's", false)
	_, tid := para(t, s, alice, "alice's", false)
	para(t, s, alice, "tail", false)

	res, err := NewEditor(s).Enter(NewSession(bob, "d1"), Caret(tid, 2))
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	root, _ := s.Get(s.Root())
	assert.Equal(t, len(root.Children), 4)
	last := root.Children[3]
	assert.Equal(t, res.Selection, Caret(last, 0))
	u, _ := s.Get(last)
	assert.Equal(t, u.Owner.ID, bob.ID)
	assert.Equal(t, u.IsDraft, true)
}

func TestEditor_EnterInOwnParagraph(t *testing.T) {
	s := newStore(t)
	_, tid := para(t, s, alice, "one", false)
	para(t, s, alice, "two", false)

	res, err := NewEditor(s).Enter(NewSession(alice, "d1"), Caret(tid, 3))
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	root, _ := s.Get(s.Root())
	assert.Equal(t, len(root.Children), 3)
	assert.Equal(t, res.Selection, Caret(root.Children[1], 0))
}

func TestEditor_ListAndMarker(t *testing.T) {
	s := newStore(t)
	_, tid := para(t, s, alice, "intro", false)
	e := NewEditor(s)
	sess := NewSession(alice, "d1")

	res, err := e.InsertList(sess, Caret(tid, 5), doc.MarkerDash)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	item, _ := s.Get(res.Selection.Anchor.Unit)
	assert.Equal(t, item.Kind, doc.KindListItem)
	list, _ := s.Get(item.Parent)
	assert.Equal(t, list.Marker, doc.MarkerDash)

	res, err = e.Enter(sess, res.Selection)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	list, _ = s.Get(list.ID)
	assert.Equal(t, len(list.Children), 2)

	ok, err := e.SetListMarker(NewSession(bob, "d1"), list.ID, doc.MarkerStar)
	assert.Equal(t, ok, false)
	assert.Equal(t, err, nil)
	ok, _ = e.SetListMarker(sess, list.ID, doc.MarkerStar)
	assert.Equal(t, ok, true)
	list, _ = s.Get(list.ID)
	assert.Equal(t, list.Marker, doc.MarkerStar)
}

func TestCommit_StampsIdenticalTime(t *testing.T) {
	s := newStore(t)
	var pid, published, fresh string
	build(t, s, func(tx *doc.Tx) error {
		var err error
		if pid, err = tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(alice, true)}); err != nil {
			return err
		}
		if published, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "old ", Attribution: owned(alice, false)}); err != nil {
			return err
		}
		fresh, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "new", Attribution: owned(alice, true)})
		return err
	})

	fc := clock.NewFake(time.UnixMilli(1_700_000_000_123))
	e := NewEditor(s, WithClock(fc))
	changed, err := e.Commit(NewSession(alice, "d1"), Caret(fresh, 1))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	assert.Equal(t, changed, true)

	a, _ := s.Get(published)
	b, _ := s.Get(fresh)
	p, _ := s.Get(pid)
	assert.Equal(t, a.IsDraft, false)
	assert.Equal(t, b.IsDraft, false)
	assert.Equal(t, a.CommittedAt.Equal(b.CommittedAt), true)
	assert.Equal(t, b.CommittedAt.UnixMilli(), int64(1_700_000_000_123))
	assert.Equal(t, p.IsDraft, false)
	assert.Equal(t, p.CommittedAt.Equal(b.CommittedAt), true)
}

func TestCommit_Idempotent(t *testing.T) {
	s := newStore(t)
	_, tid := para(t, s, alice, "text", true)
	fc := clock.NewFake(time.UnixMilli(5000))
	e := NewEditor(s, WithClock(fc))
	sess := NewSession(alice, "d1")

	if _, err := e.Commit(sess, Caret(tid, 0)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	first, _ := s.Get(tid)

	updates := countUpdates(s)
	fc.Advance(time.Minute)
	changed, err := e.Commit(sess, Caret(tid, 0))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	assert.Equal(t, changed, false)
	assert.Equal(t, *updates, 0)
	again, _ := s.Get(tid)
	assert.Equal(t, again.CommittedAt.Equal(first.CommittedAt), true)
}

func TestCommit_ForeignContainerRejected(t *testing.T) {
	s := newStore(t)
	var mine string
	build(t, s, func(tx *doc.Tx) error {
		pid, err := tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(alice, true)})
		if err != nil {
			return err
		}
		mine, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "bob", Attribution: owned(bob, true)})
		return err
	})

	changed, err := Commit(s, NewSession(bob, "d1"), Caret(mine, 0), time.Now())
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, false)
	u, _ := s.Get(mine)
	assert.Equal(t, u.IsDraft, true)
}

func TestCommit_ListItemPublishesListOnly(t *testing.T) {
	s := newStore(t)
	var list, item, text, nestedText string
	build(t, s, func(tx *doc.Tx) error {
		var err error
		if list, err = tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindList, Marker: doc.MarkerBullet, Attribution: owned(alice, true)}); err != nil {
			return err
		}
		if item, err = tx.Insert(list, -1, doc.Unit{Kind: doc.KindListItem, Attribution: owned(alice, true)}); err != nil {
			return err
		}
		if text, err = tx.Insert(item, -1, doc.Unit{Kind: doc.KindText, Text: "point", Attribution: owned(alice, true)}); err != nil {
			return err
		}
		sub, err := tx.Insert(item, -1, doc.Unit{Kind: doc.KindList, Marker: doc.MarkerBullet, Attribution: owned(alice, true)})
		if err != nil {
			return err
		}
		subItem, err := tx.Insert(sub, -1, doc.Unit{Kind: doc.KindListItem, Attribution: owned(alice, true)})
		if err != nil {
			return err
		}
		nestedText, err = tx.Insert(subItem, -1, doc.Unit{Kind: doc.KindText, Text: "nested", Attribution: owned(alice, true)})
		return err
	})

	if _, err := Commit(s, NewSession(alice, "d1"), Caret(text, 2), time.UnixMilli(42)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, id := range []string{list, item, text} {
		u, _ := s.Get(id)
		assert.Equal(t, u.IsDraft, false)
	}
	n, _ := s.Get(nestedText)
	assert.Equal(t, n.IsDraft, true)
}

func TestToggleDraft_OnlyOwnUnits(t *testing.T) {
	s := newStore(t)
	var a, b string
	build(t, s, func(tx *doc.Tx) error {
		pid, err := tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(alice, true)})
		if err != nil {
			return err
		}
		if a, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "a", Attribution: owned(alice, false)}); err != nil {
			return err
		}
		b, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "b", Attribution: owned(bob, false)})
		return err
	})

	changed, err := ToggleDraft(s, NewSession(alice, "d1"), Selection{Anchor: Point{Unit: a}, Focus: Point{Unit: b, Offset: 1}})
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	assert.Equal(t, changed, true)
	ua, _ := s.Get(a)
	ub, _ := s.Get(b)
	assert.Equal(t, ua.IsDraft, true)
	assert.Equal(t, ub.IsDraft, false)
}

func TestVisibility(t *testing.T) {
	s := newStore(t)
	pa, ta := para(t, s, alice, "alice draft", true)
	para(t, s, bob, "bob draft", true)
	_, tc := para(t, s, alice, "alice live", false)

	sess := NewSession(bob, "d1")
	ua, _ := s.Get(ta)
	uc, _ := s.Get(tc)
	assert.Equal(t, Blurred(ua, sess, false), true)
	assert.Equal(t, Blurred(ua, sess, true), false)
	assert.Equal(t, Blurred(uc, sess, false), false)

	assert.Equal(t, len(CollapsedParagraphs(s, sess, false)), 0)
	sess.CollapseDraftParagraphs = true
	assert.Equal(t, CollapsedParagraphs(s, sess, false), []string{pa})
	assert.Equal(t, len(CollapsedParagraphs(s, sess, true)), 0)
}

// blocks 根下插入两个段落：第一个属于 first，第二个属于 second，各带一段文本
func blocks(t *testing.T, s *doc.Store, first, second doc.User) (p1, t1, p2, t2 string) {
	t.Helper()
	p1, t1 = para(t, s, first, "one", false)
	p2, t2 = para(t, s, second, "two", false)
	return
}

func TestEditor_DeleteForwardContainerCaretStaysInBlock(t *testing.T) {
	s := newStore(t)
	p1, t1, p2, t2 := blocks(t, s, alice, bob)
	updates := countUpdates(s)
	e := NewEditor(s)
	sess := NewSession(alice, "d1")

	// 段落末尾：什么都不删，下一个块原样保留
	res, err := e.DeleteForward(sess, Caret(p1, 1))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	assert.Equal(t, res.Applied, false)
	assert.Equal(t, *updates, 0)
	_, exists := s.Get(p2)
	assert.Equal(t, exists, true)

	// 文本末尾同理
	res, err = e.DeleteForward(sess, Caret(t1, 3))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	assert.Equal(t, res.Applied, false)
	assert.Equal(t, *updates, 0)
	u, _ := s.Get(t2)
	assert.Equal(t, u.Text, "two")

	// 段落开头：删第一个子节点的第一个字
	res, err = e.DeleteForward(sess, Caret(p1, 0))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	assert.Equal(t, res.Applied, true)
	u, _ = s.Get(t1)
	assert.Equal(t, u.Text, "ne")
}

func TestEditor_DeleteForwardRootCaretBeforeForeignBlock(t *testing.T) {
	s := newStore(t)
	_, t1, p2, t2 := blocks(t, s, alice, bob)
	updates := countUpdates(s)
	e := NewEditor(s)
	sess := NewSession(alice, "d1")

	res, err := e.DeleteForward(sess, Caret(s.Root(), 1))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	assert.Equal(t, res.Applied, false)
	assert.Equal(t, *updates, 0)
	_, exists := s.Get(p2)
	assert.Equal(t, exists, true)
	u, _ := s.Get(t2)
	assert.Equal(t, u.Text, "two")

	// 自己的块可以
	if _, err := e.DeleteForward(sess, Caret(s.Root(), 0)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	u, _ = s.Get(t1)
	assert.Equal(t, u.Text, "ne")
}

func TestEditor_BackspaceContainerCaret(t *testing.T) {
	s := newStore(t)
	var pid, mine, theirs string
	build(t, s, func(tx *doc.Tx) error {
		var err error
		if pid, err = tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(alice, true)}); err != nil {
			return err
		}
		if mine, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "ab", Attribution: owned(alice, true)}); err != nil {
			return err
		}
		theirs, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "cd", Attribution: owned(bob, true)})
		return err
	})
	e := NewEditor(s)
	sess := NewSession(alice, "d1")

	res, err := e.Backspace(sess, Caret(pid, 1))
	if err != nil {
		t.Fatalf("backspace: %v", err)
	}
	assert.Equal(t, res.Applied, true)
	assert.Equal(t, res.Selection, Caret(mine, 1))
	u, _ := s.Get(mine)
	assert.Equal(t, u.Text, "a")

	updates := countUpdates(s)
	res, err = e.Backspace(sess, Caret(pid, 2))
	if err != nil {
		t.Fatalf("backspace: %v", err)
	}
	assert.Equal(t, res.Applied, false)
	assert.Equal(t, *updates, 0)
	u, _ = s.Get(theirs)
	assert.Equal(t, u.Text, "cd")
}

func TestEditor_BackspaceAfterOwnImageKeepsForeignText(t *testing.T) {
	s := newStore(t)
	var pid, theirs, img string
	build(t, s, func(tx *doc.Tx) error {
		var err error
		if pid, err = tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(alice, true)}); err != nil {
			return err
		}
		if theirs, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "bob", Attribution: owned(bob, false)}); err != nil {
			return err
		}
		img, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindImage, Src: "https://img/a.png", Attribution: owned(alice, true)})
		return err
	})

	res, err := NewEditor(s).Backspace(NewSession(alice, "d1"), Caret(img, 1))
	if err != nil {
		t.Fatalf("backspace: %v", err)
	}
	assert.Equal(t, res.Applied, true)
	assert.Equal(t, res.Selection, Caret(theirs, 3))
	_, exists := s.Get(img)
	assert.Equal(t, exists, false)
	u, _ := s.Get(theirs)
	assert.Equal(t, u.Text, "bob")
	p, _ := s.Get(pid)
	assert.Equal(t, p.Children, []string{theirs})
}

func TestEditor_BackspaceAfterForeignImageIsNoop(t *testing.T) {
	s := newStore(t)
	var mine, img string
	build(t, s, func(tx *doc.Tx) error {
		pid, err := tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(alice, true)})
		if err != nil {
			return err
		}
		if mine, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "mine", Attribution: owned(alice, true)}); err != nil {
			return err
		}
		img, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindImage, Src: "https://img/b.png", Attribution: owned(bob, true)})
		return err
	})
	updates := countUpdates(s)

	res, err := NewEditor(s).Backspace(NewSession(alice, "d1"), Caret(img, 1))
	if err != nil {
		t.Fatalf("backspace: %v", err)
	}
	assert.Equal(t, res.Applied, false)
	assert.Equal(t, *updates, 0)
	_, exists := s.Get(img)
	assert.Equal(t, exists, true)
	u, _ := s.Get(mine)
	assert.Equal(t, u.Text, "mine")
}

func TestEditor_BackspaceAfterLineBreak(t *testing.T) {
	s := newStore(t)
	var pid, first, br, second string
	build(t, s, func(tx *doc.Tx) error {
		var err error
		if pid, err = tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(alice, true)}); err != nil {
			return err
		}
		if first, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "ab", Attribution: owned(alice, true)}); err != nil {
			return err
		}
		if br, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindLineBreak, Attribution: owned(alice, true)}); err != nil {
			return err
		}
		second, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "cd", Attribution: owned(alice, true)})
		return err
	})

	res, err := NewEditor(s).Backspace(NewSession(alice, "d1"), Caret(br, 1))
	if err != nil {
		t.Fatalf("backspace: %v", err)
	}
	assert.Equal(t, res.Selection, Caret(first, 2))
	p, _ := s.Get(pid)
	assert.Equal(t, p.Children, []string{first, second})
	u, _ := s.Get(first)
	assert.Equal(t, u.Text, "ab")
}

func TestEditor_DeleteForwardBeforeImage(t *testing.T) {
	s := newStore(t)
	var pid, mine, img string
	build(t, s, func(tx *doc.Tx) error {
		var err error
		if pid, err = tx.Insert(tx.Root(), -1, doc.Unit{Kind: doc.KindParagraph, Attribution: owned(alice, true)}); err != nil {
			return err
		}
		if mine, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindText, Text: "x", Attribution: owned(alice, true)}); err != nil {
			return err
		}
		img, err = tx.Insert(pid, -1, doc.Unit{Kind: doc.KindImage, Src: "https://img/c.png", Attribution: owned(alice, true)})
		return err
	})

	res, err := NewEditor(s).DeleteForward(NewSession(alice, "d1"), Caret(img, 0))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	assert.Equal(t, res.Applied, true)
	assert.Equal(t, res.Selection, Caret(mine, 1))
	p, _ := s.Get(pid)
	assert.Equal(t, p.Children, []string{mine})
}

func TestGate_ChecksInsideTransaction(t *testing.T) {
	s := newStore(t)
	_, tid := para(t, s, alice, "hello", true)
	var inTx bool
	g := NewGate().Register(CommandInsertText, VetoFunc("record", func(v doc.View, req Request) bool {
		_, inTx = v.(*doc.Tx)
		return false
	}))

	res, err := NewEditor(s, WithGate(g)).InsertText(NewSession(alice, "d1"), Caret(tid, 5), "!")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	assert.Equal(t, res.Applied, true)
	assert.Equal(t, inTx, true)
}
