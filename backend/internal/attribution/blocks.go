package attribution

import (
	"fmt"

	"collabEngine/backend/internal/doc"
)

// Enter 在当前块之后新起一块：列表项里新起列表项，其它情况新起顶层段落
func (e *Editor) Enter(sess Session, sel Selection) (Result, error) {
	req := Request{Command: CommandEnter, Selection: sel, Session: sess}
	return e.run(req, func(tx *doc.Tx) (Selection, error) {
		anchor := sel.Anchor.Unit
		if item, ok := nearest(tx, anchor, doc.KindListItem); ok {
			li := sess.newUnit(doc.KindListItem)
			id, err := tx.Insert(item.Parent, doc.IndexOf(tx, item.ID)+1, li)
			return Caret(id, 0), err
		}
		top, ok := topBlock(tx, anchor)
		index := -1
		if ok {
			index = doc.IndexOf(tx, top.ID) + 1
		}
		id, err := tx.Insert(tx.Root(), index, sess.newUnit(doc.KindParagraph))
		return Caret(id, 0), err
	})
}

// InsertImage 在光标所在块里插入图片；光标在根上时包一层段落
func (e *Editor) InsertImage(sess Session, sel Selection, src, alt string) (Result, error) {
	req := Request{Command: CommandInsertImage, Selection: sel, Session: sess}
	return e.run(req, func(tx *doc.Tx) (Selection, error) {
		img := sess.newUnit(doc.KindImage)
		img.Src, img.Alt = src, alt
		parent, index, err := leafSlot(tx, sess, sel.Anchor)
		if err != nil {
			return sel, err
		}
		id, err := tx.Insert(parent, index, img)
		return Caret(id, 1), err
	})
}

// InsertList 在当前顶层块之后插入一个只有一个空列表项的列表
func (e *Editor) InsertList(sess Session, sel Selection, marker string) (Result, error) {
	if !validMarker(marker) {
		return Result{Selection: sel}, fmt.Errorf("marker %q: %w", marker, doc.ErrInvalidKind)
	}
	req := Request{Command: CommandInsertBlock, Selection: sel, Session: sess}
	return e.run(req, func(tx *doc.Tx) (Selection, error) {
		list := sess.newUnit(doc.KindList)
		list.Marker = marker
		lid, err := tx.Insert(tx.Root(), afterTop(tx, sel.Anchor.Unit), list)
		if err != nil {
			return sel, err
		}
		iid, err := tx.Insert(lid, -1, sess.newUnit(doc.KindListItem))
		return Caret(iid, 0), err
	})
}

// InsertQuote 在当前顶层块之后插入一个空引用
func (e *Editor) InsertQuote(sess Session, sel Selection) (Result, error) {
	req := Request{Command: CommandInsertBlock, Selection: sel, Session: sess}
	return e.run(req, func(tx *doc.Tx) (Selection, error) {
		id, err := tx.Insert(tx.Root(), afterTop(tx, sel.Anchor.Unit), sess.newUnit(doc.KindQuote))
		return Caret(id, 0), err
	})
}

// SetListMarker 改列表符号，只有列表的主人能改
func (e *Editor) SetListMarker(sess Session, listID, marker string) (bool, error) {
	if !validMarker(marker) {
		return false, fmt.Errorf("marker %q: %w", marker, doc.ErrInvalidKind)
	}
	return e.store.TransactIf(doc.OriginLocal, func(v doc.View) bool {
		list, ok := v.Get(listID)
		return ok && list.Kind == doc.KindList && !list.ForeignTo(sess.User)
	}, func(tx *doc.Tx) error {
		return tx.SetMarker(listID, marker)
	})
}

func validMarker(m string) bool {
	switch m {
	case doc.MarkerBullet, doc.MarkerNumber, doc.MarkerDash, doc.MarkerStar:
		return true
	}
	return false
}

func nearest(v doc.View, id string, kind doc.Kind) (doc.Unit, bool) {
	if u, ok := v.Get(id); ok && u.Kind == kind {
		return u, true
	}
	for _, a := range doc.Ancestors(v, id) {
		if a.Kind == kind {
			return a, true
		}
	}
	return doc.Unit{}, false
}

// topBlock 根节点下包含 id 的那一块
func topBlock(v doc.View, id string) (doc.Unit, bool) {
	u, ok := v.Get(id)
	if !ok || u.Kind == doc.KindRoot {
		return doc.Unit{}, false
	}
	if as := doc.Ancestors(v, id); len(as) > 0 {
		return as[len(as)-1], true
	}
	return u, true
}

func afterTop(v doc.View, id string) int {
	if top, ok := topBlock(v, id); ok {
		return doc.IndexOf(v, top.ID) + 1
	}
	return -1
}

// leafSlot 叶子应该插到哪里：容器里按偏移插，叶子之后紧跟，根上则先建一个段落
func leafSlot(tx *doc.Tx, sess Session, p Point) (string, int, error) {
	u, ok := tx.Get(p.Unit)
	if !ok {
		return "", 0, fmt.Errorf("anchor %s: %w", p.Unit, doc.ErrUnknownUnit)
	}
	switch {
	case u.Kind == doc.KindRoot:
		pid, err := tx.Insert(u.ID, p.Offset, sess.newUnit(doc.KindParagraph))
		return pid, -1, err
	case u.Kind.IsContainer():
		return u.ID, p.Offset, nil
	default:
		return u.Parent, doc.IndexOf(tx, u.ID) + 1, nil
	}
}
