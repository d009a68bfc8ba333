package attribution

import (
	"time"

	"collabEngine/backend/internal/doc"
)

// Commit 把光标所在容器里当前用户的草稿发布出去。
// 只处理容器的直接子节点（文本和图片），不递归进嵌套列表；
// 列表项有变化时顺带发布同一主人的外层列表。容器不是自己的就什么都不做。
// 同一次提交里所有单元的 committedAt 相同，已发布且已有时间戳的单元保持不变。
func Commit(s *doc.Store, sess Session, sel Selection, now time.Time) (bool, error) {
	user := sess.User
	anchor, ok := s.Get(sel.Anchor.Unit)
	if !ok {
		return false, nil
	}

	changed := false
	err := s.Transact(doc.OriginLocal, func(tx *doc.Tx) error {
		if anchor.Kind == doc.KindImage {
			if !anchor.OwnedBy(user) || !pending(anchor) {
				return nil
			}
			changed = true
			return publish(tx, anchor.ID, now)
		}

		container, ok := commitContainer(tx, anchor)
		if !ok || !container.OwnedBy(user) {
			return nil
		}
		for _, cid := range container.Children {
			c, ok := tx.Get(cid)
			if !ok || (c.Kind != doc.KindText && c.Kind != doc.KindImage) {
				continue
			}
			if c.OwnedBy(user) && pending(c) {
				if err := publish(tx, c.ID, now); err != nil {
					return err
				}
				changed = true
			}
		}
		if !changed {
			return nil
		}
		if err := publish(tx, container.ID, now); err != nil {
			return err
		}
		if container.Kind == doc.KindListItem {
			if list, ok := tx.Get(container.Parent); ok && list.Kind == doc.KindList && list.OwnedBy(user) {
				return publish(tx, list.ID, now)
			}
		}
		return nil
	})
	return changed, err
}

// pending 还是草稿，或者已经公开但从没有被提交过
func pending(u doc.Unit) bool {
	return u.IsDraft || !u.Committed()
}

func publish(tx *doc.Tx, id string, now time.Time) error {
	if err := tx.SetDraft(id, false); err != nil {
		return err
	}
	return tx.SetCommittedAt(id, now)
}

// commitContainer 锚点本身或它的父节点，必须是段落、列表项或引用
func commitContainer(v doc.View, anchor doc.Unit) (doc.Unit, bool) {
	if commitKind(anchor.Kind) {
		return anchor, true
	}
	if p, ok := v.Get(anchor.Parent); ok && commitKind(p.Kind) {
		return p, true
	}
	return doc.Unit{}, false
}

func commitKind(k doc.Kind) bool {
	return k == doc.KindParagraph || k == doc.KindListItem || k == doc.KindQuote
}

// ToggleDraft 翻转选区内自己的文本和图片的草稿状态，别人的内容不受影响
func ToggleDraft(s *doc.Store, sess Session, sel Selection) (bool, error) {
	changed := false
	err := s.Transact(doc.OriginLocal, func(tx *doc.Tx) error {
		for _, id := range sel.units(tx) {
			u, ok := tx.Get(id)
			if !ok || (u.Kind != doc.KindText && u.Kind != doc.KindImage) || !u.OwnedBy(sess.User) {
				continue
			}
			if err := tx.SetDraft(id, !u.IsDraft); err != nil {
				return err
			}
			changed = true
		}
		return nil
	})
	return changed, err
}

func (e *Editor) Commit(sess Session, sel Selection) (bool, error) {
	return Commit(e.store, sess, sel, e.clock.Now())
}

func (e *Editor) ToggleDraft(sess Session, sel Selection) (bool, error) {
	return ToggleDraft(e.store, sess, sel)
}
