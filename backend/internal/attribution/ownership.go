package attribution

import "collabEngine/backend/internal/doc"

// Ownership 是默认的归属检查：
//   - 目标单元本身或其任意子孙属于别人
//   - 目标是换行，且紧挨着的前一个兄弟属于别人（删掉换行等于把两段内容合并）
//   - 任何一层结构性祖先（段落、列表、列表项、引用）属于别人，一直查到根
func Ownership() Veto {
	return VetoFunc("ownership", func(v doc.View, req Request) bool {
		user := req.Session.User
		for _, id := range targets(v, req) {
			if blockedNode(v, id, user) || inForeignContainer(v, id, user) {
				return true
			}
		}
		return false
	})
}

// targets 这次命令会碰到的单元。
// 折叠光标下的退格和向前删除用和编辑器同一套定位，只检查真正会被删改的那一个单元。
func targets(v doc.View, req Request) []string {
	sel := req.Selection
	if !sel.Collapsed() {
		return sel.units(v)
	}
	var (
		t  doc.Unit
		ok bool
	)
	switch req.Command {
	case CommandBackspace:
		t, ok = backwardTarget(v, sel.Anchor)
	case CommandDelete:
		t, ok = forwardTarget(v, sel.Anchor)
	default:
		return sel.units(v)
	}
	if !ok {
		return nil
	}
	return []string{t.ID}
}

func blockedNode(v doc.View, id string, user doc.User) bool {
	u, ok := v.Get(id)
	if !ok {
		return false
	}
	if u.ForeignTo(user) {
		return true
	}
	if u.Kind == doc.KindLineBreak {
		if prev, ok := doc.PrevSibling(v, id); ok && prev.ForeignTo(user) {
			return true
		}
	}
	for _, c := range u.Children {
		if blockedNode(v, c, user) {
			return true
		}
	}
	return false
}

func inForeignContainer(v doc.View, id string, user doc.User) bool {
	for _, a := range doc.Ancestors(v, id) {
		if a.Kind.IsStructural() && a.ForeignTo(user) {
			return true
		}
	}
	return false
}
