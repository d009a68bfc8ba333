package attribution

import "collabEngine/backend/internal/doc"

// Session 是当前编辑会话的显式上下文：谁在编辑、新内容默认是否草稿、打开的是哪篇文档。
// 所有需要"当前用户"的操作都把它当参数传进来。
type Session struct {
	User                    doc.User
	DefaultDraft            bool
	CollapseDraftParagraphs bool
	DocID                   string
}

func NewSession(u doc.User, docID string) Session {
	return Session{User: u, DefaultDraft: true, DocID: docID}
}

// Stamp 给没有归属的新单元写上当前用户和默认草稿状态
func Stamp(u *doc.Unit, sess Session) {
	if u.Owner != nil {
		return
	}
	owner := sess.User
	u.Owner = &owner
	u.IsDraft = sess.DefaultDraft
}

func (s Session) newUnit(kind doc.Kind) doc.Unit {
	u := doc.Unit{Kind: kind}
	Stamp(&u, s)
	return u
}

type Point struct {
	Unit   string
	Offset int
}

type Selection struct {
	Anchor Point
	Focus  Point
}

func Caret(unit string, offset int) Selection {
	p := Point{Unit: unit, Offset: offset}
	return Selection{Anchor: p, Focus: p}
}

func (s Selection) Collapsed() bool { return s.Anchor == s.Focus }

// ordered 按文档顺序返回 (start, end)
func (s Selection) ordered(v doc.View) (Point, Point) {
	if s.Anchor.Unit == s.Focus.Unit {
		if s.Anchor.Offset <= s.Focus.Offset {
			return s.Anchor, s.Focus
		}
		return s.Focus, s.Anchor
	}
	span := doc.Between(v, s.Anchor.Unit, s.Focus.Unit)
	if len(span) > 0 && span[0] == s.Focus.Unit {
		return s.Focus, s.Anchor
	}
	return s.Anchor, s.Focus
}

// units 选区覆盖的全部单元（文档顺序），折叠选区只有锚点本身
func (s Selection) units(v doc.View) []string {
	if s.Anchor.Unit == s.Focus.Unit {
		if _, ok := v.Get(s.Anchor.Unit); !ok {
			return nil
		}
		return []string{s.Anchor.Unit}
	}
	return doc.Between(v, s.Anchor.Unit, s.Focus.Unit)
}
