package doc

import (
	"slices"
	"time"
)

type Kind string

const (
	KindRoot      Kind = "root"
	KindParagraph Kind = "paragraph"
	KindList      Kind = "list"
	KindListItem  Kind = "listItem"
	KindQuote     Kind = "quote"
	KindText      Kind = "text"
	KindImage     Kind = "image"
	KindLineBreak Kind = "lineBreak"
)

// IsContainer 可以拥有子节点的类型
func (k Kind) IsContainer() bool {
	switch k {
	case KindRoot, KindParagraph, KindList, KindListItem, KindQuote:
		return true
	}
	return false
}

// IsStructural 参与所有权判断的结构性祖先（段落、列表、列表项、引用）
func (k Kind) IsStructural() bool {
	switch k {
	case KindParagraph, KindList, KindListItem, KindQuote:
		return true
	}
	return false
}

func (k Kind) Valid() bool {
	switch k {
	case KindRoot, KindParagraph, KindList, KindListItem, KindQuote, KindText, KindImage, KindLineBreak:
		return true
	}
	return false
}

// 列表标记
const (
	MarkerBullet = "bullet"
	MarkerNumber = "number"
	MarkerDash   = "dash"
	MarkerStar   = "star"
)

type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Color     string `json:"color"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// SameUser 两边都有 id 时按 id 比较，否则退化为按用户名比较
func SameUser(a, b User) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.Username == b.Username
}

type Attribution struct {
	// Owner 只在创建时写入一次，之后任何路径都不会再改
	Owner       *User
	IsDraft     bool
	CommittedAt time.Time // 零值表示还没提交过
}

func (a Attribution) OwnedBy(u User) bool {
	return a.Owner != nil && SameUser(*a.Owner, u)
}

// ForeignTo 有主且主人不是 u。无主的内容不算别人的。
func (a Attribution) ForeignTo(u User) bool {
	return a.Owner != nil && !SameUser(*a.Owner, u)
}

func (a Attribution) Committed() bool { return !a.CommittedAt.IsZero() }

// Unit 是共享树上的一个内容单元。父子关系用 id 引用，便于序列化和合并。
type Unit struct {
	ID       string
	Kind     Kind
	Parent   string
	Children []string

	// text
	Text string
	// image
	Src string
	Alt string
	// list
	Marker string

	Attribution
}

func (u Unit) clone() Unit {
	u.Children = slices.Clone(u.Children)
	if u.Owner != nil {
		o := *u.Owner
		u.Owner = &o
	}
	return u
}

// Len 叶子节点的可编辑长度（按 rune 计）。图片和换行视为长度 1。
func (u Unit) Len() int {
	switch u.Kind {
	case KindText:
		return len([]rune(u.Text))
	case KindImage, KindLineBreak:
		return 1
	}
	return len(u.Children)
}

func unitEqual(a, b Unit) bool {
	if a.ID != b.ID || a.Kind != b.Kind || a.Parent != b.Parent || a.Text != b.Text ||
		a.Src != b.Src || a.Alt != b.Alt || a.Marker != b.Marker ||
		a.IsDraft != b.IsDraft || !a.CommittedAt.Equal(b.CommittedAt) {
		return false
	}
	if !slices.Equal(a.Children, b.Children) {
		return false
	}
	if (a.Owner == nil) != (b.Owner == nil) {
		return false
	}
	return a.Owner == nil || *a.Owner == *b.Owner
}
