package attribution

import "collabEngine/backend/internal/doc"

// Blurred 别人的草稿默认模糊显示，按住查看键（peek）时才看得清
func Blurred(u doc.Unit, sess Session, peek bool) bool {
	return !peek && u.IsDraft && u.ForeignTo(sess.User)
}

// CollapsedParagraphs 开启 CollapseDraftParagraphs 后需要折叠的段落：
// 不属于自己、且含有别人草稿文本的段落。peek 时全部展开。
func CollapsedParagraphs(v doc.View, sess Session, peek bool) []string {
	if !sess.CollapseDraftParagraphs || peek {
		return nil
	}
	var out []string
	for _, u := range doc.Descendants(v, v.Root()) {
		if u.Kind != doc.KindParagraph || u.OwnedBy(sess.User) {
			continue
		}
		for _, c := range doc.Descendants(v, u.ID) {
			if c.Kind == doc.KindText && c.IsDraft && c.ForeignTo(sess.User) {
				out = append(out, u.ID)
				break
			}
		}
	}
	return out
}
