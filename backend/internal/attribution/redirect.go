package attribution

import (
	"strings"

	"collabEngine/backend/internal/doc"
)

type emptyParagraphRedirect struct{}

// EmptyParagraphRedirect 接管回车：在别人的段落、空段落里，或者下一块已经是空段落时，
// 不在原地拆分，而是在文档末尾追加一个自己的段落并把光标移过去。
func EmptyParagraphRedirect() Handler { return emptyParagraphRedirect{} }

func (emptyParagraphRedirect) Name() string { return "emptyParagraphRedirect" }

func (emptyParagraphRedirect) Handle(e *Editor, req Request) (Result, bool, error) {
	s := e.store
	para, ok := s.Get(req.Selection.Anchor.Unit)
	if !ok {
		return Result{}, false, nil
	}
	if para.Kind != doc.KindParagraph {
		p, ok := s.Get(para.Parent)
		if !ok {
			return Result{}, false, nil
		}
		para = p
	}

	redirect := false
	if next, ok := doc.NextSibling(s, para.ID); ok && strings.TrimSpace(textContent(s, next.ID)) == "" {
		redirect = true
	} else if para.Kind != doc.KindParagraph {
		return Result{}, false, nil
	} else if para.ForeignTo(req.Session.User) || strings.TrimSpace(textContent(s, para.ID)) == "" {
		redirect = true
	}
	if !redirect {
		return Result{}, false, nil
	}

	var id string
	err := s.Transact(doc.OriginLocal, func(tx *doc.Tx) error {
		var err error
		id, err = tx.Insert(tx.Root(), -1, req.Session.newUnit(doc.KindParagraph))
		return err
	})
	if err != nil {
		return Result{Selection: req.Selection}, true, err
	}
	return Result{Selection: Caret(id, 0), Applied: true}, true, nil
}
