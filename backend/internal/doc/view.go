package doc

// View 只读访问共享树。Store 和事务内的 Tx 都实现它，权限检查和光标解析只依赖这个接口。
type View interface {
	Root() string
	Get(id string) (Unit, bool)
}

func IndexOf(v View, id string) int {
	u, ok := v.Get(id)
	if !ok {
		return -1
	}
	p, ok := v.Get(u.Parent)
	if !ok {
		return -1
	}
	for i, c := range p.Children {
		if c == id {
			return i
		}
	}
	return -1
}

func sibling(v View, id string, delta int) (Unit, bool) {
	u, ok := v.Get(id)
	if !ok {
		return Unit{}, false
	}
	p, ok := v.Get(u.Parent)
	if !ok {
		return Unit{}, false
	}
	for i, c := range p.Children {
		if c != id {
			continue
		}
		j := i + delta
		if j < 0 || j >= len(p.Children) {
			return Unit{}, false
		}
		return v.Get(p.Children[j])
	}
	return Unit{}, false
}

func PrevSibling(v View, id string) (Unit, bool) { return sibling(v, id, -1) }
func NextSibling(v View, id string) (Unit, bool) { return sibling(v, id, 1) }

// Ancestors 从近到远返回祖先，不含根节点
func Ancestors(v View, id string) []Unit {
	var out []Unit
	u, ok := v.Get(id)
	for ok && u.Parent != "" {
		p, found := v.Get(u.Parent)
		if !found || p.Kind == KindRoot {
			break
		}
		out = append(out, p)
		u, ok = p, true
	}
	return out
}

// Descendants 先序遍历返回子孙，不含自身
func Descendants(v View, id string) []Unit {
	var out []Unit
	var walk func(string)
	walk = func(cur string) {
		u, ok := v.Get(cur)
		if !ok {
			return
		}
		for _, c := range u.Children {
			cu, ok := v.Get(c)
			if !ok {
				continue
			}
			out = append(out, cu)
			walk(c)
		}
	}
	walk(id)
	return out
}

// Order 返回整棵树的先序 id 序列（不含根），即文档顺序
func Order(v View) []string {
	ds := Descendants(v, v.Root())
	ids := make([]string, len(ds))
	for i, u := range ds {
		ids[i] = u.ID
	}
	return ids
}

// Container 返回离 id 最近的结构性容器（含自身）
func Container(v View, id string) (Unit, bool) {
	u, ok := v.Get(id)
	if !ok {
		return Unit{}, false
	}
	if u.Kind.IsStructural() {
		return u, true
	}
	for _, a := range Ancestors(v, id) {
		if a.Kind.IsStructural() {
			return a, true
		}
	}
	return Unit{}, false
}

// Between 返回文档顺序上 a 到 b（含两端，顺序无关）之间的全部单元 id
func Between(v View, a, b string) []string {
	order := Order(v)
	ia, ib := -1, -1
	for i, id := range order {
		if id == a {
			ia = i
		}
		if id == b {
			ib = i
		}
	}
	if ia < 0 || ib < 0 {
		return nil
	}
	if ia > ib {
		ia, ib = ib, ia
	}
	return append([]string(nil), order[ia:ib+1]...)
}
