package doc

import (
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

// automerge 中的布局：
//
//	units/<id>/kind          string
//	units/<id>/parent        string
//	units/<id>/children      list<string>，子节点顺序以它为准
//	units/<id>/text          automerge Text，只有 text 单元有
//	units/<id>/src|alt|marker
//	units/<id>/owner         map{id, username, color, avatar_url}，只在创建时写
//	units/<id>/draft         bool
//	units/<id>/committed_at  int64 unix 毫秒，0 表示未提交
const keyUnits = "units"

func field[T any](m *automerge.Map, key string) (T, error) {
	var zero T
	v, err := m.Get(key)
	if err != nil {
		return zero, err
	}
	if v == nil || v.IsVoid() {
		return zero, nil
	}
	return automerge.As[T](v, nil)
}

func unitsMap(am *automerge.Doc) (*automerge.Map, error) {
	v, err := am.Path(keyUnits).Get()
	if err != nil {
		return nil, err
	}
	if v == nil || v.IsVoid() {
		return nil, nil
	}
	return automerge.As[*automerge.Map](v, nil)
}

func childrenList(am *automerge.Doc, id string) (*automerge.List, error) {
	v, err := am.Path(keyUnits, id, "children").Get()
	if err != nil {
		return nil, err
	}
	if v == nil || v.IsVoid() {
		return nil, fmt.Errorf("unit %s: %w", id, ErrUnknownUnit)
	}
	return automerge.As[*automerge.List](v, nil)
}

func readUnit(id string, m *automerge.Map) (*Unit, error) {
	kind, err := field[string](m, "kind")
	if err != nil {
		return nil, err
	}
	u := &Unit{ID: id, Kind: Kind(kind)}
	if u.Parent, err = field[string](m, "parent"); err != nil {
		return nil, err
	}
	if u.Text, err = field[string](m, "text"); err != nil {
		return nil, err
	}
	if u.Src, err = field[string](m, "src"); err != nil {
		return nil, err
	}
	if u.Alt, err = field[string](m, "alt"); err != nil {
		return nil, err
	}
	if u.Marker, err = field[string](m, "marker"); err != nil {
		return nil, err
	}
	if u.IsDraft, err = field[bool](m, "draft"); err != nil {
		return nil, err
	}
	ms, err := field[int64](m, "committed_at")
	if err != nil {
		return nil, err
	}
	if ms > 0 {
		u.CommittedAt = time.UnixMilli(ms).UTC()
	}

	om, err := field[*automerge.Map](m, "owner")
	if err != nil {
		return nil, err
	}
	if om != nil {
		o := User{}
		o.ID, _ = field[string](om, "id")
		o.Username, _ = field[string](om, "username")
		o.Color, _ = field[string](om, "color")
		o.AvatarURL, _ = field[string](om, "avatar_url")
		u.Owner = &o
	}

	cl, err := field[*automerge.List](m, "children")
	if err != nil {
		return nil, err
	}
	if cl != nil {
		for i := 0; i < cl.Len(); i++ {
			v, err := cl.Get(i)
			if err != nil {
				return nil, err
			}
			c, err := automerge.As[string](v, nil)
			if err != nil {
				return nil, err
			}
			u.Children = append(u.Children, c)
		}
	}
	return u, nil
}

// readArena 从 automerge 重建内存中的单元表。
// 并发删除可能留下指向已删除单元的子引用，这里直接过滤掉。
func readArena(am *automerge.Doc) (map[string]*Unit, error) {
	units := make(map[string]*Unit)
	um, err := unitsMap(am)
	if err != nil {
		return nil, err
	}
	if um == nil {
		return units, nil
	}
	keys, err := um.Keys()
	if err != nil {
		return nil, err
	}
	for _, id := range keys {
		m, err := field[*automerge.Map](um, id)
		if err != nil {
			return nil, fmt.Errorf("read unit %s: %w", id, err)
		}
		if m == nil {
			continue
		}
		u, err := readUnit(id, m)
		if err != nil {
			return nil, fmt.Errorf("read unit %s: %w", id, err)
		}
		units[id] = u
	}
	for _, u := range units {
		live := u.Children[:0]
		for _, c := range u.Children {
			if _, ok := units[c]; ok {
				live = append(live, c)
			}
		}
		u.Children = live
	}
	return units, nil
}

type kv struct {
	key string
	val any
}

func writeUnit(am *automerge.Doc, u Unit) error {
	if err := am.Path(keyUnits, u.ID).Set(automerge.NewMap()); err != nil {
		return err
	}
	sets := []kv{
		{"kind", string(u.Kind)},
		{"parent", u.Parent},
		{"draft", u.IsDraft},
	}
	if u.Kind == KindText {
		// 文本用 automerge Text，后续修改走 splice
		sets = append(sets, kv{"text", automerge.NewText(u.Text)})
	}
	if u.Src != "" {
		sets = append(sets, kv{"src", u.Src})
	}
	if u.Alt != "" {
		sets = append(sets, kv{"alt", u.Alt})
	}
	if u.Marker != "" {
		sets = append(sets, kv{"marker", u.Marker})
	}
	if u.Committed() {
		sets = append(sets, kv{"committed_at", u.CommittedAt.UnixMilli()})
	}
	for _, s := range sets {
		if err := am.Path(keyUnits, u.ID, s.key).Set(s.val); err != nil {
			return fmt.Errorf("set %s: %w", s.key, err)
		}
	}
	if u.Kind.IsContainer() {
		if err := am.Path(keyUnits, u.ID, "children").Set(automerge.NewList()); err != nil {
			return err
		}
	}
	if u.Owner != nil {
		if err := am.Path(keyUnits, u.ID, "owner").Set(automerge.NewMap()); err != nil {
			return err
		}
		owner := map[string]string{
			"id":         u.Owner.ID,
			"username":   u.Owner.Username,
			"color":      u.Owner.Color,
			"avatar_url": u.Owner.AvatarURL,
		}
		for k, v := range owner {
			if err := am.Path(keyUnits, u.ID, "owner", k).Set(v); err != nil {
				return err
			}
		}
	}
	return nil
}
