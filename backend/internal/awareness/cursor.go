package awareness

import (
	"sort"
	"sync"

	"collabEngine/backend/internal/doc"
)

type Rect struct {
	Top    float64
	Left   float64
	Width  float64
	Height float64
}

type Position struct {
	Unit   string
	Offset int
}

// Layout 把文档位置换算成屏幕几何
type Layout interface {
	// Range 返回 anchor 到 focus 覆盖的矩形；ok=false 表示本地无法构造这个范围
	Range(anchor, focus Position) (rects []Rect, ok bool)
	// Bounds 单元自身的包围矩形
	Bounds(unit string) (Rect, bool)
}

// Decoration 是覆盖块上除几何以外的部分。只有最后一块带光标和名字。
type Decoration struct {
	Color    string
	Caret    bool
	Label    string
	Followed bool
}

type Overlay interface {
	Place(r Rect)
	Decorate(d Decoration)
	Remove()
}

type Surface interface {
	NewOverlay(clientID string) Overlay
}

type cursor struct {
	overlays []Overlay
	followed bool
}

func (c *cursor) destroy() {
	for _, o := range c.overlays {
		o.Remove()
	}
	c.overlays = nil
}

// CursorSync 为每个远端客户端维护一组覆盖块，跟着 awareness 和文档变化重新定位
type CursorSync struct {
	aw      *Awareness
	view    doc.View
	layout  Layout
	surface Surface

	mu      sync.Mutex
	cursors map[string]*cursor
	unsubs  []func()
}

func NewCursorSync(aw *Awareness, view doc.View, layout Layout, surface Surface) *CursorSync {
	return &CursorSync{aw: aw, view: view, layout: layout, surface: surface, cursors: make(map[string]*cursor)}
}

// Attach 在 awareness 变化和文档提交之后自动 Sync
func (cs *CursorSync) Attach(store *doc.Store) {
	un1 := cs.aw.Observe(func(Change) { cs.Sync() })
	un2 := store.Subscribe(func(doc.Update) { cs.Sync() })
	cs.mu.Lock()
	cs.unsubs = append(cs.unsubs, un1, un2)
	cs.mu.Unlock()
}

// Overlays 当前某个客户端的覆盖块数量
func (cs *CursorSync) Overlays(clientID string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.cursors[clientID]; ok {
		return len(c.overlays)
	}
	return 0
}

func (cs *CursorSync) Sync() {
	states := cs.aw.States()
	self := cs.aw.ClientID()

	followed := make(map[string]bool)
	for _, st := range states {
		if st.Following != "" {
			followed[st.Following] = true
		}
	}

	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	visited := make(map[string]bool)
	for _, id := range ids {
		if id == self {
			continue
		}
		visited[id] = true
		st := states[id]
		c, ok := cs.cursors[id]
		if !ok {
			c = &cursor{}
			cs.cursors[id] = c
		}
		if !st.Focusing {
			continue
		}
		cs.update(id, c, st, followed[st.UserID])
	}

	for id, c := range cs.cursors {
		if !visited[id] {
			c.destroy()
			delete(cs.cursors, id)
		}
	}
}

func (cs *CursorSync) update(id string, c *cursor, st State, isFollowed bool) {
	sel := st.Selection
	if sel == nil {
		c.destroy()
		return
	}
	anchor, ok1 := cs.view.Get(sel.AnchorUnit)
	_, ok2 := cs.view.Get(sel.FocusUnit)
	if !ok1 || !ok2 {
		c.destroy()
		return
	}
	if isFollowed != c.followed {
		// 跟随标记和几何一起重建
		c.destroy()
		c.followed = isFollowed
	}

	var rects []Rect
	if sel.AnchorUnit == sel.FocusUnit && anchor.Kind == doc.KindLineBreak {
		// 换行在范围 API 里没有宽度，只能用它自己的包围盒
		r, ok := cs.layout.Bounds(anchor.ID)
		if !ok {
			return
		}
		rects = []Rect{r}
	} else {
		var ok bool
		rects, ok = cs.layout.Range(
			Position{Unit: sel.AnchorUnit, Offset: sel.AnchorOffset},
			Position{Unit: sel.FocusUnit, Offset: sel.FocusOffset},
		)
		if !ok {
			return
		}
	}

	for i, r := range rects {
		if i >= len(c.overlays) {
			c.overlays = append(c.overlays, cs.surface.NewOverlay(id))
		}
		o := c.overlays[i]
		o.Place(r)
		d := Decoration{Color: st.Color}
		if i == len(rects)-1 {
			d.Caret = true
			d.Label = st.Name
			d.Followed = c.followed
		}
		o.Decorate(d)
	}
	for i := len(c.overlays) - 1; i >= len(rects); i-- {
		c.overlays[i].Remove()
		c.overlays = c.overlays[:i]
	}
}

// Close 取消订阅并销毁全部覆盖块
func (cs *CursorSync) Close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, un := range cs.unsubs {
		un()
	}
	cs.unsubs = nil
	for id, c := range cs.cursors {
		c.destroy()
		delete(cs.cursors, id)
	}
}
