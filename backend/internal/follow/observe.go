package follow

import "sync"

type entry[T any] struct {
	id int
	fn func(T)
}

// observers 按注册顺序回调，回调在锁外执行
type observers[T any] struct {
	mu   sync.Mutex
	seq  int
	list []entry[T]
}

func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	id := o.seq
	o.list = append(o.list, entry[T]{id: id, fn: fn})
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, e := range o.list {
			if e.id == id {
				o.list = append(o.list[:i], o.list[i+1:]...)
				return
			}
		}
	}
}

func (o *observers[T]) emit(v T) {
	o.mu.Lock()
	list := append([]entry[T](nil), o.list...)
	o.mu.Unlock()
	for _, e := range list {
		e.fn(v)
	}
}

func (o *observers[T]) clear() {
	o.mu.Lock()
	o.list = nil
	o.mu.Unlock()
}
