package cache

import (
	"container/list"

	"github.com/kolabtools/kolabcache/internal/kolab"
)

// objectLRU is a small bounded cache of recently materialized objects. It
// is populated when a lookup resolves exactly one object, so repeated
// point reads skip the decode.
type objectLRU struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type lruEntry struct {
	key string
	obj *kolab.Object
}

func newObjectLRU(capacity int) *objectLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &objectLRU{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (l *objectLRU) Get(key string) *kolab.Object {
	el, ok := l.entries[key]
	if !ok {
		return nil
	}
	l.order.MoveToFront(el)
	return el.Value.(*lruEntry).obj
}

func (l *objectLRU) Put(key string, obj *kolab.Object) {
	if el, ok := l.entries[key]; ok {
		el.Value.(*lruEntry).obj = obj
		l.order.MoveToFront(el)
		return
	}
	l.entries[key] = l.order.PushFront(&lruEntry{key: key, obj: obj})
	for l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*lruEntry).key)
	}
}

func (l *objectLRU) Remove(key string) {
	if el, ok := l.entries[key]; ok {
		l.order.Remove(el)
		delete(l.entries, key)
	}
}

func (l *objectLRU) Clear() {
	l.order.Init()
	l.entries = make(map[string]*list.Element)
}
