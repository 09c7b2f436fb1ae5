package smap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Map is a sharded concurrent map keyed by small integer ids (process ids).
type Map[V any] struct {
	m cmap.ConcurrentMap[int, V]
}

func New[V any]() *Map[V] {
	return &Map[V]{
		m: cmap.NewWithCustomShardingFunction[int, V](func(key int) uint32 {
			return uint32(key)
		}),
	}
}

func (m *Map[V]) Remove(key int) {
	m.m.Remove(key)
}

func (m *Map[V]) Get(key int) (V, bool) {
	return m.m.Get(key)
}

func (m *Map[V]) Insert(key int, value V) {
	m.m.Set(key, value)
}

func (m *Map[V]) InsertIfAbsent(key int, value V) bool {
	return m.m.SetIfAbsent(key, value)
}

func (m *Map[V]) Pop(key int) (V, bool) {
	return m.m.Pop(key)
}

func (m *Map[V]) Items() map[int]V {
	return m.m.Items()
}

func (m *Map[V]) Count() int {
	return m.m.Count()
}
