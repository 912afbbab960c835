package dialog

import (
	"hash/fnv"
	"sync"
)

// shardCount должно быть степенью 2
const shardCount = 32

type forkShard struct {
	mu   sync.RWMutex
	sets map[ID]*ForkSet
}

// forkMap хранит наборы диалогов по ID.Prefix() в шардах
// с отдельным мьютексом на каждый шард.
type forkMap struct {
	shards [shardCount]*forkShard
}

func newForkMap() *forkMap {
	m := &forkMap{}
	for i := range m.shards {
		m.shards[i] = &forkShard{sets: make(map[ID]*ForkSet)}
	}
	return m
}

func (m *forkMap) shard(prefix ID) *forkShard {
	h := fnv.New32a()
	h.Write([]byte(prefix.CallID))
	h.Write([]byte(prefix.LocalTag))
	return m.shards[h.Sum32()&(shardCount-1)]
}

// insert добавляет набор, если префикс свободен
func (m *forkMap) insert(set *ForkSet) bool {
	s := m.shard(set.Prefix())
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sets[set.Prefix()]; exists {
		return false
	}
	s.sets[set.Prefix()] = set
	return true
}

func (m *forkMap) get(prefix ID) (*ForkSet, bool) {
	s := m.shard(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[prefix]
	return set, ok
}

// snapshot копирует наборы всех шардов
func (m *forkMap) snapshot() []*ForkSet {
	var out []*ForkSet
	for _, s := range m.shards {
		s.mu.RLock()
		for _, set := range s.sets {
			out = append(out, set)
		}
		s.mu.RUnlock()
	}
	return out
}

func (m *forkMap) len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.sets)
		s.mu.RUnlock()
	}
	return n
}

// deleteIf удаляет наборы, для которых fn вернула true
func (m *forkMap) deleteIf(fn func(*ForkSet) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for prefix, set := range s.sets {
			if fn(set) {
				delete(s.sets, prefix)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
