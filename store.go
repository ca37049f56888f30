package realtime

import (
	"fmt"
	"sync"
)

type store[K comparable, V any] struct {
	mutex sync.RWMutex
	store map[K]V
}

func newStore[K comparable, V any]() *store[K, V] {
	return &store[K, V]{
		mutex: sync.RWMutex{},
		store: make(map[K]V),
	}
}

func (s *store[K, V]) Create(key K, value V) error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; exists {
		return conflict(fmt.Sprint(key), "Key already exists")
	}
	s.store[key] = value
	return nil
}

func (s *store[K, V]) Read(key K) (V, error) {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	var zeroValue V
	value, exists := s.store[key]
	if !exists {
		return zeroValue, notFound(fmt.Sprint(key), "Key does not exist")
	}
	return value, nil
}

func (s *store[K, V]) Upsert(key K, value V) {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	s.store[key] = value
}

func (s *store[K, V]) Delete(key K) error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; !exists {
		return notFound(fmt.Sprint(key), "Key does not exist")
	}
	delete(s.store, key)

	return nil
}

func (s *store[K, V]) List() map[K]V {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	result := make(map[K]V)

	for key, value := range s.store {
		result[key] = value
	}
	return result
}

func (s *store[K, V]) Keys() []K {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	keys := make([]K, 0, len(s.store))

	for key := range s.store {
		keys = append(keys, key)
	}
	return keys
}

func (s *store[K, V]) Len() int {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return len(s.store)
}
