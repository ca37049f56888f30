package realtime

import "sync"

type array[T any] struct {
	items []T
	lock  sync.RWMutex
}

type arrayPredicate[T any] func(item T) bool

func newArray[T any]() *array[T] {
	return &array[T]{
		items: make([]T, 0),
	}
}

func (a *array[T]) findIndex(predicate arrayPredicate[T]) int {
	a.lock.RLock()
	defer a.lock.RUnlock()

	for i, item := range a.items {
		if predicate(item) {
			return i
		}
	}
	return -1
}

func (a *array[T]) filter(predicate arrayPredicate[T]) *array[T] {
	a.lock.RLock()
	defer a.lock.RUnlock()

	result := newArray[T]()

	for _, item := range a.items {
		if predicate(item) {
			result.items = append(result.items, item)
		}
	}
	return result
}

func (a *array[T]) push(item T) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.items = append(a.items, item)
}

// pushUnless appends item only when no existing element satisfies the
// predicate. Returns true when the item was appended.
func (a *array[T]) pushUnless(item T, predicate arrayPredicate[T]) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	for _, existing := range a.items {
		if predicate(existing) {
			return false
		}
	}
	a.items = append(a.items, item)

	return true
}

// removeWhere deletes every element satisfying the predicate, preserving
// order of the remainder. Returns the number of elements removed.
func (a *array[T]) removeWhere(predicate arrayPredicate[T]) int {
	a.lock.Lock()
	defer a.lock.Unlock()

	kept := a.items[:0]
	removed := 0

	for _, item := range a.items {
		if predicate(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	a.items = kept

	return removed
}

func (a *array[T]) some(predicate arrayPredicate[T]) bool {
	a.lock.RLock()
	defer a.lock.RUnlock()

	for _, item := range a.items {
		if predicate(item) {
			return true
		}
	}

	return false
}

func (a *array[T]) length() int {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return len(a.items)
}

func (a *array[T]) forEach(fn func(T)) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	for _, item := range a.items {
		fn(item)
	}
}

// snapshot returns a copy of the underlying slice safe for external use.
func (a *array[T]) snapshot() []T {
	a.lock.RLock()
	defer a.lock.RUnlock()

	clone := make([]T, len(a.items))
	copy(clone, a.items)

	return clone
}

func fromSlice[T any](slice []T) *array[T] {
	clone := make([]T, len(slice))
	copy(clone, slice)
	return &array[T]{items: clone}
}
