package utils

import "golang.org/x/exp/constraints"

// Heap is a min-heap of values ordered by key. The zero value is empty.
type Heap[K constraints.Ordered, V any] struct {
	keys []K
	vals []V
}

func (h *Heap[K, V]) Len() int {
	return len(h.keys)
}

func (h *Heap[K, V]) Push(k K, v V) {
	h.keys = append(h.keys, k)
	h.vals = append(h.vals, v)
	h.up(len(h.keys) - 1)
}

// Top returns the entry with the least key without removing it.
func (h *Heap[K, V]) Top() (k K, v V, ok bool) {
	if len(h.keys) == 0 {
		return
	}
	return h.keys[0], h.vals[0], true
}

// Pop removes the entry with the least key. The heap must not be empty.
func (h *Heap[K, V]) Pop() (k K, v V) {
	k, v = h.keys[0], h.vals[0]
	n := len(h.keys) - 1
	h.swap(0, n)
	var zero V
	h.vals[n] = zero
	h.keys, h.vals = h.keys[:n], h.vals[:n]
	h.down(0)
	return
}

func (h *Heap[K, V]) swap(i, j int) {
	h.keys[i], h.keys[j] = h.keys[j], h.keys[i]
	h.vals[i], h.vals[j] = h.vals[j], h.vals[i]
}

func (h *Heap[K, V]) up(j int) {
	for j > 0 {
		i := (j - 1) / 2
		if h.keys[i] <= h.keys[j] {
			return
		}
		h.swap(i, j)
		j = i
	}
}

func (h *Heap[K, V]) down(i int) {
	n := len(h.keys)
	for {
		j := 2*i + 1
		if j >= n {
			return
		}
		if r := j + 1; r < n && h.keys[r] < h.keys[j] {
			j = r
		}
		if h.keys[i] <= h.keys[j] {
			return
		}
		h.swap(i, j)
		i = j
	}
}
