package iter

import (
	"bytes"
	"cmp"
	"container/heap"
	"context"

	"github.com/tidewave/statestore/internal/types"
)

type MergeSort struct {
	iterators []Iterator
	heap      minHeap
	lastKey   []byte
	lastEpoch types.Epoch
	started   bool
	err       error
}

// NewMergeSort merges sorted iterators into a single iterator in
// (key asc, epoch desc) order. When two iterators hold an entry with the same
// key and epoch only the entry from the iterator ordered first is returned.
//
// Precedence example:
// Given an iterator at index 0 which has 'a'@10
// and an iterator at index 1 which also has 'a'@10
// the entry from the iterator at index 0 is used.
func NewMergeSort(ctx context.Context, iterators ...Iterator) *MergeSort {
	ms := &MergeSort{
		iterators: iterators,
		heap:      make(minHeap, 0, len(iterators)),
	}

	for i, it := range iterators {
		if e, ok := it.Next(ctx); ok {
			ms.heap = append(ms.heap, heapItem{entry: e, index: i})
		} else if err := it.Err(); err != nil {
			ms.err = err
		}
	}
	heap.Init(&ms.heap)
	return ms
}

func (m *MergeSort) Next(ctx context.Context) (types.RowEntry, bool) {
	for m.err == nil && m.heap.Len() > 0 {
		item := m.heap[0]
		result := item.entry

		// Replace the top with the next entry from the same iterator
		if next, ok := m.iterators[item.index].Next(ctx); ok {
			m.heap[0] = heapItem{entry: next, index: item.index}
			heap.Fix(&m.heap, 0)
		} else {
			if err := m.iterators[item.index].Err(); err != nil {
				m.err = err
				return types.RowEntry{}, false
			}
			heap.Pop(&m.heap)
		}

		if m.started && result.Epoch == m.lastEpoch && bytes.Equal(result.Key, m.lastKey) {
			continue
		}
		m.started = true
		m.lastKey = result.Key
		m.lastEpoch = result.Epoch
		return result, true
	}
	return types.RowEntry{}, false
}

func (m *MergeSort) Err() error {
	return m.err
}

type heapItem struct {
	entry types.RowEntry
	index int
}

type minHeap []heapItem

func (e heapItem) Compare(other heapItem) int {
	if c := e.entry.Compare(other.entry); c != 0 {
		return c
	}
	return cmp.Compare(e.index, other.index)
}

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Compare(h[j]) < 0 }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x interface{}) {
	*h = append(*h, x.(heapItem))
}

func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
