package storage

import (
	"container/heap"
	"time"
)

// ttlHeapItem is one entry tracked by a database's expiry min-heap.
type ttlHeapItem struct {
	entry *EntryIndex
	index int // maintained by container/heap
}

// ttlIndex is a per-database priority queue on expiry_time_ms, used by
// active expiration to find the next key due to expire without scanning
// the whole keyspace.
type ttlIndex struct {
	items []*ttlHeapItem
	byKey map[string]*ttlHeapItem
}

func newTTLIndex() *ttlIndex {
	return &ttlIndex{byKey: make(map[string]*ttlHeapItem)}
}

func (h *ttlIndex) Len() int { return len(h.items) }

func (h *ttlIndex) Less(i, j int) bool {
	return h.items[i].entry.ExpiresAt().Before(h.items[j].entry.ExpiresAt())
}

func (h *ttlIndex) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *ttlIndex) Push(x any) {
	item := x.(*ttlHeapItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *ttlIndex) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// Track inserts or updates e's position in the heap, keyed by its byte
// key. Call whenever an entry's TTL is set (SET EX, EXPIRE, ...) or
// cleared (PERSIST removes it from the heap).
func (h *ttlIndex) Track(e *EntryIndex) {
	k := string(e.Key)
	if existing, ok := h.byKey[k]; ok {
		existing.entry = e
		heap.Fix(h, existing.index)
		if e.ExpiresAt().IsZero() {
			h.removeAt(existing.index)
			delete(h.byKey, k)
		}
		return
	}
	if e.ExpiresAt().IsZero() {
		return
	}
	item := &ttlHeapItem{entry: e}
	heap.Push(h, item)
	h.byKey[k] = item
}

// Untrack removes key from the heap entirely (DEL/UNLINK/expired eviction).
func (h *ttlIndex) Untrack(key []byte) {
	k := string(key)
	item, ok := h.byKey[k]
	if !ok {
		return
	}
	h.removeAt(item.index)
	delete(h.byKey, k)
}

func (h *ttlIndex) removeAt(i int) {
	heap.Remove(h, i)
}

// NextExpiring returns the entry whose expiry is closest in the future (or
// already past), without removing it from the heap. ok is false when the
// heap is empty.
func (h *ttlIndex) NextExpiring() (*EntryIndex, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0].entry, true
}

// PopExpired removes and returns every entry whose expiry is at or before
// now, for the active-expiration sweep.
func (h *ttlIndex) PopExpired(now time.Time) []*EntryIndex {
	var expired []*EntryIndex
	for len(h.items) > 0 && !h.items[0].entry.ExpiresAt().IsZero() && !now.Before(h.items[0].entry.ExpiresAt()) {
		item := heap.Pop(h).(*ttlHeapItem)
		delete(h.byKey, string(item.entry.Key))
		expired = append(expired, item.entry)
	}
	return expired
}
