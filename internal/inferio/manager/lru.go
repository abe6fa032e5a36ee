package manager

import (
	"container/list"
	"time"

	"github.com/reasv/panoptikon-go/schema"
)

// orderedLRU is an ordered map `inference_id -> expires_at` with O(1)
// move-to-front/evict-from-back, the shape spec.md §3's
// "LRU(cache_key)" needs and Python's OrderedDict gives for free. Go has no
// stdlib equivalent, so this pairs container/list (eviction order) with a
// map index (O(1) lookup), mirroring the teacher's own list+map combos
// elsewhere in the fragment.
type orderedLRU struct {
	order *list.List
	index map[schema.InferenceId]*list.Element
}

type lruEntry struct {
	id        schema.InferenceId
	expiresAt time.Time
}

func newOrderedLRU() *orderedLRU {
	return &orderedLRU{order: list.New(), index: map[schema.InferenceId]*list.Element{}}
}

// touch inserts or refreshes id at the front (MRU end) with expiresAt.
func (o *orderedLRU) touch(id schema.InferenceId, expiresAt time.Time) {
	if el, ok := o.index[id]; ok {
		el.Value.(*lruEntry).expiresAt = expiresAt
		o.order.MoveToFront(el)
		return
	}
	el := o.order.PushFront(&lruEntry{id: id, expiresAt: expiresAt})
	o.index[id] = el
}

// remove drops id if present, reporting whether it was.
func (o *orderedLRU) remove(id schema.InferenceId) bool {
	el, ok := o.index[id]
	if !ok {
		return false
	}
	o.order.Remove(el)
	delete(o.index, id)
	return true
}

// popLRU evicts and returns the least-recently-used entry (the back of the
// list), or false if empty.
func (o *orderedLRU) popLRU() (schema.InferenceId, bool) {
	el := o.order.Back()
	if el == nil {
		return schema.InferenceId{}, false
	}
	entry := el.Value.(*lruEntry)
	o.order.Remove(el)
	delete(o.index, entry.id)
	return entry.id, true
}

func (o *orderedLRU) len() int { return o.order.Len() }

// entries returns every (id, expires_at) pair currently held, MRU first.
func (o *orderedLRU) entries() []lruEntry {
	out := make([]lruEntry, 0, o.order.Len())
	for el := o.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*lruEntry))
	}
	return out
}
