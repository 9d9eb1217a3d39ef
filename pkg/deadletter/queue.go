package deadletter

import "github.com/dukex/convoflow/pkg/models"

// DefaultCapacity bounds the live queue.
const DefaultCapacity = 1000

type slot struct {
	record models.DeadLetterRecord
	live   bool
	gen    uint64
}

type ref struct {
	idx int
	gen uint64
}

// queue is a bounded FIFO over an arena of slots. Freed slots are reused;
// stale references left in order are skipped and compacted lazily.
type queue struct {
	capacity int
	slots    []slot
	free     []int
	index    map[string]int
	order    []ref
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &queue{
		capacity: capacity,
		index:    make(map[string]int, capacity),
	}
}

func (q *queue) len() int {
	return len(q.index)
}

func (q *queue) get(executionID string) (*slot, bool) {
	idx, ok := q.index[executionID]
	if !ok {
		return nil, false
	}

	return &q.slots[idx], true
}

// push stores record unless its execution id is already queued. When the
// queue is full the oldest record is evicted and returned.
func (q *queue) push(record models.DeadLetterRecord) (evicted *models.DeadLetterRecord, added bool) {
	if _, exists := q.index[record.ExecutionID]; exists {
		return nil, false
	}

	if q.len() >= q.capacity {
		evicted = q.evictOldest()
	}

	var idx int

	if n := len(q.free); n > 0 {
		idx = q.free[n-1]
		q.free = q.free[:n-1]
	} else {
		q.slots = append(q.slots, slot{})
		idx = len(q.slots) - 1
	}

	s := &q.slots[idx]
	s.gen++
	s.record = record
	s.live = true

	q.index[record.ExecutionID] = idx
	q.order = append(q.order, ref{idx: idx, gen: s.gen})

	return evicted, true
}

func (q *queue) evictOldest() *models.DeadLetterRecord {
	for len(q.order) > 0 {
		head := q.order[0]
		q.order = q.order[1:]

		s := &q.slots[head.idx]
		if !s.live || s.gen != head.gen {
			continue
		}

		record := s.record
		q.release(head.idx)

		return &record
	}

	return nil
}

func (q *queue) remove(executionID string) (models.DeadLetterRecord, bool) {
	idx, ok := q.index[executionID]
	if !ok {
		return models.DeadLetterRecord{}, false
	}

	record := q.slots[idx].record
	q.release(idx)

	if len(q.order) > 2*q.capacity {
		q.compact()
	}

	return record, true
}

func (q *queue) release(idx int) {
	s := &q.slots[idx]
	delete(q.index, s.record.ExecutionID)

	s.live = false
	s.record = models.DeadLetterRecord{}
	q.free = append(q.free, idx)
}

func (q *queue) compact() {
	live := q.order[:0]

	for _, r := range q.order {
		if s := q.slots[r.idx]; s.live && s.gen == r.gen {
			live = append(live, r)
		}
	}

	q.order = live
}

// each visits live records oldest first.
func (q *queue) each(fn func(models.DeadLetterRecord)) {
	for _, r := range q.order {
		if s := q.slots[r.idx]; s.live && s.gen == r.gen {
			fn(s.record)
		}
	}
}
