package queue

import (
	"sync"
	"time"

	"signalmesh/internal/proto"
)

const (
	DefaultCapacity = 1000
	// Emergency traffic gets its own buffer sized as a fraction of capacity.
	emergencyShare = 0.1
)

// Item is a queued outbound message. From is the peer it arrived from, empty
// for locally originated traffic.
type Item struct {
	Msg        *proto.Message
	From       string
	EnqueuedAt time.Time
}

type Stats struct {
	Emergency int
	Normal    int
	Expired   uint64
	Evicted   uint64
	Rejected  uint64
}

// Queue is a two-class outbound buffer. Emergency items always leave first.
// Normal items are kept sorted by descending kind priority, then insertion
// order. Expired items are discarded lazily on Dequeue.
type Queue struct {
	mu           sync.Mutex
	emergency    []Item
	normal       []Item
	emergencyCap int
	normalCap    int

	expired  uint64
	evicted  uint64
	rejected uint64
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ecap := int(float64(capacity) * emergencyShare)
	if ecap < 1 {
		ecap = 1
	}
	ncap := capacity - ecap
	if ncap < 1 {
		ncap = 1
	}
	return &Queue{emergencyCap: ecap, normalCap: ncap}
}

// Enqueue adds an item. It reports false when the item was rejected because
// the normal buffer is full of equal or higher priority traffic.
func (q *Queue) Enqueue(it Item) bool {
	if it.Msg == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.Msg.Kind.Emergency() {
		if len(q.emergency) >= q.emergencyCap {
			q.emergency = q.emergency[1:]
			q.evicted++
		}
		q.emergency = append(q.emergency, it)
		return true
	}
	prio := it.Msg.Kind.Priority()
	if len(q.normal) >= q.normalCap {
		last := q.normal[len(q.normal)-1]
		if last.Msg.Kind.Priority() >= prio {
			q.rejected++
			return false
		}
		q.normal = q.normal[:len(q.normal)-1]
		q.evicted++
	}
	// Insert after every item with priority >= prio.
	idx := len(q.normal)
	for i, cur := range q.normal {
		if cur.Msg.Kind.Priority() < prio {
			idx = i
			break
		}
	}
	q.normal = append(q.normal, Item{})
	copy(q.normal[idx+1:], q.normal[idx:])
	q.normal[idx] = it
	return true
}

// Dequeue purges expired items and returns the next one to send.
func (q *Queue) Dequeue(now time.Time) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.emergency = q.purgeLocked(q.emergency, now)
	q.normal = q.purgeLocked(q.normal, now)
	if len(q.emergency) > 0 {
		it := q.emergency[0]
		q.emergency[0] = Item{}
		q.emergency = q.emergency[1:]
		return it, true
	}
	if len(q.normal) > 0 {
		it := q.normal[0]
		q.normal[0] = Item{}
		q.normal = q.normal[1:]
		return it, true
	}
	return Item{}, false
}

func (q *Queue) purgeLocked(items []Item, now time.Time) []Item {
	kept := items[:0]
	for _, it := range items {
		if it.Msg.Expired(now) {
			q.expired++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(items); i++ {
		items[i] = Item{}
	}
	return kept
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.emergency) + len(q.normal)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Emergency: len(q.emergency),
		Normal:    len(q.normal),
		Expired:   q.expired,
		Evicted:   q.evicted,
		Rejected:  q.rejected,
	}
}
