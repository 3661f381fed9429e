package worker

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/taskgate/internal/broker"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

// batchLimiter caps how many jobs of one batch run at once. A delivery that
// finds its batch full is parked here instead of holding a Worker; when a
// running job of the batch finishes, its slot passes to the oldest parked
// delivery and the finishing Worker runs it next. The limit of a batch is
// fixed by the first delivery seen while the batch has holders.
type batchLimiter struct {
	mu      sync.Mutex
	batches map[string]*batchSlot
}

type batchSlot struct {
	sem    *semaphore.Weighted
	held   int
	parked []broker.Delivery
}

// batchTicket is one held slot of a batch. A nil ticket stands for a job
// without a batch.
type batchTicket struct {
	l       *batchLimiter
	batchID string
	slot    *batchSlot
}

func newBatchLimiter() *batchLimiter {
	return &batchLimiter{batches: make(map[string]*batchSlot)}
}

// TryAcquire takes a slot of d's batch without waiting. When the batch is
// full, d is parked and ok is false.
func (l *batchLimiter) TryAcquire(d broker.Delivery) (ticket *batchTicket, ok bool) {
	batchID := d.Message.BatchID
	if batchID == "" {
		return nil, true
	}
	limit := d.Message.BatchMaxParallel
	if limit <= 0 {
		limit = types.DefaultBatchMaxParallel
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	slot, found := l.batches[batchID]
	if !found {
		slot = &batchSlot{sem: semaphore.NewWeighted(int64(limit))}
		l.batches[batchID] = slot
	}
	if !slot.sem.TryAcquire(1) {
		slot.parked = append(slot.parked, d)
		return nil, false
	}
	slot.held++
	return &batchTicket{l: l, batchID: batchID, slot: slot}, true
}

// Release gives up the slot. With handoff set and a delivery parked on the
// batch, the slot is kept for that delivery, which is returned.
func (t *batchTicket) Release(handoff bool) (next broker.Delivery, ok bool) {
	if t == nil {
		return broker.Delivery{}, false
	}
	l, slot := t.l, t.slot

	l.mu.Lock()
	defer l.mu.Unlock()

	if handoff && len(slot.parked) > 0 {
		next = slot.parked[0]
		slot.parked[0] = broker.Delivery{}
		slot.parked = slot.parked[1:]
		return next, true
	}

	slot.sem.Release(1)
	slot.held--
	if slot.held == 0 && l.batches[t.batchID] == slot {
		// Anything still parked stays unacked and is redelivered.
		delete(l.batches, t.batchID)
	}
	return broker.Delivery{}, false
}

// active returns the number of batches currently tracked.
func (l *batchLimiter) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batches)
}

// parked returns the number of deliveries waiting for a batch slot.
func (l *batchLimiter) parked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.batches {
		n += len(s.parked)
	}
	return n
}
