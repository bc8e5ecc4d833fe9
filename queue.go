package stm

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Queue is an atomic FIFO container.
type Queue[T any] struct {
	varID VarID
	slot  *queueSlot[T]
}

type queueSlot[T any] struct {
	mu      sync.RWMutex
	version versionID
	data    []T
}

// NewQueue creates a new, empty Queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{varID: newVarID(), slot: &queueSlot[T]{}}
}

// NewQueueFrom creates a Queue preloaded with items, in order.
func NewQueueFrom[T any](items []T) *Queue[T] {
	data := make([]T, len(items))
	copy(data, items)
	return &Queue[T]{varID: newVarID(), slot: &queueSlot[T]{data: data}}
}

// VarID returns the queue's process-wide unique identifier.
func (q *Queue[T]) VarID() VarID { return q.varID }

func (q *Queue[T]) openTx() txVar {
	q.slot.mu.RLock()
	initial := q.slot.version
	q.slot.mu.RUnlock()
	return &txQueue[T]{initialVersion: initial, slot: q.slot}
}

func (q *Queue[T]) String() string {
	return fmt.Sprintf("Queue[%T](%s)", *new(T), q.varID)
}

// txQueue is Queue's per-transaction working copy: a front cursor into the
// snapshot plus a pending push suffix.
type txQueue[T any] struct {
	initialVersion versionID
	slot           *queueSlot[T]
	frontCursor    int
	pushed         []T
}

// readAt re-reads the shared snapshot under a single read-lock acquisition:
// it version-checks and reads data[i] (if in range) together, so the
// version validated and the element returned always come from the same
// critical section rather than two independently-locked reads that a
// concurrent commit could land between.
func (tq *txQueue[T]) readAt(i int) (item T, itemOK bool, length int, err error) {
	tq.slot.mu.RLock()
	defer tq.slot.mu.RUnlock()
	if tq.initialVersion != tq.slot.version {
		var zero T
		return zero, false, 0, errConcurrentUpdate
	}
	length = len(tq.slot.data)
	if i >= 0 && i < length {
		return tq.slot.data[i], true, length, nil
	}
	var zero T
	return zero, false, length, nil
}

func (tq *txQueue[T]) lock() lockedTxVar {
	dirty := tq.frontCursor > 0 || len(tq.pushed) > 0
	if dirty {
		tq.slot.mu.Lock()
		return &lockedTxQueue[T]{tq: tq, write: true}
	}
	tq.slot.mu.RLock()
	return &lockedTxQueue[T]{tq: tq, write: false}
}

type lockedTxQueue[T any] struct {
	tq    *txQueue[T]
	write bool
}

func (l *lockedTxQueue[T]) canCommit() bool {
	return l.tq.initialVersion == l.tq.slot.version
}

func (l *lockedTxQueue[T]) commit() {
	if !l.write {
		return
	}
	s := l.tq.slot
	newData := make([]T, 0, len(s.data)-l.tq.frontCursor+len(l.tq.pushed))
	newData = append(newData, s.data[l.tq.frontCursor:]...)
	newData = append(newData, l.tq.pushed...)
	s.data = newData
	s.version++
}

func (l *lockedTxQueue[T]) unlock() {
	if l.write {
		l.tq.slot.mu.Unlock()
	} else {
		l.tq.slot.mu.RUnlock()
	}
}

// QueueHandle is the user-facing handle for a Queue tracked by a
// transaction. It must be released with Close before the transaction
// returns.
type QueueHandle[T any] struct {
	tx       *Tx
	varID    VarID
	tq       *txQueue[T]
	released bool
}

// TrackQueue registers q with tx, reusing its buffered working copy if the
// transaction already opened one earlier in this attempt.
func TrackQueue[T any](tx *Tx, q *Queue[T]) (*QueueHandle[T], error) {
	tv, err := tx.track(q)
	if err != nil {
		return nil, err
	}
	h := &QueueHandle[T]{tx: tx, varID: q.varID, tq: tv.(*txQueue[T])}
	runtime.SetFinalizer(h, func(h *QueueHandle[T]) {
		if !h.released {
			getDefaultLogger().Warn("stm: queue handle garbage-collected without Close", zap.Stringer("var_id", h.varID))
		}
	})
	return h, nil
}

// Push enqueues an item. It never touches the shared container; the push
// is buffered until commit.
func (h *QueueHandle[T]) Push(item T) {
	h.tq.pushed = append(h.tq.pushed, item)
}

// Pop dequeues the next item, re-checking the container's version first
// (early abort on a stale read). ok is false when the queue is empty.
func (h *QueueHandle[T]) Pop() (item T, ok bool, err error) {
	v, found, _, err := h.tq.readAt(h.tq.frontCursor)
	if err != nil {
		return item, false, err
	}
	if found {
		h.tq.frontCursor++
		return v, true, nil
	}
	if len(h.tq.pushed) > 0 {
		v := h.tq.pushed[0]
		h.tq.pushed = h.tq.pushed[1:]
		return v, true, nil
	}
	var zero T
	return zero, false, nil
}

// Peek returns the next element to be dequeued without consuming it.
func (h *QueueHandle[T]) Peek() (item T, ok bool, err error) {
	v, found, _, err := h.tq.readAt(h.tq.frontCursor)
	if err != nil {
		return item, false, err
	}
	if found {
		return v, true, nil
	}
	if len(h.tq.pushed) > 0 {
		return h.tq.pushed[0], true, nil
	}
	var zero T
	return zero, false, nil
}

// IsEmpty reports whether the queue has no more items to dequeue.
func (h *QueueHandle[T]) IsEmpty() (bool, error) {
	_, found, _, err := h.tq.readAt(h.tq.frontCursor)
	if err != nil {
		return false, err
	}
	return !found && len(h.tq.pushed) == 0, nil
}

// Iter returns an iterator over the remaining items, snapshot items first
// then pushed items. Each call to Next re-reads the shared container and
// re-checks its version, so a conflicting concurrent commit is detected as
// soon as the iterator steps past it rather than only at the transaction's
// own commit.
func (h *QueueHandle[T]) Iter() *QueueIter[T] {
	return &QueueIter[T]{tq: h.tq, cursor: 0}
}

// QueueIter iterates a QueueHandle's remaining items.
type QueueIter[T any] struct {
	tq     *txQueue[T]
	cursor int
}

// Next returns the next item, or ok=false when iteration is exhausted.
func (it *QueueIter[T]) Next() (item T, ok bool, err error) {
	position := it.cursor + it.tq.frontCursor
	v, found, length, err := it.tq.readAt(position)
	if err != nil {
		return item, false, err
	}
	if found {
		it.cursor++
		return v, true, nil
	}
	pushedIdx := position - length
	if pushedIdx >= 0 && pushedIdx < len(it.tq.pushed) {
		it.cursor++
		return it.tq.pushed[pushedIdx], true, nil
	}
	var zero T
	return zero, false, nil
}

// Close returns the handle's working copy to the transaction's registry.
func (h *QueueHandle[T]) Close() {
	if h.released {
		return
	}
	h.released = true
	h.tx.release(h.varID)
	runtime.SetFinalizer(h, nil)
}
