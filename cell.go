package stm

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Cell is an atomic single-element container. Cloning a Cell (assigning it
// by value; Cell is itself just a VarID plus a pointer to shared storage)
// shares the same underlying lock and data.
type Cell[T any] struct {
	varID VarID
	slot  *cellSlot[T]
}

type cellSlot[T any] struct {
	mu      sync.RWMutex
	version versionID
	value   T
}

// NewCell creates a new Cell holding value.
func NewCell[T any](value T) *Cell[T] {
	return &Cell[T]{
		varID: newVarID(),
		slot:  &cellSlot[T]{value: value},
	}
}

// VarID returns the cell's process-wide unique identifier.
func (c *Cell[T]) VarID() VarID { return c.varID }

func (c *Cell[T]) openTx() txVar {
	c.slot.mu.RLock()
	initial := c.slot.version
	value := c.slot.value
	c.slot.mu.RUnlock()
	return &txCell[T]{
		initialVersion: initial,
		slot:           c.slot,
		value:          value,
	}
}

func (c *Cell[T]) String() string {
	return fmt.Sprintf("Cell[%T](%s)", *new(T), c.varID)
}

// txCell is Cell's per-transaction working copy: a full-overwrite delta.
type txCell[T any] struct {
	initialVersion versionID
	slot           *cellSlot[T]
	value          T
	dirty          bool
}

func (tc *txCell[T]) lock() lockedTxVar {
	if tc.dirty {
		tc.slot.mu.Lock()
		return &lockedTxCell[T]{tc: tc, write: true}
	}
	tc.slot.mu.RLock()
	return &lockedTxCell[T]{tc: tc, write: false}
}

type lockedTxCell[T any] struct {
	tc    *txCell[T]
	write bool
}

func (l *lockedTxCell[T]) canCommit() bool {
	return l.tc.initialVersion == l.tc.slot.version
}

func (l *lockedTxCell[T]) commit() {
	if !l.write {
		return
	}
	l.tc.slot.version++
	l.tc.slot.value, l.tc.value = l.tc.value, l.tc.slot.value
}

func (l *lockedTxCell[T]) unlock() {
	if l.write {
		l.tc.slot.mu.Unlock()
	} else {
		l.tc.slot.mu.RUnlock()
	}
}

// CellHandle is the user-facing handle for a Cell tracked by a transaction.
// It must be released with Close before the transaction returns; the
// convention is `defer h.Close()` immediately after a successful
// TrackCell call.
type CellHandle[T any] struct {
	tx       *Tx
	varID    VarID
	tc       *txCell[T]
	released bool
}

// TrackCell registers c with tx, reusing its buffered working copy if the
// transaction already opened one earlier in this attempt. It fails with
// *AlreadyTrackingError if a handle for c is already live.
func TrackCell[T any](tx *Tx, c *Cell[T]) (*CellHandle[T], error) {
	tv, err := tx.track(c)
	if err != nil {
		return nil, err
	}
	h := &CellHandle[T]{tx: tx, varID: c.varID, tc: tv.(*txCell[T])}
	runtime.SetFinalizer(h, func(h *CellHandle[T]) {
		if !h.released {
			getDefaultLogger().Warn("stm: cell handle garbage-collected without Close", zap.Stringer("var_id", h.varID))
		}
	})
	return h, nil
}

// Get returns the in-transaction value of the cell.
func (h *CellHandle[T]) Get() T {
	return h.tc.value
}

// GetMut returns a mutable pointer to the in-transaction value and marks
// the cell dirty, so commit takes a write lock on it.
func (h *CellHandle[T]) GetMut() *T {
	h.tc.dirty = true
	return &h.tc.value
}

// Take takes the in-transaction value out of the cell, leaving the zero
// value of T, and marks the cell dirty.
func (h *CellHandle[T]) Take() T {
	h.tc.dirty = true
	old := h.tc.value
	var zero T
	h.tc.value = zero
	return old
}

// Close returns the handle's working copy to the transaction's registry.
// It is idempotent; calling it more than once is a no-op.
func (h *CellHandle[T]) Close() {
	if h.released {
		return
	}
	h.released = true
	h.tx.release(h.varID)
	runtime.SetFinalizer(h, nil)
}
