package stm

// Tx is the per-attempt transaction executor. It is created fresh for every
// attempt by the runner, mediates the user closure's access to tracked
// containers through the registry, and drives the two-phase commit once the
// closure returns successfully.
//
// A Tx is not safe for concurrent use: it belongs to the single goroutine
// running the closure it was handed to.
type Tx struct {
	reg *registry

	aborted  bool
	abortErr error
}

func newTx() *Tx {
	return &Tx{reg: newRegistry()}
}

// Abort terminates the current attempt without retrying it. The runner
// surfaces this as *AbortedError wrapping the error the closure returned
// (nil if it returned none).
func (tx *Tx) Abort() {
	tx.aborted = true
}

// AbortWith terminates the current attempt without retrying it, carrying
// err as the cause. The runner surfaces this as *AbortedError wrapping err.
func (tx *Tx) AbortWith(err error) {
	tx.aborted = true
	tx.abortErr = err
}

// track registers v with the transaction, reusing a previously buffered
// working copy if one exists, opening a fresh one otherwise. It fails with
// *AlreadyTrackingError if a handle for v is already live.
func (tx *Tx) track(v variable) (txVar, error) {
	id := v.VarID()
	if slot, ok := tx.reg.get(id); ok {
		if slot.state == slotInUse {
			return nil, &AlreadyTrackingError{VarID: id}
		}
		slot.state = slotInUse
		return slot.tv, nil
	}
	tv := v.openTx()
	tx.reg.put(&registrySlot{varID: id, state: slotInUse, tv: tv})
	return tv, nil
}

// release returns a tracked variable's working copy to the registry as
// Buffered, re-enabling track for it. Handle.Close calls this on drop.
func (tx *Tx) release(id VarID) {
	if slot, ok := tx.reg.get(id); ok {
		slot.state = slotBuffered
	}
}

// commit drives the two-phase commit protocol described in spec §4.5:
// Phase L acquires every tracked variable's lock in ascending VarID order,
// Phase V checks that every locked variable is still at the version it was
// opened against, and Phase W applies the buffered deltas. It returns true
// on a successful commit and false when validation failed and the attempt
// must be retried.
func (tx *Tx) commit() bool {
	slots := tx.reg.ascend()
	if len(slots) == 0 {
		return true
	}

	locked := make([]lockedTxVar, 0, len(slots))
	for _, slot := range slots {
		locked = append(locked, slot.tv.lock())
	}

	ok := true
	for _, l := range locked {
		if !l.canCommit() {
			ok = false
			break
		}
	}
	if !ok {
		for _, l := range locked {
			l.unlock()
		}
		return false
	}

	for _, l := range locked {
		l.commit()
	}
	for _, l := range locked {
		l.unlock()
	}
	return true
}

// TrackAll runs each of the given track calls in order, stopping at and
// returning the first error. It is the idiomatic Go stand-in for languages
// that can open several transaction handles in one statement: build each
// closure to assign its tracked handle to an outer variable, e.g.
//
//	var a *stm.CellHandle[int]
//	var b *stm.QueueHandle[string]
//	err := stm.TrackAll(
//		func() (err error) { a, err = stm.TrackCell(tx, cellA); return },
//		func() (err error) { b, err = stm.TrackQueue(tx, queueB); return },
//	)
func TrackAll(fns ...func() error) error {
	for _, fn := range fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
