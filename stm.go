// Package stm implements software transactional memory over three
// composable shared containers: Cell (a single slot), Queue (a FIFO), and
// Map (an ordered key/value store).
//
// Application code groups reads and writes against any number of these
// containers inside a closure passed to Run or RunWithOptions. The closure
// runs speculatively against a private working copy of each container it
// tracks; when the closure returns successfully, the runtime validates and
// publishes the accumulated writes in one atomic step, or transparently
// retries the whole closure if another transaction committed conflicting
// writes in the meantime.
package stm

import (
	"fmt"
	"sync/atomic"
)

// VarID is a process-wide unique identifier assigned to a shared container
// at construction time. It imposes the total order transactions use to
// acquire container locks during commit, which is what makes two
// transactions touching an overlapping set of containers deadlock-free.
type VarID uint64

var varIDCounter uint64

func newVarID() VarID {
	return VarID(atomic.AddUint64(&varIDCounter, 1))
}

func (id VarID) String() string {
	return fmt.Sprintf("var#%d", uint64(id))
}

// AlreadyTrackingError is returned by TrackCell/TrackQueue/TrackMap when the
// calling transaction already holds a live handle for the same variable.
// This is a programmer-misuse error: it is never retried.
type AlreadyTrackingError struct {
	VarID VarID
}

func (e *AlreadyTrackingError) Error() string {
	return fmt.Sprintf("stm: transaction is already tracking %s; the previous handle must be closed before tracking it again", e.VarID)
}

// AttemptsExhaustedError is returned when a transaction failed to commit
// after exhausting its configured attempt budget.
type AttemptsExhaustedError struct {
	Attempts int
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("stm: transaction did not commit within %d attempt(s)", e.Attempts)
}

// AbortedError wraps the payload passed to Tx.AbortWith, or the error
// returned by a closure after calling Tx.Abort. Aborted transactions are
// terminal: the runner does not retry them.
type AbortedError struct {
	Err error
}

func (e *AbortedError) Error() string {
	if e.Err == nil {
		return "stm: transaction aborted"
	}
	return fmt.Sprintf("stm: transaction aborted: %s", e.Err)
}

func (e *AbortedError) Unwrap() error {
	return e.Err
}

// errConcurrentUpdate is raised internally by container reads (early abort).
// The runner consumes it to trigger a retry, just as it retries when
// commit-phase validation fails (Tx.commit returning false); it is never
// returned from Run or RunWithOptions.
var errConcurrentUpdate = concurrentUpdateError{}

type concurrentUpdateError struct{}

func (concurrentUpdateError) Error() string {
	return "stm: concurrent update detected, transaction must retry"
}
