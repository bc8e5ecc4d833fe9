package stm

import "testing"

func TestTxAbortHasNoSideEffects(t *testing.T) {
	c := NewCell(1)

	_, err := Run(func(tx *Tx) (struct{}, error) {
		h, err := TrackCell(tx, c)
		if err != nil {
			return struct{}{}, err
		}
		defer h.Close()
		*h.GetMut() = 99
		tx.Abort()
		return struct{}{}, nil
	})
	if err == nil {
		t.Fatal("expected AbortedError")
	}
	if _, ok := err.(*AbortedError); !ok {
		t.Fatalf("expected *AbortedError, got %T: %v", err, err)
	}

	got, err := Run(func(tx *Tx) (int, error) {
		h, err := TrackCell(tx, c)
		if err != nil {
			return 0, err
		}
		defer h.Close()
		return h.Get(), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected the abort to leave the cell unchanged at 1, got %d", got)
	}
}

func TestTxAbortWithWrapsCause(t *testing.T) {
	cause := &AttemptsExhaustedError{Attempts: 3}
	_, err := Run(func(tx *Tx) (struct{}, error) {
		tx.AbortWith(cause)
		return struct{}{}, nil
	})

	aborted, ok := err.(*AbortedError)
	if !ok {
		t.Fatalf("expected *AbortedError, got %T: %v", err, err)
	}
	if aborted.Unwrap() != cause {
		t.Fatalf("expected unwrapped cause to be the original error")
	}
}

func TestTxCommitNoTrackedVariables(t *testing.T) {
	got, err := Run(func(tx *Tx) (int, error) {
		return 7, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestTrackAll(t *testing.T) {
	a := NewCell(1)
	b := NewQueue[int]()

	_, err := Run(func(tx *Tx) (struct{}, error) {
		var ah *CellHandle[int]
		var bh *QueueHandle[int]
		err := TrackAll(
			func() (err error) { ah, err = TrackCell(tx, a); return },
			func() (err error) { bh, err = TrackQueue(tx, b); return },
		)
		if err != nil {
			return struct{}{}, err
		}
		defer ah.Close()
		defer bh.Close()
		bh.Push(ah.Get())
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := Run(func(tx *Tx) (int, error) {
		h, err := TrackQueue(tx, b)
		if err != nil {
			return 0, err
		}
		defer h.Close()
		v, _, err := h.Pop()
		return v, err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}
