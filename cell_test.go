package stm

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCellGetSet(t *testing.T) {
	c := NewCell(5)

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
	if got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}

	_, err = Run(func(tx *Tx) (struct{}, error) {
		h, err := TrackCell(tx, c)
		if err != nil {
			return struct{}{}, err
		}
		defer h.Close()
		*h.GetMut() = 42
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err = Run(func(tx *Tx) (int, error) {
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
	if got != 42 {
		t.Fatalf("expected 42 after commit, got %d", got)
	}
}

func TestCellTake(t *testing.T) {
	c := NewCell("payload")

	taken, err := Run(func(tx *Tx) (string, error) {
		h, err := TrackCell(tx, c)
		if err != nil {
			return "", err
		}
		defer h.Close()
		return h.Take(), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taken != "payload" {
		t.Fatalf("expected to take 'payload', got %q", taken)
	}

	left, err := Run(func(tx *Tx) (string, error) {
		h, err := TrackCell(tx, c)
		if err != nil {
			return "", err
		}
		defer h.Close()
		return h.Get(), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if left != "" {
		t.Fatalf("expected empty string left behind, got %q", left)
	}
}

// TestCellAlreadyTracking covers the at-most-one-handle property (spec §8).
func TestCellAlreadyTracking(t *testing.T) {
	c := NewCell(0)
	tx := newTx()

	h1, err := TrackCell(tx, c)
	if err != nil {
		t.Fatalf("first track failed: %v", err)
	}

	_, err = TrackCell(tx, c)
	if err == nil {
		t.Fatal("expected AlreadyTrackingError on second track")
	}
	var already *AlreadyTrackingError
	if !errors.As(err, &already) {
		t.Fatalf("expected *AlreadyTrackingError, got %T: %v", err, err)
	}
	if already.VarID != c.VarID() {
		t.Fatalf("expected var id %s, got %s", c.VarID(), already.VarID)
	}

	*h1.GetMut() = 7
	h1.Close()

	// Drop-and-reopen: track should now succeed and see the same working copy.
	h2, err := TrackCell(tx, c)
	if err != nil {
		t.Fatalf("re-track after Close failed: %v", err)
	}
	if got := h2.Get(); got != 7 {
		t.Fatalf("expected re-tracked handle to see uncommitted value 7, got %d", got)
	}
	h2.Close()
}

// TestCellSwapAdd is scenario 1 from spec.md §8: a=5, b=17. T1: a+=b. T2: b+=a.
// Exactly one ordering commits first; the sum of final values is 49 or 61.
func TestCellSwapAdd(t *testing.T) {
	a := NewCell(5)
	b := NewCell(17)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = Run(func(tx *Tx) (struct{}, error) {
			ah, err := TrackCell(tx, a)
			if err != nil {
				return struct{}{}, err
			}
			defer ah.Close()
			bh, err := TrackCell(tx, b)
			if err != nil {
				return struct{}{}, err
			}
			defer bh.Close()
			*ah.GetMut() = ah.Get() + bh.Get()
			return struct{}{}, nil
		})
	}()
	go func() {
		defer wg.Done()
		_, _ = Run(func(tx *Tx) (struct{}, error) {
			bh, err := TrackCell(tx, b)
			if err != nil {
				return struct{}{}, err
			}
			defer bh.Close()
			ah, err := TrackCell(tx, a)
			if err != nil {
				return struct{}{}, err
			}
			defer ah.Close()
			*bh.GetMut() = ah.Get() + bh.Get()
			return struct{}{}, nil
		})
	}()
	wg.Wait()

	finalA, finalB, err := readBothCells(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sum := finalA + finalB
	if sum != 49 && sum != 61 {
		t.Fatalf("expected sum 49 or 61, got %d (a=%d b=%d)", sum, finalA, finalB)
	}
}

func readBothCells(a, b *Cell[int]) (int, int, error) {
	type pair struct{ a, b int }
	p, err := Run(func(tx *Tx) (pair, error) {
		ah, err := TrackCell(tx, a)
		if err != nil {
			return pair{}, err
		}
		defer ah.Close()
		bh, err := TrackCell(tx, b)
		if err != nil {
			return pair{}, err
		}
		defer bh.Close()
		return pair{ah.Get(), bh.Get()}, nil
	})
	return p.a, p.b, err
}

// TestCellConcurrentSum is a scaled-down version of the classic "sum
// counter" atomicity check: many goroutines incrementing a shared cell must
// never lose an update.
func TestCellConcurrentSum(t *testing.T) {
	sum := NewCell(0)

	const goroutines = 8
	const perGoroutine = 500

	// 8-way contention on a single cell with DefaultOptions' zero-backoff
	// retry can burn through the attempt budget before a late goroutine
	// lands a commit; raise Attempts and jitter the retry pause so
	// contending attempts don't retry in lockstep.
	opts := DefaultOptions()
	opts.Attempts = 200
	opts.RetryPause = 50 * time.Microsecond
	opts.PauseJitter = true

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_, err := RunWithOptions(opts, func(tx *Tx) (struct{}, error) {
					h, err := TrackCell(tx, sum)
					if err != nil {
						return struct{}{}, err
					}
					defer h.Close()
					*h.GetMut() = h.Get() + 1
					return struct{}{}, nil
				})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	total, err := Run(func(tx *Tx) (int, error) {
		h, err := TrackCell(tx, sum)
		if err != nil {
			return 0, err
		}
		defer h.Close()
		return h.Get(), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != goroutines*perGoroutine {
		t.Fatalf("expected %d, got %d", goroutines*perGoroutine, total)
	}
}
