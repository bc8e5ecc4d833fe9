package stm

import (
	"cmp"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"
)

// Map is an atomic container holding an ordered K -> V mapping.
type Map[K cmp.Ordered, V any] struct {
	varID VarID
	slot  *mapSlot[K, V]
}

type mapEntry[K cmp.Ordered, V any] struct {
	key   K
	value V
}

type mapSlot[K cmp.Ordered, V any] struct {
	mu      sync.RWMutex
	version versionID
	tree    *btree.BTreeG[mapEntry[K, V]]
}

func newMapTree[K cmp.Ordered, V any]() *btree.BTreeG[mapEntry[K, V]] {
	less := func(a, b mapEntry[K, V]) bool { return a.key < b.key }
	return btree.NewG[mapEntry[K, V]](32, less)
}

// NewMap creates a new, empty Map.
func NewMap[K cmp.Ordered, V any]() *Map[K, V] {
	return &Map[K, V]{varID: newVarID(), slot: &mapSlot[K, V]{tree: newMapTree[K, V]()}}
}

// NewMapFrom creates a Map preloaded with the given key/value pairs.
func NewMapFrom[K cmp.Ordered, V any](pairs map[K]V) *Map[K, V] {
	tree := newMapTree[K, V]()
	for k, v := range pairs {
		tree.ReplaceOrInsert(mapEntry[K, V]{key: k, value: v})
	}
	return &Map[K, V]{varID: newVarID(), slot: &mapSlot[K, V]{tree: tree}}
}

// VarID returns the map's process-wide unique identifier.
func (m *Map[K, V]) VarID() VarID { return m.varID }

func (m *Map[K, V]) openTx() txVar {
	m.slot.mu.RLock()
	initial := m.slot.version
	m.slot.mu.RUnlock()
	return &txMap[K, V]{
		initialVersion: initial,
		slot:           m.slot,
		overlay:        make(map[K]*V),
		tombstones:     make(map[K]struct{}),
	}
}

func (m *Map[K, V]) String() string {
	return fmt.Sprintf("Map[%T,%T](%s)", *new(K), *new(V), m.varID)
}

// txMap is Map's per-transaction working copy: an overlay of insertions
// plus a set of tombstoned keys, both applied on top of the shared tree.
type txMap[K cmp.Ordered, V any] struct {
	initialVersion versionID
	slot           *mapSlot[K, V]
	overlay        map[K]*V
	tombstones     map[K]struct{}
}

func (tm *txMap[K, V]) lock() lockedTxVar {
	dirty := len(tm.overlay) > 0 || len(tm.tombstones) > 0
	if dirty {
		tm.slot.mu.Lock()
		return &lockedTxMap[K, V]{tm: tm, write: true}
	}
	tm.slot.mu.RLock()
	return &lockedTxMap[K, V]{tm: tm, write: false}
}

type lockedTxMap[K cmp.Ordered, V any] struct {
	tm    *txMap[K, V]
	write bool
}

func (l *lockedTxMap[K, V]) canCommit() bool {
	return l.tm.initialVersion == l.tm.slot.version
}

func (l *lockedTxMap[K, V]) commit() {
	if !l.write {
		return
	}
	s := l.tm.slot
	for k := range l.tm.tombstones {
		s.tree.Delete(mapEntry[K, V]{key: k})
	}
	for k, v := range l.tm.overlay {
		s.tree.ReplaceOrInsert(mapEntry[K, V]{key: k, value: *v})
	}
	s.version++
}

func (l *lockedTxMap[K, V]) unlock() {
	if l.write {
		l.tm.slot.mu.Unlock()
	} else {
		l.tm.slot.mu.RUnlock()
	}
}

// readShared looks key up in the shared tree under a read lock, raising
// errConcurrentUpdate if the map has moved on from the transaction's
// initial version.
func (tm *txMap[K, V]) readShared(key K) (V, bool, error) {
	tm.slot.mu.RLock()
	defer tm.slot.mu.RUnlock()
	var zero V
	if tm.initialVersion != tm.slot.version {
		return zero, false, errConcurrentUpdate
	}
	e, ok := tm.slot.tree.Get(mapEntry[K, V]{key: key})
	if !ok {
		return zero, false, nil
	}
	return e.value, true, nil
}

func (tm *txMap[K, V]) sharedMinNotTombstoned() (K, bool, error) {
	tm.slot.mu.RLock()
	defer tm.slot.mu.RUnlock()
	var zero K
	if tm.initialVersion != tm.slot.version {
		return zero, false, errConcurrentUpdate
	}
	var found bool
	tm.slot.tree.Ascend(func(e mapEntry[K, V]) bool {
		if _, tomb := tm.tombstones[e.key]; tomb {
			return true
		}
		zero, found = e.key, true
		return false
	})
	return zero, found, nil
}

// MapHandle is the user-facing handle for a Map tracked by a transaction.
// It must be released with Close before the transaction returns.
type MapHandle[K cmp.Ordered, V any] struct {
	tx       *Tx
	varID    VarID
	tm       *txMap[K, V]
	released bool
}

// TrackMap registers m with tx, reusing its buffered working copy if the
// transaction already opened one earlier in this attempt.
func TrackMap[K cmp.Ordered, V any](tx *Tx, m *Map[K, V]) (*MapHandle[K, V], error) {
	tv, err := tx.track(m)
	if err != nil {
		return nil, err
	}
	h := &MapHandle[K, V]{tx: tx, varID: m.varID, tm: tv.(*txMap[K, V])}
	runtime.SetFinalizer(h, func(h *MapHandle[K, V]) {
		if !h.released {
			getDefaultLogger().Warn("stm: map handle garbage-collected without Close", zap.Stringer("var_id", h.varID))
		}
	})
	return h, nil
}

// Insert adds or overwrites key's value in the overlay.
func (h *MapHandle[K, V]) Insert(key K, value V) {
	delete(h.tm.tombstones, key)
	v := value
	h.tm.overlay[key] = &v
}

// Remove deletes key from the overlay and always records it as a
// tombstone, whether or not the key exists in the shared tree.
func (h *MapHandle[K, V]) Remove(key K) {
	delete(h.tm.overlay, key)
	h.tm.tombstones[key] = struct{}{}
}

// Get returns key's value, consulting the overlay first, then the
// tombstone set, then the shared tree (with an early-abort version check).
func (h *MapHandle[K, V]) Get(key K) (V, bool, error) {
	if v, ok := h.tm.overlay[key]; ok {
		return *v, true, nil
	}
	if _, tomb := h.tm.tombstones[key]; tomb {
		var zero V
		return zero, false, nil
	}
	return h.tm.readShared(key)
}

// GetMut returns a mutable pointer to key's value, promoting a shared
// entry into the overlay if necessary so the mutation can be tracked as a
// write. ok is false if the key is absent.
func (h *MapHandle[K, V]) GetMut(key K) (*V, bool, error) {
	if v, ok := h.tm.overlay[key]; ok {
		return v, true, nil
	}
	if _, tomb := h.tm.tombstones[key]; tomb {
		return nil, false, nil
	}
	v, found, err := h.tm.readShared(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	box := v
	h.tm.overlay[key] = &box
	return &box, true, nil
}

// ContainsKey reports whether key is present (overlay ∪ shared \
// tombstones).
func (h *MapHandle[K, V]) ContainsKey(key K) (bool, error) {
	if _, ok := h.tm.overlay[key]; ok {
		return true, nil
	}
	if _, tomb := h.tm.tombstones[key]; tomb {
		return false, nil
	}
	_, found, err := h.tm.readShared(key)
	return found, err
}

// FirstKey returns the minimum key across the overlay and the shared tree
// (excluding tombstoned keys). ok is false when the map is empty.
func (h *MapHandle[K, V]) FirstKey() (K, bool, error) {
	sharedMin, sharedFound, err := h.tm.sharedMinNotTombstoned()
	if err != nil {
		var zero K
		return zero, false, err
	}

	var overlayMin K
	overlayFound := false
	for k := range h.tm.overlay {
		if !overlayFound || k < overlayMin {
			overlayMin, overlayFound = k, true
		}
	}

	switch {
	case overlayFound && sharedFound:
		if overlayMin < sharedMin {
			return overlayMin, true, nil
		}
		return sharedMin, true, nil
	case overlayFound:
		return overlayMin, true, nil
	case sharedFound:
		return sharedMin, true, nil
	default:
		var zero K
		return zero, false, nil
	}
}

// MapIter iterates a MapHandle's entries in ascending key order, merging
// the overlay (which wins ties) with the shared tree filtered by
// tombstones.
type MapIter[K cmp.Ordered, V any] struct {
	tm            *txMap[K, V]
	overlayKeys   []K
	overlayIdx    int
	lastShared    K
	haveLastShare bool
}

// Iter returns an iterator over the map's current entries.
func (h *MapHandle[K, V]) Iter() *MapIter[K, V] {
	keys := make([]K, 0, len(h.tm.overlay))
	for k := range h.tm.overlay {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return &MapIter[K, V]{tm: h.tm, overlayKeys: keys}
}

// Next returns the next key/value pair in ascending key order, or
// ok=false when iteration is exhausted.
func (it *MapIter[K, V]) Next() (key K, value V, ok bool, err error) {
	tm := it.tm

	sharedKey, sharedVal, sharedFound, err := it.nextShared()
	if err != nil {
		return key, value, false, err
	}

	var overlayKey K
	var overlayFound bool
	if it.overlayIdx < len(it.overlayKeys) {
		overlayKey = it.overlayKeys[it.overlayIdx]
		overlayFound = true
	}

	switch {
	case overlayFound && (!sharedFound || overlayKey <= sharedKey):
		it.overlayIdx++
		return overlayKey, *tm.overlay[overlayKey], true, nil
	case sharedFound:
		it.lastShared, it.haveLastShare = sharedKey, true
		return sharedKey, sharedVal, true, nil
	default:
		return key, value, false, nil
	}
}

// nextShared re-acquires the shared read lock, re-checks the version, and
// scans ascending for the first key greater than the last one returned
// from the shared side that isn't tombstoned and isn't shadowed by the
// overlay (an overlay entry for the same key always wins the merge, so the
// shared side must not surface it too).
func (it *MapIter[K, V]) nextShared() (key K, value V, found bool, err error) {
	tm := it.tm
	tm.slot.mu.RLock()
	defer tm.slot.mu.RUnlock()

	if tm.initialVersion != tm.slot.version {
		return key, value, false, errConcurrentUpdate
	}

	tm.slot.tree.Ascend(func(e mapEntry[K, V]) bool {
		if it.haveLastShare && e.key <= it.lastShared {
			return true
		}
		if _, tomb := tm.tombstones[e.key]; tomb {
			return true
		}
		if _, shadowed := tm.overlay[e.key]; shadowed {
			return true
		}
		key, value, found = e.key, e.value, true
		return false
	})
	return key, value, found, nil
}

// Close returns the handle's working copy to the transaction's registry.
func (h *MapHandle[K, V]) Close() {
	if h.released {
		return
	}
	h.released = true
	h.tx.release(h.varID)
	runtime.SetFinalizer(h, nil)
}
