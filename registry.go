package stm

import "github.com/google/btree"

// slotState tracks whether the user currently holds a live handle for a
// tracked variable, or whether it has been released back to the registry.
type slotState uint8

const (
	slotInUse slotState = iota
	slotBuffered
)

// registrySlot is the registry's per-variable bookkeeping entry. It holds
// the type-erased txVar (the Go analogue of the "Box<dyn Any>" downcast
// described in the design notes: the concrete Track*/Handle functions are
// the only place that ever assert it back to a concrete type, and that
// assertion is safe because a VarID is bound to exactly one concrete
// container type for its lifetime).
type registrySlot struct {
	varID VarID
	state slotState
	tv    txVar
}

// registry is the ordered VarID -> slot map a running transaction owns.
// It is backed by a B-tree rather than a plain Go map so that Phase L of
// commit can iterate tracked variables in ascending VarID order without a
// separate sort step; that ascending order is what makes two transactions
// touching an overlapping variable set deadlock-free (see Tx.commit in
// tx.go).
type registry struct {
	tree *btree.BTreeG[*registrySlot]
}

func newRegistry() *registry {
	less := func(a, b *registrySlot) bool { return a.varID < b.varID }
	return &registry{tree: btree.NewG[*registrySlot](32, less)}
}

func (r *registry) get(id VarID) (*registrySlot, bool) {
	return r.tree.Get(&registrySlot{varID: id})
}

func (r *registry) put(s *registrySlot) {
	r.tree.ReplaceOrInsert(s)
}

// ascend returns every tracked slot in ascending VarID order.
func (r *registry) ascend() []*registrySlot {
	slots := make([]*registrySlot, 0, r.tree.Len())
	r.tree.Ascend(func(s *registrySlot) bool {
		slots = append(slots, s)
		return true
	})
	return slots
}
