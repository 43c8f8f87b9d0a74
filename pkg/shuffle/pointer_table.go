package shuffle

import "sort"

// PointerTable is a page-sized, append-only array of RecordPointers.
// Its capacity is fixed at construction to page_size / pointer_size
// (spec.md §4.2) so that a single intra-table sort has bounded cost;
// an InputPartition emits many such bounded-time sorts instead of one
// unbounded sort over the whole partition.
//
// A PointerTable is append-only until Seal; the owning InputPartition
// sorts it in place once, just before sealing it, and it is not changed
// after that.
type PointerTable struct {
	ptrs   []RecordPointer
	sealed bool
}

// NewPointerTable allocates a table with room for capacity pointers.
func NewPointerTable(capacity int) *PointerTable {
	return &PointerTable{ptrs: make([]RecordPointer, 0, capacity)}
}

// Len returns the number of pointers currently stored.
func (t *PointerTable) Len() int { return len(t.ptrs) }

// Cap returns the table's fixed capacity.
func (t *PointerTable) Cap() int { return cap(t.ptrs) }

// Full reports whether Len == Cap.
func (t *PointerTable) Full() bool { return len(t.ptrs) == cap(t.ptrs) }

// EmplaceBack appends p. The caller must not call this after Seal, nor
// once Full reports true.
func (t *PointerTable) EmplaceBack(p RecordPointer) {
	invariant(!t.sealed, "PointerTable.EmplaceBack", "table already sealed")
	invariant(len(t.ptrs) < cap(t.ptrs), "PointerTable.EmplaceBack", "table already full")
	t.ptrs = append(t.ptrs, p)
}

// Seal marks the table immutable for append; Sort may still be called
// exactly once afterward.
func (t *PointerTable) Seal() { t.sealed = true }

// Sealed reports whether Seal has been called.
func (t *PointerTable) Sealed() bool { return t.sealed }

// Sort orders the table's pointers in place using less, a strict weak
// ordering over two RecordPointers. Equal keys are stable only within
// this single table's sort; cross-table stability across an
// InputPartition's several sealed tables is not provided, matching
// spec.md §4.4.
func (t *PointerTable) Sort(less func(a, b RecordPointer) bool) {
	sort.SliceStable(t.ptrs, func(i, j int) bool { return less(t.ptrs[i], t.ptrs[j]) })
}

// At returns the pointer at index i.
func (t *PointerTable) At(i int) RecordPointer { return t.ptrs[i] }

// Pointers exposes the full backing slice for iteration (e.g. by the
// sorted-vector reader, which concatenates every table's pointers).
// Callers must not mutate the returned slice.
func (t *PointerTable) Pointers() []RecordPointer { return t.ptrs }
