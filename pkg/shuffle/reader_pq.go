package shuffle

import "container/heap"

// pqCursor walks one sealed, already-sorted PointerTable.
type pqCursor struct {
	store *ArenaRecordStore
	table *PointerTable
	idx   int
}

func (c *pqCursor) done() bool { return c.idx >= c.table.Len() }
func (c *pqCursor) ptr() RecordPointer { return c.table.At(c.idx) }

type pqHeap struct {
	cursors []*pqCursor
	info    *ShuffleInfo
}

func (h *pqHeap) Len() int { return len(h.cursors) }
func (h *pqHeap) Less(i, j int) bool {
	a, b := h.cursors[i], h.cursors[j]
	return h.info.Less(a.store, a.ptr(), b.store, b.ptr())
}
func (h *pqHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *pqHeap) Push(x any) { h.cursors = append(h.cursors, x.(*pqCursor)) }
func (h *pqHeap) Pop() any {
	n := len(h.cursors)
	c := h.cursors[n-1]
	h.cursors = h.cursors[:n-1]
	return c
}

// PQGroupReader merges every sealed, per-table-sorted PointerTable
// across a Source's GroupInputPartitions with a min-heap: the classic
// k-way external-merge strategy (spec.md §4.4's priority-queue reader).
// A positive limit discards a group's members past the first limit of
// them as soon as the group's key is known, without ever buffering the
// group in memory.
type PQGroupReader struct {
	info  *ShuffleInfo
	heap  *pqHeap
	limit int // <0 unlimited, 0 literal LIMIT 0, >0 a real cap
	rc    *RequestContext

	state      ReaderState
	groupStore *ArenaRecordStore
	groupFirst RecordPointer
	memberIdx  int
	curStore   *ArenaRecordStore
	curPtr     RecordPointer
}

// NewPQGroupReader builds a reader over every non-empty sealed table in
// partitions. limit < 0 means unlimited. rc, when non-nil, is checked
// for cancellation at each NextGroup.
func NewPQGroupReader(info *ShuffleInfo, partitions []*GroupInputPartition, limit int, rc *RequestContext) *PQGroupReader {
	h := &pqHeap{info: info}
	for _, p := range partitions {
		for _, t := range p.Tables() {
			if t.Len() == 0 {
				continue
			}
			heap.Push(h, &pqCursor{store: p.Store(), table: t, idx: 0})
		}
	}
	heap.Init(h)
	return &PQGroupReader{info: info, heap: h, limit: limit, rc: rc, state: StateInit}
}

// NextGroup implements GroupReader.
func (r *PQGroupReader) NextGroup() bool {
	if r.cancelled() {
		r.state = StateEOF
		return false
	}
	if r.state == StateBeforeMember || r.state == StateOnMember {
		// Skip whatever the caller left unread of the current group.
		for r.heap.Len() > 0 && r.sameAsGroup(r.heap.cursors[0]) {
			r.advanceTop()
		}
	}
	if r.limit == 0 || r.heap.Len() == 0 {
		r.state = StateEOF
		return false
	}
	top := r.heap.cursors[0]
	r.groupStore, r.groupFirst = top.store, top.ptr()
	r.memberIdx = 0
	r.state = StateBeforeMember
	return true
}

// NextMember implements GroupReader.
func (r *PQGroupReader) NextMember() bool {
	invariant(r.state == StateBeforeMember || r.state == StateOnMember, "PQGroupReader.NextMember", "not positioned on a group")
	if r.heap.Len() == 0 || !r.sameAsGroup(r.heap.cursors[0]) {
		r.state = StateAfterGroup
		return false
	}
	if r.limit > 0 && r.memberIdx >= r.limit {
		for r.heap.Len() > 0 && r.sameAsGroup(r.heap.cursors[0]) {
			r.advanceTop()
		}
		r.state = StateAfterGroup
		return false
	}
	top := r.heap.cursors[0]
	r.curStore, r.curPtr = top.store, top.ptr()
	r.advanceTop()
	r.memberIdx++
	r.state = StateOnMember
	return true
}

func (r *PQGroupReader) cancelled() bool {
	return r.rc != nil && r.rc.Context().Err() != nil
}

func (r *PQGroupReader) sameAsGroup(c *pqCursor) bool {
	return r.info.SameGroup(r.groupStore, r.groupFirst, c.store, c.ptr())
}

func (r *PQGroupReader) advanceTop() {
	top := r.heap.cursors[0]
	top.idx++
	if top.done() {
		heap.Pop(r.heap)
	} else {
		heap.Fix(r.heap, 0)
	}
}

// Member implements GroupReader.
func (r *PQGroupReader) Member() (*ArenaRecordStore, RecordPointer) {
	invariant(r.state == StateOnMember, "PQGroupReader.Member", "not positioned on a member")
	return r.curStore, r.curPtr
}

// State implements GroupReader.
func (r *PQGroupReader) State() ReaderState { return r.state }

// Release implements GroupReader.
func (r *PQGroupReader) Release() { r.heap = nil }
