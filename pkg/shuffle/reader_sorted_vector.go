package shuffle

import "sort"

type svRecord struct {
	store *ArenaRecordStore
	ptr   RecordPointer
}

// SortedVectorGroupReader concatenates every PointerTable across a
// Source's GroupInputPartitions into one vector and sorts it once by
// the full sort key, rather than merging already-sorted runs. Grounded
// on spec.md §4.4's alternative reader strategy and the
// NoopPregroup/UseSortedVector redesign note: skipping the per-table
// sort at write time only pays off if the reader does one global sort
// instead of a merge, so the two options are wired together.
type SortedVectorGroupReader struct {
	info  *ShuffleInfo
	recs  []svRecord
	limit int
	rc    *RequestContext

	pos       int
	groupEnd  int
	memberIdx int
	state     ReaderState
	curStore  *ArenaRecordStore
	curPtr    RecordPointer
}

// NewSortedVectorGroupReader builds a reader over every record across
// partitions, sorted once up front. limit < 0 means unlimited. rc, when
// non-nil, is checked for cancellation at each NextGroup.
func NewSortedVectorGroupReader(info *ShuffleInfo, partitions []*GroupInputPartition, limit int, rc *RequestContext) *SortedVectorGroupReader {
	var recs []svRecord
	for _, p := range partitions {
		for _, t := range p.Tables() {
			for i := 0; i < t.Len(); i++ {
				recs = append(recs, svRecord{store: p.Store(), ptr: t.At(i)})
			}
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return info.Less(recs[i].store, recs[i].ptr, recs[j].store, recs[j].ptr)
	})
	return &SortedVectorGroupReader{info: info, recs: recs, limit: limit, rc: rc, state: StateInit}
}

// NextGroup implements GroupReader.
func (r *SortedVectorGroupReader) NextGroup() bool {
	if r.rc != nil && r.rc.Context().Err() != nil {
		r.state = StateEOF
		return false
	}
	if r.state == StateBeforeMember || r.state == StateOnMember {
		// Skip whatever the caller left unread of the current group.
		r.pos = r.groupEnd
	}
	if r.limit == 0 || r.pos >= len(r.recs) {
		r.state = StateEOF
		return false
	}
	start := r.pos
	end := start + 1
	for end < len(r.recs) && r.info.SameGroup(r.recs[start].store, r.recs[start].ptr, r.recs[end].store, r.recs[end].ptr) {
		end++
	}
	r.groupEnd = end
	r.memberIdx = 0
	r.state = StateBeforeMember
	return true
}

// NextMember implements GroupReader.
func (r *SortedVectorGroupReader) NextMember() bool {
	invariant(r.state == StateBeforeMember || r.state == StateOnMember, "SortedVectorGroupReader.NextMember", "not positioned on a group")
	if r.pos >= r.groupEnd {
		r.state = StateAfterGroup
		return false
	}
	if r.limit > 0 && r.memberIdx >= r.limit {
		r.pos = r.groupEnd
		r.state = StateAfterGroup
		return false
	}
	rec := r.recs[r.pos]
	r.curStore, r.curPtr = rec.store, rec.ptr
	r.pos++
	r.memberIdx++
	r.state = StateOnMember
	return true
}

// Member implements GroupReader.
func (r *SortedVectorGroupReader) Member() (*ArenaRecordStore, RecordPointer) {
	invariant(r.state == StateOnMember, "SortedVectorGroupReader.Member", "not positioned on a member")
	return r.curStore, r.curPtr
}

// State implements GroupReader.
func (r *SortedVectorGroupReader) State() ReaderState { return r.state }

// Release implements GroupReader.
func (r *SortedVectorGroupReader) Release() { r.recs = nil }
