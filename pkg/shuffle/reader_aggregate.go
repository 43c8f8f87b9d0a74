package shuffle

import (
	"bytes"
	"sort"
)

type aggKeyRef struct {
	keyStore   *ArenaRecordStore
	valueStore *ArenaRecordStore
	ptr        RecordPointer
}

func (ref aggKeyRef) resolveValue(agg *AggregateInfo) RecordPointer {
	buf := ref.keyStore.Bytes(ref.ptr, agg.Key)
	pageID, off := getBackPointer(buf, agg.backPointerOffset())
	return ref.valueStore.PointerAt(pageID, off)
}

// AggregateReader merges every partial-aggregate entry sharing a
// grouping key across a Source's AggregateInputPartitions, folding
// their value records together with each AggregateFunc's Merge.
// Because pre-aggregation already collapsed a partition's own rows to
// one entry per key, only a cross-partition merge remains: every group
// collapses to exactly one output row, so this is a flat iterator
// rather than GroupReader's group/member pair. Grounded on jogasaki's
// aggregate exchange reader (original_source/.../aggregate/reader.h),
// which merges matching keys directly instead of sorting raw rows.
type AggregateReader struct {
	agg  *AggregateInfo
	refs []aggKeyRef
	pos  int
	rc   *RequestContext

	state    ReaderState
	keyBuf   []byte
	valueBuf []byte
}

// NewAggregateReader builds a reader over every entry flushed by
// partitions. Partitions must already be fully flushed (Transfer calls
// releaseHashtable on every Sink-side partition before handing it off).
// rc, when non-nil, is checked for cancellation at each Next.
func NewAggregateReader(agg *AggregateInfo, partitions []*AggregateInputPartition, rc *RequestContext) *AggregateReader {
	keyInfo := &ShuffleInfo{Meta: agg.Key, SortKey: agg.KeySortKey, GroupingColumnCount: len(agg.KeySortKey), NormalizeFloat: agg.NormalizeFloat}

	var refs []aggKeyRef
	for _, p := range partitions {
		for _, t := range p.Flushed() {
			for i := 0; i < t.Len(); i++ {
				refs = append(refs, aggKeyRef{keyStore: p.KeyStore(), valueStore: p.ValueStore(), ptr: t.At(i)})
			}
		}
	}
	sort.SliceStable(refs, func(i, j int) bool {
		return keyInfo.Less(refs[i].keyStore, refs[i].ptr, refs[j].keyStore, refs[j].ptr)
	})
	return &AggregateReader{agg: agg, refs: refs, rc: rc, state: StateInit}
}

// Next advances to the next merged group. Returns false once every
// entry has been consumed or the request has been cancelled.
func (r *AggregateReader) Next() bool {
	if r.rc != nil && r.rc.Context().Err() != nil {
		r.state = StateEOF
		return false
	}
	if r.pos >= len(r.refs) {
		r.state = StateEOF
		return false
	}
	cmpLen := r.agg.keyCmpLen()

	first := r.refs[r.pos]
	r.keyBuf = append([]byte(nil), first.keyStore.Bytes(first.ptr, r.agg.Key)...)
	r.valueBuf = append([]byte(nil), first.valueStore.Bytes(first.resolveValue(r.agg), r.agg.Value)...)

	j := r.pos + 1
	for j < len(r.refs) {
		cand := r.refs[j]
		candKey := cand.keyStore.Bytes(cand.ptr, r.agg.Key)
		// Key records hold canonicalized bytes (projectKey normalizes
		// floats under NormalizeFloat), so byte equality is key equality.
		if !bytes.Equal(r.keyBuf[:cmpLen], candKey[:cmpLen]) {
			break
		}
		peerVal := cand.valueStore.Bytes(cand.resolveValue(r.agg), r.agg.Value)
		for _, f := range r.agg.Funcs {
			f.Agg.Merge(r.valueBuf[f.ValueOffset:f.ValueOffset+8], peerVal[f.ValueOffset:f.ValueOffset+8])
		}
		j++
	}
	r.pos = j
	r.state = StateOnMember
	return true
}

// Record returns the current group's merged key and value bytes, fresh
// buffers owned by the reader rather than any one source partition's
// arena.
func (r *AggregateReader) Record() (keyBytes, valueBytes []byte) {
	invariant(r.state == StateOnMember, "AggregateReader.Record", "not positioned on a record")
	return r.keyBuf, r.valueBuf
}

// State reports the reader's current lifecycle position.
func (r *AggregateReader) State() ReaderState { return r.state }

// Release returns this reader's resources.
func (r *AggregateReader) Release() { r.refs = nil }
