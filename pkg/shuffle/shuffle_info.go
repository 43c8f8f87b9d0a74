package shuffle

import (
	"bytes"
	"encoding/binary"
	"math"
)

// SortDirection orders one sort-key column ascending or descending.
type SortDirection int8

const (
	Asc SortDirection = iota
	Desc
)

// NullsOrder places a column's NULLs before or after every non-NULL
// value, independent of SortDirection.
type NullsOrder int8

const (
	NullsFirst NullsOrder = iota
	NullsLast
)

// KeyColumn is one column of a sort key: which field of the referenced
// RecordMeta it projects, and how it orders.
type KeyColumn struct {
	Field int
	Dir   SortDirection
	Nulls NullsOrder
}

// ShuffleInfo is the grouping/sort-key metadata shared by a Group
// exchange's Writer, InputPartition and Readers: which fields of a
// record (Meta) form the grouping key, which (possibly additional)
// fields form the full intra-group sort order, and how to compare two
// records by either. Grounded on jogasaki's shuffle_info base class
// (original_source/.../exchange/shuffle_info.h), collapsed here into
// one type shared across Group and Aggregate instead of being
// duplicated per kind.
//
// SortKey's first GroupingColumnCount entries are the grouping key;
// per spec.md §4.10 the grouping key is always a prefix of the sort
// key, so "same group" is exactly "equal on the first
// GroupingColumnCount columns".
type ShuffleInfo struct {
	Meta                *RecordMeta
	SortKey             []KeyColumn
	GroupingColumnCount int
	NormalizeFloat      bool
}

// appendPartitionKey appends the canonical byte form of b's grouping
// columns to dst and returns it. These are the bytes the Writer hashes
// to route a record to its downstream partition; float columns are
// canonicalized under NormalizeFloat first, so -0.0/+0.0 (and any two
// NaN payloads) hash to the same partition. Each column is prefixed
// with a nullity marker so a NULL never collides with a zero value.
func (si *ShuffleInfo) appendPartitionKey(dst []byte, b *RecordBuilder) []byte {
	for _, col := range si.SortKey[:si.GroupingColumnCount] {
		fm := si.Meta.Fields[col.Field]
		if isNull(b.buf, si.Meta, col.Field) {
			dst = append(dst, 0)
			continue
		}
		dst = append(dst, 1)
		switch fm.Type {
		case FieldInt64:
			dst = append(dst, b.buf[fm.Offset:fm.Offset+8]...)
		case FieldFloat64:
			bits := getFloat64Bits(b.buf, fm.Offset)
			if si.NormalizeFloat {
				bits = normalizeFloat64Bits(bits)
			}
			var enc [8]byte
			binary.LittleEndian.PutUint64(enc[:], bits)
			dst = append(dst, enc[:]...)
		case FieldBytes:
			dst = append(dst, b.varlens[col.Field]...)
		default:
			invariant(false, "ShuffleInfo.appendPartitionKey", "field type not hashable")
		}
	}
	return dst
}

// Less reports whether a sorts before b, comparing the full sort key.
// a and b may come from different ArenaRecordStores (a Reader merging
// several producers' partitions), so each carries its own store.
func (si *ShuffleInfo) Less(storeA *ArenaRecordStore, a RecordPointer, storeB *ArenaRecordStore, b RecordPointer) bool {
	return si.compare(storeA, a, storeB, b, len(si.SortKey)) < 0
}

// SameGroup reports whether a and b carry the same grouping key.
func (si *ShuffleInfo) SameGroup(storeA *ArenaRecordStore, a RecordPointer, storeB *ArenaRecordStore, b RecordPointer) bool {
	return si.compare(storeA, a, storeB, b, si.GroupingColumnCount) == 0
}

// LessSameStore is Less specialised to the common single-store case
// (e.g. sorting one InputPartition's own PointerTable).
func (si *ShuffleInfo) LessSameStore(store *ArenaRecordStore, a, b RecordPointer) bool {
	return si.Less(store, a, store, b)
}

// compare returns <0, 0, >0 comparing the first n columns of the sort
// key between the records referenced by a (in storeA) and b (in storeB).
func (si *ShuffleInfo) compare(storeA *ArenaRecordStore, a RecordPointer, storeB *ArenaRecordStore, b RecordPointer, n int) int {
	bufA := storeA.Bytes(a, si.Meta)
	bufB := storeB.Bytes(b, si.Meta)
	for i := 0; i < n; i++ {
		col := si.SortKey[i]
		fm := si.Meta.Fields[col.Field]

		nullA := isNull(bufA, si.Meta, col.Field)
		nullB := isNull(bufB, si.Meta, col.Field)
		if nullA || nullB {
			if nullA && nullB {
				continue
			}
			nullFirst := col.Nulls == NullsFirst
			if nullA == nullFirst {
				return -1
			}
			return 1
		}

		var c int
		switch fm.Type {
		case FieldInt64:
			va := encodeSortableInt64(getInt64(bufA, fm.Offset))
			vb := encodeSortableInt64(getInt64(bufB, fm.Offset))
			c = cmpUint64(va, vb)
		case FieldFloat64:
			va := encodeSortableFloat64(math.Float64frombits(getFloat64Bits(bufA, fm.Offset)), si.NormalizeFloat)
			vb := encodeSortableFloat64(math.Float64frombits(getFloat64Bits(bufB, fm.Offset)), si.NormalizeFloat)
			c = cmpUint64(va, vb)
		case FieldBytes:
			c = bytes.Compare(storeA.Varlen(a, si.Meta, col.Field), storeB.Varlen(b, si.Meta, col.Field))
		default:
			invariant(false, "ShuffleInfo.compare", "field type not comparable")
		}
		if col.Dir == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
