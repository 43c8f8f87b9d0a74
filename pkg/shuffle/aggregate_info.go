package shuffle

// AggField pairs one AggregateFunc with the input column that feeds it
// and the byte offset, within a partition's value RecordMeta, where its
// running state lives. InputField is -1 for aggregates like CountStar
// that never read their input's value.
type AggField struct {
	Agg         AggregateFunc
	InputField  int
	StateType   FieldType // FieldInt64 or FieldFloat64; determines the Value record's layout
	ValueOffset int       // filled in by NewAggregateInfo
}

// AggregateInfo is the Aggregate exchange's counterpart to ShuffleInfo:
// it describes how to project an incoming record's grouping columns
// into a standalone key record (with its trailing back-pointer field),
// and how multiple AggregateFuncs' states are laid out side by side in
// a value record. Grounded on jogasaki's aggregate exchange
// shuffle_info/aggregate_info split (original_source/.../aggregate/),
// kept here as two cooperating metadata objects rather than one to
// mirror that separation of "key shape" from "value shape".
type AggregateInfo struct {
	Input     *RecordMeta
	GroupCols []int // field indices into Input; FieldInt64/FieldFloat64 only

	Key        *RecordMeta
	KeySortKey []KeyColumn // comparator columns over Key, excludes the back-pointer field

	Value *RecordMeta
	Funcs []AggField

	// NormalizeFloat mirrors the Flow's NormalizeFloat option onto the
	// key comparator the aggregate path builds internally (flush's
	// sealed-table sort and the Aggregate Reader's merge order), since
	// neither constructs a ShuffleInfo via the caller-supplied path
	// NewGroupFlow uses. Set by NewAggregateFlow, not by callers.
	NormalizeFloat bool
}

// NewAggregateInfo builds the Key and Value RecordMeta layouts and
// assigns each AggField its ValueOffset.
func NewAggregateInfo(input *RecordMeta, groupCols []int, funcs []AggField) *AggregateInfo {
	for _, c := range groupCols {
		t := input.Fields[c].Type
		invariant(t == FieldInt64 || t == FieldFloat64, "NewAggregateInfo", "grouping columns must be fixed-width scalars")
	}

	keyTypes := make([]FieldType, 0, len(groupCols)+1)
	keyNullable := make([]bool, 0, len(groupCols)+1)
	sortKey := make([]KeyColumn, 0, len(groupCols))
	for i, c := range groupCols {
		keyTypes = append(keyTypes, input.Fields[c].Type)
		keyNullable = append(keyNullable, input.Fields[c].NullBitOffset >= 0)
		sortKey = append(sortKey, KeyColumn{Field: i, Dir: Asc, Nulls: NullsFirst})
	}
	keyTypes = append(keyTypes, FieldBackPtr)
	keyNullable = append(keyNullable, false)
	keyMeta := NewRecordMeta(input.Alignment, keyNullable, keyTypes...)

	valueTypes := make([]FieldType, len(funcs))
	for i, f := range funcs {
		valueTypes[i] = f.StateType
	}
	valueMeta := NewRecordMeta(input.Alignment, nil, valueTypes...)
	for i := range funcs {
		funcs[i].ValueOffset = valueMeta.Fields[i].Offset
	}

	return &AggregateInfo{
		Input:      input,
		GroupCols:  groupCols,
		Key:        keyMeta,
		KeySortKey: sortKey,
		Value:      valueMeta,
		Funcs:      funcs,
	}
}

// ScalarAggregate reports whether this aggregation has no GROUP BY
// columns at all, the one case where an empty input still produces a
// single output row (spec.md §4.13 / GenerateRecordOnEmpty).
func (a *AggregateInfo) ScalarAggregate() bool { return len(a.GroupCols) == 0 }

// projectKey copies the grouping columns out of an incoming record's
// fixed bytes (laid out per a.Input) into dst, a buffer sized
// a.Key.RecordSize. Float columns are canonicalized under
// NormalizeFloat before they land in dst, so the key record's bytes
// are directly hashable and byte-comparable: the pre-aggregation hash
// table's equality, the partitioner's hash and the aggregate reader's
// cross-partition merge all operate on these canonical bytes. dst's
// trailing back-pointer bytes are left zeroed; the caller fills them in
// once the matching value record exists.
func (a *AggregateInfo) projectKey(dst, inputBuf []byte) {
	for i, c := range a.GroupCols {
		srcFM := a.Input.Fields[c]
		dstFM := a.Key.Fields[i]
		if srcFM.Type == FieldFloat64 && a.NormalizeFloat {
			bits := normalizeFloat64Bits(getFloat64Bits(inputBuf, srcFM.Offset))
			putFloat64Bits(dst, dstFM.Offset, bits)
		} else {
			copy(dst[dstFM.Offset:dstFM.Offset+8], inputBuf[srcFM.Offset:srcFM.Offset+8])
		}
		if isNull(inputBuf, a.Input, c) {
			setNull(dst, a.Key, i, true)
		}
	}
}

// keyCmpLen is the byte range of a.Key that participates in hashing
// and equality (excludes the trailing back-pointer field).
func (a *AggregateInfo) keyCmpLen() int {
	return a.Key.Fields[len(a.Key.Fields)-1].Offset
}

// backPointerOffset is the byte offset of the trailing back-pointer
// field within a.Key's fixed bytes.
func (a *AggregateInfo) backPointerOffset() int {
	return a.Key.Fields[len(a.Key.Fields)-1].Offset
}
