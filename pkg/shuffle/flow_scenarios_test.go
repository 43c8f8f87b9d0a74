package shuffle_test

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelquery/shuffle/pkg/shuffle"
)

func groupMeta() *shuffle.RecordMeta {
	return shuffle.NewRecordMeta(8, nil, shuffle.FieldInt64, shuffle.FieldBytes)
}

func groupShuffleInfo(meta *shuffle.RecordMeta) *shuffle.ShuffleInfo {
	return &shuffle.ShuffleInfo{
		Meta:                meta,
		SortKey:             []shuffle.KeyColumn{{Field: 0, Dir: shuffle.Asc}},
		GroupingColumnCount: 1,
	}
}

// readAllGroups drains a GroupReader into an ordered slice of
// (key, members) pairs so scenario assertions can compare against an
// expected shape without caring about the reader's internal state
// machine.
func readAllGroups(t *testing.T, meta *shuffle.RecordMeta, store func(*shuffle.ArenaRecordStore, shuffle.RecordPointer) string, r shuffle.GroupReader) []struct {
	key     int64
	members []string
} {
	t.Helper()
	var out []struct {
		key     int64
		members []string
	}
	for r.NextGroup() {
		var group struct {
			key     int64
			members []string
		}
		first := true
		for r.NextMember() {
			s, ptr := r.Member()
			buf := s.Bytes(ptr, meta)
			k := int64(binary.LittleEndian.Uint64(buf[meta.Fields[0].Offset:]))
			if first {
				group.key = k
				first = false
			}
			group.members = append(group.members, string(s.Varlen(ptr, meta, 1)))
		}
		out = append(out, group)
	}
	return out
}

// Scenario 1 (spec.md §8): Group, pass-through across two producers and
// two consumers, routed by the key's hash mod 2.
func TestScenarioGroupPassThrough(t *testing.T) {
	meta := groupMeta()
	info := groupShuffleInfo(meta)
	flow := shuffle.NewGroupFlow(2, 2, info)

	w0 := flow.AcquireWriter(0)
	require.NoError(t, w0.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 1).SetBytes(1, []byte("a"))))
	require.NoError(t, w0.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 3).SetBytes(1, []byte("c"))))
	require.NoError(t, w0.Flush())
	w0.Release()

	w1 := flow.AcquireWriter(1)
	require.NoError(t, w1.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 1).SetBytes(1, []byte("b"))))
	require.NoError(t, w1.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 2).SetBytes(1, []byte("d"))))
	require.NoError(t, w1.Flush())
	w1.Release()

	require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

	allMembers := map[int64][]string{}
	for c := 0; c < 2; c++ {
		r := flow.AcquireGroupReader(c)
		for _, g := range readAllGroups(t, meta, nil, r) {
			allMembers[g.key] = append(allMembers[g.key], g.members...)
		}
		r.Release()
	}

	require.ElementsMatch(t, []string{"a", "b"}, allMembers[1])
	require.ElementsMatch(t, []string{"d"}, allMembers[2])
	require.ElementsMatch(t, []string{"c"}, allMembers[3])
}

// Scenario 2 (spec.md §8): LIMIT 2 truncates a group's members and the
// reader still reaches EOF cleanly afterward.
func TestScenarioGroupLimit(t *testing.T) {
	meta := groupMeta()
	info := groupShuffleInfo(meta)
	flow := shuffle.NewGroupFlow(1, 1, info, shuffle.WithPartitionLimit(2))

	w := flow.AcquireWriter(0)
	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 1).SetBytes(1, []byte(v))))
	}
	require.NoError(t, w.Flush())
	w.Release()
	require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

	r := flow.AcquireGroupReader(0)
	require.True(t, r.NextGroup())
	var members []string
	for r.NextMember() {
		s, ptr := r.Member()
		members = append(members, string(s.Varlen(ptr, meta, 1)))
	}
	require.Equal(t, []string{"a", "b"}, members)
	require.False(t, r.NextGroup())
	r.Release()
}

// LIMIT 0 makes next_group return false immediately.
func TestScenarioGroupLimitZero(t *testing.T) {
	meta := groupMeta()
	info := groupShuffleInfo(meta)
	flow := shuffle.NewGroupFlow(1, 1, info, shuffle.WithPartitionLimit(0))

	w := flow.AcquireWriter(0)
	require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 1).SetBytes(1, []byte("a"))))
	require.NoError(t, w.Flush())
	w.Release()
	require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

	r := flow.AcquireGroupReader(0)
	require.False(t, r.NextGroup())
	r.Release()
}

// Scenario 3 (spec.md §8): Aggregate, SUM across two producers into one
// consumer.
func TestScenarioAggregateSum(t *testing.T) {
	input := shuffle.NewRecordMeta(8, nil, shuffle.FieldInt64, shuffle.FieldInt64)
	agg := shuffle.NewAggregateInfo(input, []int{0}, []shuffle.AggField{
		{Agg: shuffle.SumInt64(), InputField: 1, StateType: shuffle.FieldInt64},
	})
	flow := shuffle.NewAggregateFlow(2, 1, agg)

	w0 := flow.AcquireWriter(0)
	require.NoError(t, w0.WriteAggregate(shuffle.NewRecordBuilder(input).SetInt64(0, 1).SetInt64(1, 10)))
	require.NoError(t, w0.WriteAggregate(shuffle.NewRecordBuilder(input).SetInt64(0, 1).SetInt64(1, 20)))
	require.NoError(t, w0.WriteAggregate(shuffle.NewRecordBuilder(input).SetInt64(0, 2).SetInt64(1, 5)))
	require.NoError(t, w0.Flush())
	w0.Release()

	w1 := flow.AcquireWriter(1)
	require.NoError(t, w1.WriteAggregate(shuffle.NewRecordBuilder(input).SetInt64(0, 1).SetInt64(1, 3)))
	require.NoError(t, w1.WriteAggregate(shuffle.NewRecordBuilder(input).SetInt64(0, 2).SetInt64(1, 7)))
	require.NoError(t, w1.Flush())
	w1.Release()

	require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

	r := flow.AcquireAggregateReader(0)
	got := map[int64]int64{}
	for r.Next() {
		kb, vb := r.Record()
		k := int64(binary.LittleEndian.Uint64(kb))
		v := int64(binary.LittleEndian.Uint64(vb))
		got[k] = v
	}
	r.Release()
	require.Equal(t, int64(33), got[1])
	require.Equal(t, int64(12), got[2])
}

// Scenario 4 (spec.md §8): empty input with GenerateRecordOnEmpty
// yields exactly one all-null-key group with the aggregator's empty
// value.
func TestScenarioAggregateEmptyInputGeneratesRecord(t *testing.T) {
	input := shuffle.NewRecordMeta(8, nil, shuffle.FieldInt64)
	agg := shuffle.NewAggregateInfo(input, nil, []shuffle.AggField{
		{Agg: shuffle.CountStar(), InputField: -1, StateType: shuffle.FieldInt64},
	})
	flow := shuffle.NewAggregateFlow(1, 1, agg, shuffle.GenerateRecordOnEmpty())

	w := flow.AcquireWriter(0)
	require.NoError(t, w.Flush())
	w.Release()
	require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

	r := flow.AcquireAggregateReader(0)
	require.True(t, r.Next())
	_, vb := r.Record()
	require.Equal(t, int64(0), int64(binary.LittleEndian.Uint64(vb)))
	require.False(t, r.Next())
}

func TestScenarioAggregateEmptyInputNoGenerate(t *testing.T) {
	input := shuffle.NewRecordMeta(8, nil, shuffle.FieldInt64)
	agg := shuffle.NewAggregateInfo(input, nil, []shuffle.AggField{
		{Agg: shuffle.CountStar(), InputField: -1, StateType: shuffle.FieldInt64},
	})
	flow := shuffle.NewAggregateFlow(1, 1, agg)

	w := flow.AcquireWriter(0)
	require.NoError(t, w.Flush())
	w.Release()
	require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

	r := flow.AcquireAggregateReader(0)
	require.False(t, r.Next())
}

// An upstream failure suppresses the synthetic empty-input row even
// when GenerateRecordOnEmpty is set (spec.md §4.13).
func TestScenarioAggregateUpstreamFailureSuppressesEmptyRecord(t *testing.T) {
	input := shuffle.NewRecordMeta(8, nil, shuffle.FieldInt64)
	agg := shuffle.NewAggregateInfo(input, nil, []shuffle.AggField{
		{Agg: shuffle.CountStar(), InputField: -1, StateType: shuffle.FieldInt64},
	})
	flow := shuffle.NewAggregateFlow(1, 1, agg, shuffle.GenerateRecordOnEmpty())

	w := flow.AcquireWriter(0)
	require.NoError(t, w.Flush())
	w.Release()

	rc := shuffle.NewRequestContext(context.Background())
	rc.Status().Fail(shuffle.ErrUpstreamFailed)
	require.NoError(t, flow.Transfer(rc))

	r := flow.AcquireAggregateReader(0)
	require.False(t, r.Next())
}

// Scenario 5 (spec.md §8): flush-driven multi-table. PointerTable
// capacity 4, ten sequential distinct keys, yields three sealed tables
// (4,4,2) but one merged stream of ten ordered groups.
func TestScenarioFlushDrivenMultiTable(t *testing.T) {
	meta := shuffle.NewRecordMeta(8, nil, shuffle.FieldInt64)
	info := &shuffle.ShuffleInfo{Meta: meta, SortKey: []shuffle.KeyColumn{{Field: 0, Dir: shuffle.Asc}}, GroupingColumnCount: 1}
	// pageSize/8 == 4 pointers per table.
	flow := shuffle.NewGroupFlow(1, 1, info, shuffle.WithPageSize(32))

	w := flow.AcquireWriter(0)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, i)))
	}
	require.NoError(t, w.Flush())
	w.Release()
	require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

	r := flow.AcquireGroupReader(0)
	var keys []int64
	for r.NextGroup() {
		for r.NextMember() {
			s, ptr := r.Member()
			keys = append(keys, int64(binary.LittleEndian.Uint64(s.Bytes(ptr, meta)[meta.Fields[0].Offset:])))
		}
	}
	r.Release()
	require.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, keys)
}

// Scenario 6 (spec.md §8): sorted-vector and priority-queue readers
// must agree on the bag of (group, members) they emit.
func TestScenarioSortedVectorMatchesPriorityQueue(t *testing.T) {
	meta := groupMeta()
	info := groupShuffleInfo(meta)
	build := func(opts ...shuffle.Opt) map[int64][]string {
		flow := shuffle.NewGroupFlow(2, 1, info, opts...)
		w0 := flow.AcquireWriter(0)
		require.NoError(t, w0.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 2).SetBytes(1, []byte("x"))))
		require.NoError(t, w0.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 1).SetBytes(1, []byte("y"))))
		require.NoError(t, w0.Flush())
		w0.Release()
		w1 := flow.AcquireWriter(1)
		require.NoError(t, w1.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 1).SetBytes(1, []byte("z"))))
		require.NoError(t, w1.Flush())
		w1.Release()
		require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

		r := flow.AcquireGroupReader(0)
		out := map[int64][]string{}
		for r.NextGroup() {
			for r.NextMember() {
				s, ptr := r.Member()
				k := int64(binary.LittleEndian.Uint64(s.Bytes(ptr, meta)[meta.Fields[0].Offset:]))
				out[k] = append(out[k], string(s.Varlen(ptr, meta, 1)))
			}
		}
		r.Release()
		return out
	}

	pq := build()
	sv := build(shuffle.UseSortedVector())
	require.Len(t, pq, len(sv))
	for k, members := range pq {
		require.ElementsMatch(t, members, sv[k])
	}
}

// NormalizeFloat must make -0.0/+0.0 (and any two NaN payloads) one
// logical key end-to-end for an Aggregate exchange: same downstream
// partition, one pre-aggregate entry per producer, one merged output
// row per key. Spec.md §9's encode-time normalization design note
// covers every key path, not just the sort comparator.
func TestScenarioNormalizeFloatMergesZerosAndNaNs(t *testing.T) {
	input := shuffle.NewRecordMeta(8, nil, shuffle.FieldFloat64, shuffle.FieldInt64)
	agg := shuffle.NewAggregateInfo(input, []int{0}, []shuffle.AggField{
		{Agg: shuffle.SumInt64(), InputField: 1, StateType: shuffle.FieldInt64},
	})
	flow := shuffle.NewAggregateFlow(2, 4, agg, shuffle.NormalizeFloat())

	nan1 := math.Float64frombits(0x7FF8000000000001)
	nan2 := math.Float64frombits(0xFFF0000000000001)

	w0 := flow.AcquireWriter(0)
	require.NoError(t, w0.WriteAggregate(shuffle.NewRecordBuilder(input).SetFloat64(0, 0.0).SetInt64(1, 1)))
	require.NoError(t, w0.WriteAggregate(shuffle.NewRecordBuilder(input).SetFloat64(0, nan1).SetInt64(1, 5)))
	require.NoError(t, w0.Flush())
	w0.Release()

	w1 := flow.AcquireWriter(1)
	require.NoError(t, w1.WriteAggregate(shuffle.NewRecordBuilder(input).SetFloat64(0, math.Copysign(0, -1)).SetInt64(1, 2)))
	require.NoError(t, w1.WriteAggregate(shuffle.NewRecordBuilder(input).SetFloat64(0, nan2).SetInt64(1, 7)))
	require.NoError(t, w1.Flush())
	w1.Release()

	require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

	var zeroSum, nanSum int64
	groups := 0
	for c := 0; c < 4; c++ {
		r := flow.AcquireAggregateReader(c)
		for r.Next() {
			kb, vb := r.Record()
			groups++
			k := math.Float64frombits(binary.LittleEndian.Uint64(kb))
			v := int64(binary.LittleEndian.Uint64(vb))
			if math.IsNaN(k) {
				nanSum += v
			} else {
				require.Equal(t, 0.0, k)
				zeroSum += v
			}
		}
		r.Release()
	}
	require.Equal(t, 2, groups, "-0.0/+0.0 and the two NaNs must each collapse to exactly one output row")
	require.Equal(t, int64(3), zeroSum)
	require.Equal(t, int64(12), nanSum)
}

// The Group-exchange counterpart: both zeros (and both NaN payloads)
// must route to the same Source and be read back as a single group.
func TestScenarioNormalizeFloatGroupsZerosAndNaNs(t *testing.T) {
	meta := shuffle.NewRecordMeta(8, nil, shuffle.FieldFloat64, shuffle.FieldBytes)
	info := &shuffle.ShuffleInfo{
		Meta:                meta,
		SortKey:             []shuffle.KeyColumn{{Field: 0, Dir: shuffle.Asc}},
		GroupingColumnCount: 1,
	}
	flow := shuffle.NewGroupFlow(1, 2, info, shuffle.NormalizeFloat())

	nan1 := math.Float64frombits(0x7FF8000000000001)
	nan2 := math.Float64frombits(0xFFF0000000000001)

	w := flow.AcquireWriter(0)
	require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetFloat64(0, 0.0).SetBytes(1, []byte("a"))))
	require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetFloat64(0, math.Copysign(0, -1)).SetBytes(1, []byte("b"))))
	require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetFloat64(0, nan1).SetBytes(1, []byte("c"))))
	require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetFloat64(0, nan2).SetBytes(1, []byte("d"))))
	require.NoError(t, w.Flush())
	w.Release()
	require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

	type keyGroup struct {
		isNaN   bool
		members []string
	}
	var got []keyGroup
	for c := 0; c < 2; c++ {
		r := flow.AcquireGroupReader(c)
		for r.NextGroup() {
			var cur keyGroup
			first := true
			for r.NextMember() {
				s, ptr := r.Member()
				buf := s.Bytes(ptr, meta)
				if first {
					bits := binary.LittleEndian.Uint64(buf[meta.Fields[0].Offset:])
					cur.isNaN = math.IsNaN(math.Float64frombits(bits))
					first = false
				}
				cur.members = append(cur.members, string(s.Varlen(ptr, meta, 1)))
			}
			got = append(got, cur)
		}
		r.Release()
	}

	require.Len(t, got, 2, "the two zeros and the two NaNs must form exactly one group each")
	for _, g := range got {
		if g.isNaN {
			require.ElementsMatch(t, []string{"c", "d"}, g.members)
		} else {
			require.ElementsMatch(t, []string{"a", "b"}, g.members)
		}
	}
}

// NextGroup called mid-group skips the current group's unread members
// rather than re-presenting them, for both reader strategies.
func TestScenarioNextGroupSkipsUnreadMembers(t *testing.T) {
	meta := groupMeta()
	info := groupShuffleInfo(meta)
	for _, opts := range [][]shuffle.Opt{nil, {shuffle.UseSortedVector()}} {
		flow := shuffle.NewGroupFlow(1, 1, info, opts...)
		w := flow.AcquireWriter(0)
		require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 1).SetBytes(1, []byte("a"))))
		require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 1).SetBytes(1, []byte("b"))))
		require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 2).SetBytes(1, []byte("c"))))
		require.NoError(t, w.Flush())
		w.Release()
		require.NoError(t, flow.Transfer(shuffle.NewRequestContext(context.Background())))

		r := flow.AcquireGroupReader(0)
		require.True(t, r.NextGroup())
		require.True(t, r.NextMember()) // read "a", leave "b" unread
		require.True(t, r.NextGroup())  // must land on group 2, not re-present group 1
		require.True(t, r.NextMember())
		s, ptr := r.Member()
		require.Equal(t, "c", string(s.Varlen(ptr, meta, 1)))
		require.False(t, r.NextMember())
		require.False(t, r.NextGroup())
		r.Release()
	}
}

// Cancellation is cooperative: a cancelled request context makes every
// reader strategy report eof at its next group boundary.
func TestScenarioReaderCancellation(t *testing.T) {
	meta := groupMeta()
	info := groupShuffleInfo(meta)
	for _, opts := range [][]shuffle.Opt{nil, {shuffle.UseSortedVector()}} {
		flow := shuffle.NewGroupFlow(1, 1, info, opts...)
		w := flow.AcquireWriter(0)
		require.NoError(t, w.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 1).SetBytes(1, []byte("a"))))
		require.NoError(t, w.Flush())
		w.Release()

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, flow.Transfer(shuffle.NewRequestContext(ctx)))
		cancel()

		r := flow.AcquireGroupReader(0)
		require.False(t, r.NextGroup())
		r.Release()
	}
}

func TestScenarioAggregateReaderCancellation(t *testing.T) {
	input := shuffle.NewRecordMeta(8, nil, shuffle.FieldInt64, shuffle.FieldInt64)
	agg := shuffle.NewAggregateInfo(input, []int{0}, []shuffle.AggField{
		{Agg: shuffle.SumInt64(), InputField: 1, StateType: shuffle.FieldInt64},
	})
	flow := shuffle.NewAggregateFlow(1, 1, agg)

	w := flow.AcquireWriter(0)
	require.NoError(t, w.WriteAggregate(shuffle.NewRecordBuilder(input).SetInt64(0, 1).SetInt64(1, 10)))
	require.NoError(t, w.Flush())
	w.Release()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, flow.Transfer(shuffle.NewRequestContext(ctx)))
	cancel()

	r := flow.AcquireAggregateReader(0)
	require.False(t, r.Next())
	r.Release()
}

// Page-pool exhaustion surfaces as an error wrapping
// ErrPagePoolExhausted; the producer records it on the request context,
// transfer still runs, and a reader streams whatever was accepted
// before the pool ran dry.
func TestScenarioPagePoolExhaustion(t *testing.T) {
	meta := shuffle.NewRecordMeta(8, nil, shuffle.FieldInt64)
	info := &shuffle.ShuffleInfo{Meta: meta, SortKey: []shuffle.KeyColumn{{Field: 0, Dir: shuffle.Asc}}, GroupingColumnCount: 1}
	// One 64-byte page holds four 16-byte records; the fifth write must
	// fail.
	flow := shuffle.NewGroupFlow(1, 1, info, shuffle.WithPageSize(64), shuffle.WithMaxPages(1))

	rc := shuffle.NewRequestContext(context.Background())
	w := flow.AcquireWriter(0)
	var writeErr error
	for i := int64(0); i < 5; i++ {
		if err := w.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, i)); err != nil {
			writeErr = err
			break
		}
	}
	require.ErrorIs(t, writeErr, shuffle.ErrPagePoolExhausted)
	rc.Status().Fail(writeErr)
	require.NoError(t, w.Flush())
	w.Release()

	require.NoError(t, flow.Transfer(rc))
	require.True(t, rc.Status().Failed())

	r := flow.AcquireGroupReader(0)
	rows := 0
	for r.NextGroup() {
		for r.NextMember() {
			rows++
		}
	}
	r.Release()
	require.Equal(t, 4, rows)
}

func TestWriterDoubleReleasePanics(t *testing.T) {
	meta := groupMeta()
	info := groupShuffleInfo(meta)
	flow := shuffle.NewGroupFlow(1, 1, info)
	w := flow.AcquireWriter(0)
	w.Release()
	require.Panics(t, func() { w.Release() })
}

func TestWriteAfterReleasePanics(t *testing.T) {
	meta := groupMeta()
	info := groupShuffleInfo(meta)
	flow := shuffle.NewGroupFlow(1, 1, info)
	w := flow.AcquireWriter(0)
	w.Release()
	require.Panics(t, func() {
		_ = w.WriteGroup(shuffle.NewRecordBuilder(meta).SetInt64(0, 1).SetBytes(1, []byte("a")))
	})
}

func TestSinkSecondWriterBeforeReleasePanics(t *testing.T) {
	meta := groupMeta()
	info := groupShuffleInfo(meta)
	flow := shuffle.NewGroupFlow(1, 1, info)
	_ = flow.AcquireWriter(0)
	require.Panics(t, func() { flow.AcquireWriter(0) })
}
