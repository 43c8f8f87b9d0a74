package shuffle

import "math"

// AggregateFunc is a pure `(accumulator, value) -> accumulator`
// function, the Aggregator of spec.md's glossary. Each instance reads
// and writes an 8-byte little-endian state slot; which of Int64 or
// Float64 encoding that slot holds is declared by the AggField that
// pairs an AggregateFunc with its input column and output offset.
type AggregateFunc interface {
	// Init writes this aggregate's identity/empty state into dst
	// (len(dst) == 8).
	Init(dst []byte)
	// Combine folds the scalar 8-byte value read from an incoming
	// input record's field into acc.
	Combine(acc, input []byte)
	// Merge folds another partition's partial-aggregate state (same
	// representation as acc) into acc. Used by the Aggregate Reader
	// merging partial aggregates across peer InputPartitions at
	// consumption time.
	Merge(acc, peer []byte)
}

type sumInt64 struct{}

// SumInt64 returns an AggregateFunc computing SUM over an int64 column.
func SumInt64() AggregateFunc { return sumInt64{} }

func (sumInt64) Init(dst []byte) { putInt64(dst, 0, 0) }
func (sumInt64) Combine(acc, input []byte) { putInt64(acc, 0, getInt64(acc, 0)+getInt64(input, 0)) }
func (sumInt64) Merge(acc, peer []byte) { putInt64(acc, 0, getInt64(acc, 0)+getInt64(peer, 0)) }

type sumFloat64 struct{}

// SumFloat64 returns an AggregateFunc computing SUM over a float64
// column. Per spec.md §1's non-goals, repeated runs are not guaranteed
// bit-identical: floating point summation order depends on write and
// transfer order.
func SumFloat64() AggregateFunc { return sumFloat64{} }

func (sumFloat64) Init(dst []byte) { putFloat64Bits(dst, 0, math.Float64bits(0)) }
func (sumFloat64) Combine(acc, input []byte) {
	sum := math.Float64frombits(getFloat64Bits(acc, 0)) + math.Float64frombits(getFloat64Bits(input, 0))
	putFloat64Bits(acc, 0, math.Float64bits(sum))
}
func (sumFloat64) Merge(acc, peer []byte) {
	sum := math.Float64frombits(getFloat64Bits(acc, 0)) + math.Float64frombits(getFloat64Bits(peer, 0))
	putFloat64Bits(acc, 0, math.Float64bits(sum))
}

type countStar struct{}

// CountStar returns an AggregateFunc computing COUNT(*): Combine
// ignores its input value and adds one per row. Its empty-input value
// is 0, matching spec.md §8's boundary behaviour example.
func CountStar() AggregateFunc { return countStar{} }

func (countStar) Init(dst []byte) { putInt64(dst, 0, 0) }
func (countStar) Combine(acc, _ []byte) { putInt64(acc, 0, getInt64(acc, 0)+1) }
func (countStar) Merge(acc, peer []byte) { putInt64(acc, 0, getInt64(acc, 0)+getInt64(peer, 0)) }

type minInt64 struct{}

// MinInt64 returns an AggregateFunc computing MIN over an int64 column.
func MinInt64() AggregateFunc { return minInt64{} }

func (minInt64) Init(dst []byte) { putInt64(dst, 0, math.MaxInt64) }
func (minInt64) Combine(acc, input []byte) {
	if v := getInt64(input, 0); v < getInt64(acc, 0) {
		putInt64(acc, 0, v)
	}
}
func (minInt64) Merge(acc, peer []byte) {
	if v := getInt64(peer, 0); v < getInt64(acc, 0) {
		putInt64(acc, 0, v)
	}
}

type maxInt64 struct{}

// MaxInt64 returns an AggregateFunc computing MAX over an int64 column.
func MaxInt64() AggregateFunc { return maxInt64{} }

func (maxInt64) Init(dst []byte) { putInt64(dst, 0, math.MinInt64) }
func (maxInt64) Combine(acc, input []byte) {
	if v := getInt64(input, 0); v > getInt64(acc, 0) {
		putInt64(acc, 0, v)
	}
}
func (maxInt64) Merge(acc, peer []byte) {
	if v := getInt64(peer, 0); v > getInt64(acc, 0) {
		putInt64(acc, 0, v)
	}
}
