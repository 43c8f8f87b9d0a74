package shuffle

import "github.com/RoaringBitmap/roaring/v2"

// Sink is one producer task's exchange-side handle: it owns InputPartition
// 0..Q-1 (created lazily, since most producers only ever touch a subset
// of partitions) and vends at most one Writer at a time (spec.md §4.7).
// Which partition slots ever received a write is tracked in a Roaring
// bitmap rather than a []bool, since Q can run into the thousands for a
// high-fanout shuffle and Flow's empty-input scan (spec.md §4.9) only
// needs the set bits, not a dense scan.
type Sink struct {
	kind         Kind
	q            int
	partitioner  *Partitioner
	info         *ShuffleInfo   // set for KindGroup
	agg          *AggregateInfo // set for KindAggregate
	nonEmpty     *roaring.Bitmap
	activeWriter *Writer

	groupPartitions []*GroupInputPartition
	aggPartitions   []*AggregateInputPartition

	newGroupPartition func(idx int) *GroupInputPartition
	newAggPartition   func(idx int) *AggregateInputPartition
}

// newSink constructs a Sink with Q lazily-created partition slots.
func newSink(kind Kind, q int, partitioner *Partitioner, info *ShuffleInfo, agg *AggregateInfo, newGroup func(int) *GroupInputPartition, newAgg func(int) *AggregateInputPartition) *Sink {
	return &Sink{
		kind:              kind,
		q:                 q,
		partitioner:       partitioner,
		info:              info,
		agg:               agg,
		nonEmpty:          roaring.New(),
		groupPartitions:   make([]*GroupInputPartition, q),
		aggPartitions:     make([]*AggregateInputPartition, q),
		newGroupPartition: newGroup,
		newAggPartition:   newAgg,
	}
}

// AcquireWriter vends this Sink's single Writer handle. Calling it
// again before the first Writer is released panics, matching spec.md
// §4.7's one-writer-per-Sink contract (one producer task per Sink).
func (s *Sink) AcquireWriter() *Writer {
	invariant(s.activeWriter == nil, "Sink.AcquireWriter", "a Writer is already active for this Sink")
	w := newWriter(s)
	s.activeWriter = w
	return w
}

func (s *Sink) release(w *Writer) {
	invariant(s.activeWriter == w, "Sink.release", "released Writer is not this Sink's active one")
	s.activeWriter = nil
}

func (s *Sink) groupPartition(idx int) *GroupInputPartition {
	if s.groupPartitions[idx] == nil {
		s.groupPartitions[idx] = s.newGroupPartition(idx)
	}
	s.nonEmpty.Add(uint32(idx))
	return s.groupPartitions[idx]
}

func (s *Sink) aggPartition(idx int) *AggregateInputPartition {
	if s.aggPartitions[idx] == nil {
		s.aggPartitions[idx] = s.newAggPartition(idx)
	}
	s.nonEmpty.Add(uint32(idx))
	return s.aggPartitions[idx]
}

// flushAll seals every partition this Sink has touched, keeping each
// one writable afterward. Backs Writer.Flush (spec.md §4.6/§6): for an
// Aggregate partition this is the reusable flush that merely clears
// the hash table for reuse (input_partition.go's flush), never the
// one-shot release Flow.Transfer performs.
func (s *Sink) flushAll() error {
	for _, p := range s.groupPartitions {
		if p != nil {
			if err := p.flush(); err != nil {
				return err
			}
		}
	}
	for _, p := range s.aggPartitions {
		if p != nil {
			if err := p.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// releaseAll seals every partition this Sink has touched and, for
// Aggregate partitions, permanently retires their hash tables. Backs
// Flow.Transfer's one-shot §4.9-step-3 call; safe to call regardless
// of whether a producer already called Writer.Flush, since flush is a
// no-op on an empty hash table and releaseHashtable on a nil one.
func (s *Sink) releaseAll() error {
	for _, p := range s.groupPartitions {
		if p != nil {
			if err := p.flush(); err != nil {
				return err
			}
		}
	}
	for _, p := range s.aggPartitions {
		if p != nil {
			if err := p.releaseHashtable(); err != nil {
				return err
			}
		}
	}
	return nil
}

// NonEmptyPartitions returns the sorted indices of every partition that
// received at least one write.
func (s *Sink) NonEmptyPartitions() []uint32 { return s.nonEmpty.ToArray() }

// IsEmptyPartition reports whether partition idx never received a
// write.
func (s *Sink) IsEmptyPartition(idx int) bool { return !s.nonEmpty.Contains(uint32(idx)) }

// InputPartitionAt returns the InputPartition for idx (nil if it was
// never written to), as the InputPartition interface type.
func (s *Sink) InputPartitionAt(idx int) InputPartition {
	switch s.kind {
	case KindGroup:
		if s.groupPartitions[idx] == nil {
			return nil
		}
		return s.groupPartitions[idx]
	default:
		if s.aggPartitions[idx] == nil {
			return nil
		}
		return s.aggPartitions[idx]
	}
}

// GroupPartitionAt is InputPartitionAt narrowed to the Group kind.
func (s *Sink) GroupPartitionAt(idx int) *GroupInputPartition { return s.groupPartitions[idx] }

// AggPartitionAt is InputPartitionAt narrowed to the Aggregate kind.
func (s *Sink) AggPartitionAt(idx int) *AggregateInputPartition { return s.aggPartitions[idx] }
