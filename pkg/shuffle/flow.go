package shuffle

// flowState is the Flow lifecycle: created -> partitions_set_up ->
// writing -> transferred -> reading (spec.md §4.9).
type flowState int8

const (
	flowCreated flowState = iota
	flowPartitionsSetUp
	flowWriting
	flowTransferred
	flowReading
)

// Flow owns one shuffle's whole lifecycle: P producer-side Sinks, Q
// consumer-side Sources, and the one-shot Transfer barrier that moves
// every InputPartition from its Sink to its matching Source. Grounded
// on jogasaki's exchange::flow, which plays the same owning/orchestrating
// role around a single group-by or aggregate exchange.
type Flow struct {
	kind Kind
	cfg  *cfg
	pool *Pool

	hasher      keyHasher
	partitioner *Partitioner

	shuffleInfo *ShuffleInfo   // set for KindGroup
	aggInfo     *AggregateInfo // set for KindAggregate

	p, q int

	sinks   []*Sink
	sources []*Source

	// rc is the RequestContext Transfer ran under; Readers consult it
	// for cooperative cancellation at each NextGroup.
	rc *RequestContext

	state flowState
}

func newFlow(kind Kind, opts ...Opt) *Flow {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(c)
	}
	return &Flow{
		kind:   kind,
		cfg:    c,
		pool:   NewPool(c.pageSize, c.maxPages),
		hasher: newKeyHasher(c.hashSeed, c.hasHashSeed),
		state:  flowCreated,
	}
}

// NewGroupFlow builds a Group exchange with p producer Sinks and q
// consumer Sources, comparing and grouping records per info.
func NewGroupFlow(p, q int, info *ShuffleInfo, opts ...Opt) *Flow {
	f := newFlow(KindGroup, opts...)
	info.NormalizeFloat = f.cfg.normalizeFloat
	f.shuffleInfo = info
	f.setupPartitions(p, q)
	return f
}

// NewAggregateFlow builds an Aggregate exchange with p producer Sinks
// and q consumer Sources, pre-aggregating per agg.
func NewAggregateFlow(p, q int, agg *AggregateInfo, opts ...Opt) *Flow {
	f := newFlow(KindAggregate, opts...)
	agg.NormalizeFloat = f.cfg.normalizeFloat
	f.aggInfo = agg
	f.setupPartitions(p, q)
	return f
}

// setupPartitions allocates p Sinks and q Sources and the Partitioner
// routing between them. Each InputPartition is created lazily, on a
// Sink's first write to it (spec.md §4.3).
func (f *Flow) setupPartitions(p, q int) {
	invariant(f.state == flowCreated, "Flow.setupPartitions", "partitions already set up")
	invariant(p > 0 && q > 0, "Flow.setupPartitions", "producer and consumer counts must be positive")
	f.p, f.q = p, q
	f.partitioner = NewPartitioner(f.hasher, q)

	f.sinks = make([]*Sink, p)
	for i := range f.sinks {
		f.sinks[i] = f.newSink()
	}
	f.sources = make([]*Source, q)
	for j := range f.sources {
		f.sources[j] = newSource(f.kind)
	}
	f.state = flowPartitionsSetUp
	f.cfg.logger.Log(LogLevelInfo, "shuffle: partitions set up", "kind", f.kind.String(), "sinks", p, "sources", q)
}

func (f *Flow) newSink() *Sink {
	switch f.kind {
	case KindGroup:
		return newSink(f.kind, f.q, f.partitioner, f.shuffleInfo, nil, func(int) *GroupInputPartition {
			store := NewArenaRecordStore(f.pool, f.cfg.varlenCodec, f.cfg.varlenCompressionThreshold)
			return NewGroupInputPartition(store, f.shuffleInfo, f.cfg.pointerTableCapacity(), f.cfg.noopPregroup)
		}, nil)
	default:
		bucketCount := nextPow2(f.cfg.pointerTableCapacity())
		neighbourhood := defaultNeighbourhood
		if neighbourhood > bucketCount {
			neighbourhood = bucketCount
		}
		return newSink(f.kind, f.q, f.partitioner, nil, f.aggInfo, nil, func(int) *AggregateInputPartition {
			keyStore := NewArenaRecordStore(f.pool, f.cfg.varlenCodec, f.cfg.varlenCompressionThreshold)
			valueStore := NewArenaRecordStore(f.pool, f.cfg.varlenCodec, f.cfg.varlenCompressionThreshold)
			return NewAggregateInputPartition(keyStore, valueStore, f.aggInfo, bucketCount, neighbourhood, defaultLoadFactor, f.hasher)
		})
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// AcquireWriter vends the Writer for producer task sinkIdx's Sink.
func (f *Flow) AcquireWriter(sinkIdx int) *Writer {
	invariant(f.state == flowPartitionsSetUp || f.state == flowWriting, "Flow.AcquireWriter", "flow not accepting writers")
	f.state = flowWriting
	return f.sinks[sinkIdx].AcquireWriter()
}

// Partitioner exposes the Flow's key-to-partition router. Writers
// derive and hash key bytes themselves; this accessor exists for
// callers that need to reason about routing (e.g. a planner estimating
// partition skew).
func (f *Flow) Partitioner() *Partitioner { return f.partitioner }

// Transfer runs the one-shot barrier moving every InputPartition from
// every Sink to its matching Source (spec.md §4.9). It must be called
// exactly once, after every producer has flushed and released its
// Writer. For an Aggregate exchange it additionally: (1) detects
// whether any producer wrote anything at all, (2) when configured via
// GenerateRecordOnEmpty and the aggregate has no grouping columns,
// synthesizes the single empty-input output row into Sink 0's partition
// 0 — but only if rc carries no upstream failure, since an upstream
// error must propagate rather than be masked by a fabricated empty
// result (spec.md §4.13) — and (3) releases every hash table.
func (f *Flow) Transfer(rc *RequestContext) error {
	invariant(f.state == flowWriting || f.state == flowPartitionsSetUp, "Flow.Transfer", "flow already transferred")

	if f.kind == KindAggregate {
		anyWrites := false
		for _, s := range f.sinks {
			if len(s.NonEmptyPartitions()) > 0 {
				anyWrites = true
				break
			}
		}
		if !anyWrites && f.cfg.generateRecordOnEmpty && f.aggInfo.ScalarAggregate() && !rc.Status().Failed() && len(f.sinks) > 0 {
			if err := f.sinks[0].aggPartition(0).WriteEmptyGroup(); err != nil {
				return err
			}
		}
	}

	for _, s := range f.sinks {
		if err := s.releaseAll(); err != nil {
			return err
		}
	}

	moved := 0
	for _, s := range f.sinks {
		for j := 0; j < f.q; j++ {
			switch f.kind {
			case KindGroup:
				if p := s.GroupPartitionAt(j); p != nil {
					f.sources[j].receiveGroup(p)
					moved++
				}
			default:
				if p := s.AggPartitionAt(j); p != nil {
					f.sources[j].receiveAgg(p)
					moved++
				}
			}
		}
	}

	f.rc = rc
	f.state = flowTransferred
	f.cfg.logger.Log(LogLevelInfo, "shuffle: transfer complete", "kind", f.kind.String(), "partitions_moved", moved)
	return nil
}

// Kind reports which exchange variant this Flow coordinates.
func (f *Flow) Kind() Kind { return f.kind }

// AcquireGroupReader vends a GroupReader over consumer task sourceIdx's
// Source, using the priority-queue merge or the sorted-vector merge per
// the Flow's UseSortedVector option, capped at the Flow's
// WithPartitionLimit.
func (f *Flow) AcquireGroupReader(sourceIdx int) GroupReader {
	invariant(f.kind == KindGroup, "Flow.AcquireGroupReader", "flow is not a Group exchange")
	invariant(f.state == flowTransferred || f.state == flowReading, "Flow.AcquireGroupReader", "flow not yet transferred")
	f.state = flowReading
	src := f.sources[sourceIdx]
	if f.cfg.useSortedVector {
		return NewSortedVectorGroupReader(f.shuffleInfo, src.GroupPartitions(), f.cfg.partitionLimit, f.rc)
	}
	return NewPQGroupReader(f.shuffleInfo, src.GroupPartitions(), f.cfg.partitionLimit, f.rc)
}

// AcquireAggregateReader vends an AggregateReader over consumer task
// sourceIdx's Source.
func (f *Flow) AcquireAggregateReader(sourceIdx int) *AggregateReader {
	invariant(f.kind == KindAggregate, "Flow.AcquireAggregateReader", "flow is not an Aggregate exchange")
	invariant(f.state == flowTransferred || f.state == flowReading, "Flow.AcquireAggregateReader", "flow not yet transferred")
	f.state = flowReading
	src := f.sources[sourceIdx]
	return NewAggregateReader(f.aggInfo, src.AggPartitions(), f.rc)
}

// Close releases every Source's arena storage. Call only after every
// acquired Reader has been released.
func (f *Flow) Close() {
	for _, s := range f.sources {
		s.Close()
	}
}
