package shuffle

// Source is one consumer task's receiving end: the set of
// InputPartitions transferred to it from every producer's Sink (one
// partition per Sink, spec.md §4.8). Partitions arrive during
// Flow.Transfer, and storage grows as they arrive rather than being
// sized up front.
type Source struct {
	kind Kind

	groupPartitions []*GroupInputPartition
	aggPartitions   []*AggregateInputPartition
}

func newSource(kind Kind) *Source { return &Source{kind: kind} }

// receiveGroup accepts one producer's transferred partition. A nil
// partition (that producer never wrote to this destination index) is
// silently dropped rather than stored as an empty placeholder.
func (s *Source) receiveGroup(p *GroupInputPartition) {
	if p == nil {
		return
	}
	s.groupPartitions = append(s.groupPartitions, p)
}

func (s *Source) receiveAgg(p *AggregateInputPartition) {
	if p == nil {
		return
	}
	s.aggPartitions = append(s.aggPartitions, p)
}

// GroupPartitions returns every partition received so far.
func (s *Source) GroupPartitions() []*GroupInputPartition { return s.groupPartitions }

// AggPartitions returns every partition received so far.
func (s *Source) AggPartitions() []*AggregateInputPartition { return s.aggPartitions }

// Close releases every received partition's underlying arena storage.
// Must only be called once every Reader acquired against this Source
// has been released.
func (s *Source) Close() {
	for _, p := range s.groupPartitions {
		p.close()
	}
	for _, p := range s.aggPartitions {
		p.close()
	}
}
