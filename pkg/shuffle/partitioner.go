package shuffle

// Partitioner maps a key's bytes to one of Q downstream InputPartition
// slots. It shares its keyHasher with every PreAggHashTable in the same
// Flow (spec.md §4.5) so that, for the Aggregate exchange, the bucket a
// key's pre-aggregated entry lands in locally already agrees with the
// partition the Writer routes it to: InputPartition[i] in every Sink
// only ever holds keys whose hash mod Q is i.
type Partitioner struct {
	hasher keyHasher
	q      int
}

// NewPartitioner builds a Partitioner routing across q partitions.
func NewPartitioner(hasher keyHasher, q int) *Partitioner {
	invariant(q > 0, "NewPartitioner", "partition count must be positive")
	return &Partitioner{hasher: hasher, q: q}
}

// PartitionOf returns the destination partition index for key.
func (p *Partitioner) PartitionOf(key []byte) int {
	return int(p.hasher.sum64(key) % uint64(p.q))
}

// Q returns the number of partitions this Partitioner routes across.
func (p *Partitioner) Q() int { return p.q }
