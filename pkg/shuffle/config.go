package shuffle

// Kind distinguishes the two exchange variants that share this
// package's machinery.
type Kind int8

const (
	// KindGroup repartitions records by a hash of key columns and
	// delivers each downstream partition its records already grouped.
	KindGroup Kind = iota
	// KindAggregate performs the same repartition but pre-aggregates
	// same-key values locally before shipping them downstream.
	KindAggregate
)

func (k Kind) String() string {
	if k == KindAggregate {
		return "aggregate"
	}
	return "group"
}

// VarlenCodec selects the compression codec ArenaRecordStore uses for
// variable-length payloads at or above the configured compression
// threshold. See SPEC_FULL.md §B for why these two codecs in
// particular.
type VarlenCodec int8

const (
	// CodecNone stores variable-length payloads uncompressed.
	CodecNone VarlenCodec = iota
	// CodecS2 uses klauspost/compress/s2, optimized for throughput.
	CodecS2
	// CodecLZ4 uses pierrec/lz4/v4.
	CodecLZ4
)

const (
	defaultPageSize                   = 2 << 20 // 2 MiB, one pointer table per page
	defaultPointerSize                = 8       // bytes; sizes PointerTable capacity
	defaultLoadFactor                 = 0.7
	defaultNeighbourhood              = 62 // Hopscotch H
	defaultVarlenCompressionThreshold = 256
)

// cfg is the resolved configuration built by applying Opt values. It is
// unexported; callers only ever see Opt and the constructors below,
// mirroring the teacher's kgo.Opt / cfg split (txn.go configures a
// *Client exclusively through the variadic Opt mechanism).
type cfg struct {
	logger Logger

	useSortedVector       bool
	noopPregroup          bool
	normalizeFloat        bool
	generateRecordOnEmpty bool

	partitionLimit int // <0 == unlimited, 0 == LIMIT 0; spec §4.10 LIMIT semantics

	pageSize    int
	maxPages    int // 0 == unbounded
	hashSeed    [16]byte
	hasHashSeed bool

	varlenCodec                VarlenCodec
	varlenCompressionThreshold int
}

func defaultCfg() *cfg {
	return &cfg{
		logger:                     nopLogger{},
		pageSize:                   defaultPageSize,
		partitionLimit:             -1, // unlimited
		varlenCodec:                CodecS2,
		varlenCompressionThreshold: defaultVarlenCompressionThreshold,
	}
}

// Opt configures a Flow at construction time. This is the explicit
// replacement spec.md §9 calls for in place of configuration read off
// an ambient request-context; the functional-options shape itself is
// grounded on the teacher's own kgo.Opt / NewClient(opts ...Opt).
type Opt interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

// WithLogger sets the Logger the Flow logs its state transitions to.
// The default discards everything.
func WithLogger(l Logger) Opt {
	return optFunc(func(c *cfg) { c.logger = l })
}

// UseSortedVector selects the sorted-vector Reader over the
// priority-queue Reader for a Group exchange.
func UseSortedVector() Opt {
	return optFunc(func(c *cfg) { c.useSortedVector = true })
}

// NoopPregroup skips the per-PointerTable sort at flush for a Group
// exchange. It forces the sorted-vector reader downstream, since
// individual tables are no longer internally ordered.
func NoopPregroup() Opt {
	return optFunc(func(c *cfg) {
		c.noopPregroup = true
		c.useSortedVector = true
	})
}

// NormalizeFloat canonicalizes NaN's bit pattern and collapses -0.0 and
// +0.0 to a single encoding during key encoding, so they compare equal.
func NormalizeFloat() Opt {
	return optFunc(func(c *cfg) { c.normalizeFloat = true })
}

// GenerateRecordOnEmpty makes an Aggregate exchange materialize exactly
// one all-null-key row (with the aggregator's empty value) when no
// producer ever wrote a record.
func GenerateRecordOnEmpty() Opt {
	return optFunc(func(c *cfg) { c.generateRecordOnEmpty = true })
}

// WithPartitionLimit caps the number of members a Group Reader yields
// per group. A limit of 0 makes next_group return false immediately
// (spec.md §4.10's LIMIT 0 behaviour). Unset, a Flow's Readers are
// unlimited.
func WithPartitionLimit(n int) Opt {
	return optFunc(func(c *cfg) { c.partitionLimit = n })
}

// WithPageSize overrides the page size backing ArenaRecordStore pages
// and PointerTable capacity (capacity = pageSize / pointer size).
func WithPageSize(n int) Opt {
	return optFunc(func(c *cfg) { c.pageSize = n })
}

// WithHashSeed sets the blake2b key used to hash key-records for
// partitioning and pre-aggregation. Leaving this unset uses an unkeyed
// hash, which is sufficient and deterministic for a single shuffle
// instance's lifetime.
func WithHashSeed(seed [16]byte) Opt {
	return optFunc(func(c *cfg) {
		c.hashSeed = seed
		c.hasHashSeed = true
	})
}

// WithMaxPages caps the total number of pages the Flow's page pool will
// hand out across every Sink's arenas. Once the cap is hit, writes fail
// with an error wrapping ErrPagePoolExhausted; the producer task is
// expected to record it on the RequestContext and stop. Zero (the
// default) means unbounded.
func WithMaxPages(n int) Opt {
	return optFunc(func(c *cfg) { c.maxPages = n })
}

// WithVarlenCodec selects the compression codec for variable-length
// arena payloads at or above the compression threshold.
func WithVarlenCodec(codec VarlenCodec) Opt {
	return optFunc(func(c *cfg) { c.varlenCodec = codec })
}

// WithVarlenCompressionThreshold sets the minimum payload size (bytes)
// before the configured VarlenCodec is applied.
func WithVarlenCompressionThreshold(n int) Opt {
	return optFunc(func(c *cfg) { c.varlenCompressionThreshold = n })
}

func (c *cfg) pointerTableCapacity() int {
	cap := c.pageSize / defaultPointerSize
	if cap < 1 {
		cap = 1
	}
	return cap
}
