// Package shuffle implements the exchange (shuffle) stage of a SQL
// execution engine's dataflow: the repartition layer that sits between
// parallel producer tasks and parallel consumer tasks.
//
// A Flow is the lifecycle coordinator for one shuffle instance. Each
// producer task acquires a Writer from a Sink, writes records, and
// flushes. Once every producer has finished, Flow.Transfer moves
// ownership of each downstream partition's data from the sinks to the
// matching Source, after which consumer tasks acquire Readers and
// stream the merged, repartitioned result.
//
// Two exchange kinds share this machinery. A KindGroup exchange
// repartitions records by a hash of key columns and delivers each
// downstream partition its records already grouped, optionally sorted
// within a group. A KindAggregate exchange performs the same repartition
// but incrementally pre-aggregates same-key values with a hash table
// before they ever reach the partition boundary, then merges partial
// aggregates from peer producers on the consumer side.
//
// The package has no wire format, no CLI, and no network transport: it
// is a library consumed by upstream and downstream relational operators
// through the Writer and GroupReader interfaces.
package shuffle
