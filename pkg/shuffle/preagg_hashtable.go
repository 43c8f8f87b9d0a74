package shuffle

import (
	"bytes"
	"math/bits"
)

// hopEntry is one bucket slot: whether occupied, which home bucket it
// belongs to (its ideal hash bucket, used when relocating a neighbour
// out of the way), and the stored key record's pointer.
type hopEntry struct {
	used bool
	home uint64
	key  RecordPointer
}

// PreAggHashTable is an open-addressed hopscotch hash table (Herlihy,
// Shavit & Tzafrir) mapping a grouping key's bytes to the key record
// that owns its running aggregate state. Grounded on jogasaki's
// pre-aggregation hash table design (original_source/.../aggregate/
// ..._context.h), adapted here to Go with an explicit stored home
// bucket per entry rather than recomputing it, which keeps the
// relocation step during Insert a plain lookup instead of a
// neighbourhood rescan.
//
// Every entry belonging to home bucket h is guaranteed to live within
// the next neighbourhood (H) buckets of h, so Find never needs to probe
// further than a single H-bit bitmap scan. The table never resizes:
// once another insert would push its load factor past the configured
// cap, or Insert cannot
// place an entry within the neighbourhood bound even after relocating
// neighbours, the caller (InputPartition) flushes the table's contents
// out to a PointerTable and clears it for reuse (spec.md §4.6,
// "load-factor cap triggers flush, not resize").
type PreAggHashTable struct {
	buckets       []hopEntry
	hop           []uint64 // hop[home] bit d set => bucket (home+d)%n holds an entry whose home is `home`
	mask          uint64
	size          int
	h             int
	loadFactorCap float64

	hasher  keyHasher
	store   *ArenaRecordStore
	keyMeta *RecordMeta
	// keyCmpLen is the byte range of a key record that participates in
	// hashing and equality: everything up to (excluding) the trailing
	// FieldBackPtr field.
	keyCmpLen int
}

// NewPreAggHashTable builds a table with bucketCount buckets (must be a
// power of two) and an H-bucket relocation neighbourhood.
func NewPreAggHashTable(bucketCount, neighbourhood int, loadFactorCap float64, hasher keyHasher, store *ArenaRecordStore, keyMeta *RecordMeta) *PreAggHashTable {
	invariant(bucketCount > 0 && bucketCount&(bucketCount-1) == 0, "NewPreAggHashTable", "bucket count must be a power of two")
	invariant(neighbourhood > 0 && neighbourhood <= bucketCount, "NewPreAggHashTable", "neighbourhood must fit within the table")
	return &PreAggHashTable{
		buckets:       make([]hopEntry, bucketCount),
		hop:           make([]uint64, bucketCount),
		mask:          uint64(bucketCount - 1),
		h:             neighbourhood,
		loadFactorCap: loadFactorCap,
		hasher:        hasher,
		store:         store,
		keyMeta:       keyMeta,
		keyCmpLen:     keyMeta.Fields[len(keyMeta.Fields)-1].Offset,
	}
}

// Len reports the number of entries currently stored.
func (t *PreAggHashTable) Len() int { return t.size }

// Cap reports the bucket count.
func (t *PreAggHashTable) Cap() int { return len(t.buckets) }

// LoadFactor reports size/bucketCount.
func (t *PreAggHashTable) LoadFactor() float64 { return float64(t.size) / float64(len(t.buckets)) }

// Full reports whether one more insert would push the load factor past
// loadFactorCap.
func (t *PreAggHashTable) Full() bool {
	return float64(t.size+1)/float64(len(t.buckets)) > t.loadFactorCap
}

func (t *PreAggHashTable) keyBytes(p RecordPointer) []byte {
	return t.store.Bytes(p, t.keyMeta)[:t.keyCmpLen]
}

func (t *PreAggHashTable) hash(keyBuf []byte) uint64 {
	return t.hasher.sum64(keyBuf[:t.keyCmpLen])
}

// Find returns the stored key record whose grouping-key bytes equal
// keyBuf's, if one is present.
func (t *PreAggHashTable) Find(keyBuf []byte) (RecordPointer, bool) {
	home := t.hash(keyBuf) & t.mask
	bm := t.hop[home]
	for bm != 0 {
		d := uint64(bits.TrailingZeros64(bm))
		idx := (home + d) & t.mask
		e := t.buckets[idx]
		if e.used && bytes.Equal(t.keyBytes(e.key), keyBuf[:t.keyCmpLen]) {
			return e.key, true
		}
		bm &^= 1 << d
	}
	return RecordPointer{}, false
}

// Insert adds keyPtr (an already-appended key record whose bytes equal
// keyBuf's grouping columns) under keyBuf's hash. It returns false if
// no slot could be found within the neighbourhood bound even after
// relocating displaced neighbours; the caller must flush and retry.
func (t *PreAggHashTable) Insert(keyBuf []byte, keyPtr RecordPointer) bool {
	n := uint64(len(t.buckets))
	home := t.hash(keyBuf) & t.mask

	free := home
	dist := uint64(0)
	for t.buckets[free].used {
		free = (free + 1) & t.mask
		dist++
		if dist >= n {
			return false
		}
	}

	for dist >= uint64(t.h) {
		moved := false
		for back := t.h - 1; back >= 1; back-- {
			cand := (free - uint64(back) + n) & t.mask
			e := t.buckets[cand]
			if !e.used {
				continue
			}
			newDist := (free - e.home + n) % n
			if newDist >= uint64(t.h) {
				continue
			}
			oldDist := (cand - e.home + n) % n
			t.hop[e.home] &^= 1 << oldDist
			t.hop[e.home] |= 1 << newDist
			t.buckets[free] = hopEntry{used: true, home: e.home, key: e.key}
			t.buckets[cand] = hopEntry{}
			free = cand
			dist = (free - home + n) % n
			moved = true
			break
		}
		if !moved {
			return false
		}
	}

	t.buckets[free] = hopEntry{used: true, home: home, key: keyPtr}
	t.hop[home] |= 1 << dist
	t.size++
	return true
}

// Clear empties the table for reuse without shrinking its bucket or
// hop-bitmap arrays. Callers are responsible for separately releasing
// any arena pages that held the cleared entries' key/value records.
func (t *PreAggHashTable) Clear() {
	for i := range t.buckets {
		t.buckets[i] = hopEntry{}
		t.hop[i] = 0
	}
	t.size = 0
}

// Each calls fn once per stored entry, in bucket order. Used when
// flushing a table's contents out to a PointerTable.
func (t *PreAggHashTable) Each(fn func(key RecordPointer)) {
	for _, e := range t.buckets {
		if e.used {
			fn(e.key)
		}
	}
}
