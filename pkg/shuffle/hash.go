package shuffle

import "golang.org/x/crypto/blake2b"

// keyHasher computes the single hash function shared by Partitioner and
// PreAggHashTable, per spec.md §4.5 ("Hash function is the same one
// used by the pre-aggregation hash table so that InputPartition[i]
// inside every Sink holds keys whose hash residue mod Q is i"). See
// SPEC_FULL.md §B for why blake2b rather than a bespoke hash.
type keyHasher struct {
	key []byte // nil for an unkeyed hash
}

func newKeyHasher(seed [16]byte, keyed bool) keyHasher {
	if !keyed {
		return keyHasher{}
	}
	return keyHasher{key: seed[:]}
}

// sum64 hashes b to a 64-bit digest using an 8-byte blake2b output.
func (h keyHasher) sum64(b []byte) uint64 {
	sum, err := blake2b.New(8, h.key)
	if err != nil {
		// Only returns an error for an out-of-range size or oversized
		// key, both of which are compile-time constants here.
		panic(err)
	}
	sum.Write(b)
	digest := sum.Sum(nil)
	var v uint64
	for _, b := range digest {
		v = v<<8 | uint64(b)
	}
	return v
}
