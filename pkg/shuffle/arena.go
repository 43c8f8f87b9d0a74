package shuffle

import "encoding/binary"

// varlenSlotSize is the width, in the fixed part of a record, of the
// pointer+length descriptor a FieldBytes field occupies. Sixteen bytes
// holds: which varlen page the payload lives on, its byte offset, how
// many bytes are physically stored (possibly compressed), and the
// original length with a high bit flagging whether compression ran.
const varlenSlotSize = 16

func putVarlenSlot(buf []byte, off int, pageID, pageOff, storedLen, rawLen uint32, compressed bool) {
	if compressed {
		rawLen |= 1 << 31
	}
	binary.LittleEndian.PutUint32(buf[off:], pageID)
	binary.LittleEndian.PutUint32(buf[off+4:], pageOff)
	binary.LittleEndian.PutUint32(buf[off+8:], storedLen)
	binary.LittleEndian.PutUint32(buf[off+12:], rawLen)
}

func getVarlenSlot(buf []byte, off int) (pageID, pageOff, storedLen, rawLen uint32, compressed bool) {
	pageID = binary.LittleEndian.Uint32(buf[off:])
	pageOff = binary.LittleEndian.Uint32(buf[off+4:])
	storedLen = binary.LittleEndian.Uint32(buf[off+8:])
	rawLen = binary.LittleEndian.Uint32(buf[off+12:])
	compressed = rawLen&(1<<31) != 0
	rawLen &^= 1 << 31
	return
}

// RecordPointer is a stable reference into an ArenaRecordStore's fixed
// page chain. It replaces the source design's raw pointer-into-page: a
// (page, offset) pair is the ownership-strict equivalent the spec.md
// §9 design notes call for ("raw pointer back-references... becomes an
// arena-index pair"). A RecordPointer remains valid for the lifetime of
// the ArenaRecordStore that produced it; nothing in this package moves
// or frees a page while pointers into it may still be live.
type RecordPointer struct {
	pg  *page
	off int32
}

// IsZero reports whether p is the zero value (no backing page).
func (p RecordPointer) IsZero() bool { return p.pg == nil }

// Equal reports whether p and o reference the same record.
func (p RecordPointer) Equal(o RecordPointer) bool { return p.pg == o.pg && p.off == o.off }

func (p RecordPointer) bytes(size int) []byte {
	return p.pg.buf[p.off : int(p.off)+size]
}

// ArenaRecordStore appends records into page-allocated fixed-size
// pages, returning a stable RecordPointer, and deep-copies any
// variable-length field payloads into a parallel varlen arena whose
// pages it also owns. Both arenas are released back to the Pool only
// when the store itself is destroyed (Close), matching spec.md §4.1's
// lifetime contract.
type ArenaRecordStore struct {
	pool *Pool

	fixedPages []*page
	fixedCur   *page

	varlenPages []*page
	varlenCur   *page

	codec     compressionCodec
	threshold int
}

// NewArenaRecordStore constructs a store drawing pages from pool,
// compressing varlen payloads at or above threshold bytes with codec.
func NewArenaRecordStore(pool *Pool, codec VarlenCodec, threshold int) *ArenaRecordStore {
	return &ArenaRecordStore{pool: pool, codec: codecFor(codec), threshold: threshold}
}

func (s *ArenaRecordStore) ensureFixedRoom(size, alignment int) (*page, int, error) {
	if s.fixedCur != nil {
		off := alignUp(s.fixedCur.used, alignment)
		if off+size <= len(s.fixedCur.buf) {
			return s.fixedCur, off, nil
		}
	}
	pg, err := s.pool.Get()
	if err != nil {
		return nil, 0, err
	}
	if size > len(pg.buf) {
		// A single record larger than one page cannot be served by this
		// store; this is a fatal allocation failure per spec.md §4.1.
		return nil, 0, newAllocError(size)
	}
	s.fixedPages = append(s.fixedPages, pg)
	s.fixedCur = pg
	return pg, 0, nil
}

func alignUp(off, alignment int) int {
	if alignment <= 1 {
		return off
	}
	if rem := off % alignment; rem != 0 {
		return off + (alignment - rem)
	}
	return off
}

// Append copies b's fixed-size bytes into the current fixed page
// (allocating a new page if needed), deep-copies any variable-length
// payloads into the varlen arena, rewrites the corresponding FieldBytes
// slots to point at the copies, and returns a stable RecordPointer.
func (s *ArenaRecordStore) Append(meta *RecordMeta, b *RecordBuilder) (RecordPointer, error) {
	pg, off, err := s.ensureFixedRoom(meta.RecordSize, meta.Alignment)
	if err != nil {
		return RecordPointer{}, err
	}
	dst := pg.buf[off : off+meta.RecordSize]
	copy(dst, b.buf)

	for idx, raw := range b.varlens {
		fm := meta.Fields[idx]
		if err := s.putVarlen(dst, fm.Offset, raw); err != nil {
			return RecordPointer{}, err
		}
	}

	pg.used = off + meta.RecordSize
	return RecordPointer{pg: pg, off: int32(off)}, nil
}

func (s *ArenaRecordStore) putVarlen(dst []byte, slotOff int, raw []byte) error {
	compressed := len(raw) >= s.threshold
	stored := raw
	if compressed {
		var err error
		stored, err = s.codec.compress(nil, raw)
		if err != nil {
			return err
		}
	}

	if s.varlenCur == nil || s.varlenCur.remaining() < len(stored) {
		pg, err := s.pool.Get()
		if err != nil {
			return err
		}
		if len(stored) > len(pg.buf) {
			return newAllocError(len(stored))
		}
		s.varlenPages = append(s.varlenPages, pg)
		s.varlenCur = pg
	}
	pg := s.varlenCur
	pageID := uint32(len(s.varlenPages) - 1)
	pageOff := uint32(pg.used)
	copy(pg.buf[pg.used:], stored)
	pg.used += len(stored)

	putVarlenSlot(dst, slotOff, pageID, pageOff, uint32(len(stored)), uint32(len(raw)), compressed)
	return nil
}

// Bytes returns the fixed-size byte view of the record referenced by p,
// sized per meta.
func (s *ArenaRecordStore) Bytes(p RecordPointer, meta *RecordMeta) []byte {
	return p.bytes(meta.RecordSize)
}

// Varlen returns the decompressed variable-length payload stored at
// field in the record referenced by p.
func (s *ArenaRecordStore) Varlen(p RecordPointer, meta *RecordMeta, field int) []byte {
	buf := p.bytes(meta.RecordSize)
	fm := meta.Fields[field]
	pageID, pageOff, storedLen, rawLen, compressed := getVarlenSlot(buf, fm.Offset)
	pg := s.varlenPages[pageID]
	stored := pg.buf[pageOff : pageOff+storedLen]
	if !compressed {
		out := make([]byte, rawLen)
		copy(out, stored)
		return out
	}
	out, err := s.codec.decompress(make([]byte, 0, rawLen), stored)
	if err != nil {
		panic(&InvariantError{Op: "ArenaRecordStore.Varlen", Msg: err.Error()})
	}
	return out
}

// LastPageIndex returns the index, within this store's fixed page
// chain, of the page most recently appended to. Valid to call
// immediately after Append; used to encode a back-pointer to the
// record Append just wrote.
func (s *ArenaRecordStore) LastPageIndex() uint32 { return uint32(len(s.fixedPages) - 1) }

// PointerAt reconstructs a RecordPointer from a (pageIndex, offset)
// pair previously obtained via LastPageIndex and a RecordPointer's
// offset, as stored in a key record's back-pointer field.
func (s *ArenaRecordStore) PointerAt(pageIndex, offset uint32) RecordPointer {
	return RecordPointer{pg: s.fixedPages[pageIndex], off: int32(offset)}
}

// Close returns every page owned by this store to its Pool. The store
// (and every RecordPointer it produced) must not be used afterward.
func (s *ArenaRecordStore) Close() {
	for _, pg := range s.fixedPages {
		s.pool.Put(pg)
	}
	for _, pg := range s.varlenPages {
		s.pool.Put(pg)
	}
	s.fixedPages, s.fixedCur = nil, nil
	s.varlenPages, s.varlenCur = nil, nil
}
