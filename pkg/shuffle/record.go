package shuffle

import (
	"encoding/binary"
	"math"
)

// FieldType enumerates the scalar types this package's minimal record
// layout library understands. The real record encoding / field-layout
// subsystem is out of scope (spec.md §1 treats it as a library the core
// consumes); this is a deliberately small stand-in sufficient to
// exercise key extraction, sort-key encoding, and pre-aggregation.
type FieldType int8

const (
	FieldInt64 FieldType = iota
	FieldFloat64
	FieldBytes // variable-length; stored as a varlenSlot in the fixed part
	// FieldBackPtr is a key record's trailing (pageID, offset) reference
	// to its matching aggregate value record, the arena-index-pair
	// replacement for the source design's raw back-pointer (spec.md §9).
	// It is never produced by RecordBuilder; only the aggregate write
	// path populates it, after a key record has been appended.
	FieldBackPtr
)

func (t FieldType) fixedWidth() int {
	switch t {
	case FieldInt64, FieldFloat64, FieldBackPtr:
		return 8
	case FieldBytes:
		return varlenSlotSize
	default:
		return 0
	}
}

// FieldMeta describes one field's position within a record's fixed-size
// part.
type FieldMeta struct {
	Type FieldType
	// Offset is the byte offset of this field within the fixed part.
	Offset int
	// NullBitOffset is this field's bit index in the null bitmap, or -1
	// if the field is not nullable.
	NullBitOffset int
}

// RecordMeta describes the fixed-size layout of a record: field
// offsets, the null bitmap, total size, and required alignment.
// Variable-length field values themselves live in a separate arena; a
// FieldBytes field's slot in the fixed part holds a pointer+length pair
// into that arena (see arena.go's varlenSlot).
type RecordMeta struct {
	Fields           []FieldMeta
	NullBitmapOffset int
	NullBitmapBytes  int
	RecordSize       int
	Alignment        int
}

// NewRecordMeta lays out fields in order: each field's Offset is
// assigned packed-but-aligned to its own width, followed by a null
// bitmap sized to len(fields), and the whole record padded up to
// alignment (default 8, matching spec.md §4.1).
func NewRecordMeta(alignment int, nullable []bool, types ...FieldType) *RecordMeta {
	if alignment <= 0 {
		alignment = 8
	}
	m := &RecordMeta{Alignment: alignment}
	off := 0
	for _, t := range types {
		w := t.fixedWidth()
		if off%w != 0 && w > 0 {
			off += w - off%w
		}
		m.Fields = append(m.Fields, FieldMeta{Type: t, Offset: off, NullBitOffset: -1})
		off += w
	}
	m.NullBitmapOffset = off
	m.NullBitmapBytes = (len(types) + 7) / 8
	for i := range m.Fields {
		if i < len(nullable) && nullable[i] {
			m.Fields[i].NullBitOffset = i
		}
	}
	off += m.NullBitmapBytes
	if rem := off % alignment; rem != 0 {
		off += alignment - rem
	}
	m.RecordSize = off
	return m
}

func isNull(buf []byte, meta *RecordMeta, fieldIdx int) bool {
	bit := meta.Fields[fieldIdx].NullBitOffset
	if bit < 0 {
		return false
	}
	byteOff := meta.NullBitmapOffset + bit/8
	return buf[byteOff]&(1<<uint(bit%8)) != 0
}

func setNull(buf []byte, meta *RecordMeta, fieldIdx int, null bool) {
	bit := meta.Fields[fieldIdx].NullBitOffset
	if bit < 0 {
		return
	}
	byteOff := meta.NullBitmapOffset + bit/8
	mask := byte(1 << uint(bit%8))
	if null {
		buf[byteOff] |= mask
	} else {
		buf[byteOff] &^= mask
	}
}

func getInt64(buf []byte, off int) int64 {
	return int64(binary.LittleEndian.Uint64(buf[off:]))
}

func putInt64(buf []byte, off int, v int64) {
	binary.LittleEndian.PutUint64(buf[off:], uint64(v))
}

func getFloat64Bits(buf []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(buf[off:])
}

func putFloat64Bits(buf []byte, off int, bits uint64) {
	binary.LittleEndian.PutUint64(buf[off:], bits)
}

// RecordBuilder assembles one input record's fixed-size bytes plus any
// variable-length payloads before it is handed to Writer.WriteGroup or
// Writer.WriteAggregate. It is
// the producer-facing equivalent of the record-ref the out-of-scope
// record encoding subsystem would otherwise hand the engine.
type RecordBuilder struct {
	meta    *RecordMeta
	buf     []byte
	varlens map[int][]byte // fieldIdx -> raw payload, deep-copied by the arena on append
}

// NewRecordBuilder allocates a zeroed record of meta's shape.
func NewRecordBuilder(meta *RecordMeta) *RecordBuilder {
	return &RecordBuilder{meta: meta, buf: make([]byte, meta.RecordSize)}
}

// SetInt64 sets a FieldInt64 field's value.
func (b *RecordBuilder) SetInt64(field int, v int64) *RecordBuilder {
	putInt64(b.buf, b.meta.Fields[field].Offset, v)
	setNull(b.buf, b.meta, field, false)
	return b
}

// SetFloat64 sets a FieldFloat64 field's value.
func (b *RecordBuilder) SetFloat64(field int, v float64) *RecordBuilder {
	putFloat64Bits(b.buf, b.meta.Fields[field].Offset, math.Float64bits(v))
	setNull(b.buf, b.meta, field, false)
	return b
}

// SetBytes sets a FieldBytes field's payload; the bytes are deep-copied
// into the arena when this builder is appended.
func (b *RecordBuilder) SetBytes(field int, v []byte) *RecordBuilder {
	if b.varlens == nil {
		b.varlens = make(map[int][]byte)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	b.varlens[field] = cp
	setNull(b.buf, b.meta, field, false)
	return b
}

// SetNull marks field as SQL NULL.
func (b *RecordBuilder) SetNull(field int) *RecordBuilder {
	setNull(b.buf, b.meta, field, true)
	return b
}

// Bytes returns this builder's assembled fixed-size record bytes. Valid
// once every field has been set; callers must not mutate the returned
// slice. Used to hand a raw record to Writer.WriteAggregate and to
// derive the grouping-key bytes a Partitioner hashes on.
func (b *RecordBuilder) Bytes() []byte { return b.buf }

// FieldBytes returns the raw fixed-width bytes of one scalar field, as
// stored (no float canonicalization). Only meaningful for
// FieldInt64/FieldFloat64 fields.
func (b *RecordBuilder) FieldBytes(field int) []byte {
	fm := b.meta.Fields[field]
	w := fm.Type.fixedWidth()
	return b.buf[fm.Offset : fm.Offset+w]
}

// putBackPointer writes a FieldBackPtr field's (pageID, offset) pair
// directly into an already-appended record's bytes.
func putBackPointer(buf []byte, off int, pageID, pageOff uint32) {
	binary.LittleEndian.PutUint32(buf[off:], pageID)
	binary.LittleEndian.PutUint32(buf[off+4:], pageOff)
}

func getBackPointer(buf []byte, off int) (pageID, pageOff uint32) {
	pageID = binary.LittleEndian.Uint32(buf[off:])
	pageOff = binary.LittleEndian.Uint32(buf[off+4:])
	return
}
