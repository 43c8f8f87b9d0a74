package shuffle

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
)

// compressionCodec compresses and decompresses variable-length
// payloads before ArenaRecordStore copies them into the varlen arena.
// See SPEC_FULL.md §B for the rationale behind offering two codecs.
type compressionCodec interface {
	compress(dst, src []byte) ([]byte, error)
	decompress(dst, src []byte) ([]byte, error)
}

func codecFor(c VarlenCodec) compressionCodec {
	switch c {
	case CodecS2:
		return s2Codec{}
	case CodecLZ4:
		return lz4Codec{}
	default:
		return noneCodec{}
	}
}

type noneCodec struct{}

func (noneCodec) compress(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }
func (noneCodec) decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

// s2Codec wraps klauspost/compress/s2, a Snappy-compatible codec tuned
// for throughput; it is the default VarlenCodec since a shuffle's
// varlen arena sits on the record-write hot path.
type s2Codec struct{}

func (s2Codec) compress(dst, src []byte) ([]byte, error) {
	return s2.Encode(dst, src), nil
}

func (s2Codec) decompress(dst, src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("shuffle: s2 decode: %w", err)
	}
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	out, err := s2.Decode(dst[:n], src)
	if err != nil {
		return nil, fmt.Errorf("shuffle: s2 decode: %w", err)
	}
	return out, nil
}

// lz4Codec wraps pierrec/lz4/v4, offered as an alternative for callers
// who already standardize on lz4 elsewhere in the query engine.
type lz4Codec struct{}

func (lz4Codec) compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	w := lz4.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("shuffle: lz4 encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("shuffle: lz4 encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) decompress(dst, src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	out := bytes.NewBuffer(dst[:0])
	if _, err := out.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("shuffle: lz4 decode: %w", err)
	}
	return out.Bytes(), nil
}
