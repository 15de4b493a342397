package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/tsawler/go-promptel/tensor"
)

// Blob layout:
//
//	magic "PEL1" | version u16 | codec u8 | reserved u8 | crc32 u32 |
//	raw length u64 | stored length u64 | stored payload
//
// The CRC covers the uncompressed payload:
//
//	meta length u32 | meta JSON | record count u32 | records...
//
// and each record is
//
//	name length u16 | name | ndim u8 | dims u32... | float64 data
const (
	magic         = "PEL1"
	formatVersion = 1
	headerSize    = 4 + 2 + 1 + 1 + 4 + 8 + 8

	// lz4MaxRatio bounds how far an lz4 block can expand.
	lz4MaxRatio = 255
	// zstdPreallocRatio caps the up-front zstd output buffer relative to the
	// stored size; larger payloads grow the buffer while decoding.
	zstdPreallocRatio = 8
)

// Record name prefixes inside the payload.
const (
	modelPrefix    = "model/"
	expAvgPrefix   = "optim/exp_avg/"
	expAvgSqPrefix = "optim/exp_avg_sq/"
)

// Codec selects how the payload is compressed.
type Codec uint8

const (
	// CodecNone stores the payload as is.
	CodecNone Codec = 0
	// CodecZstd compresses with zstd (better ratio).
	CodecZstd Codec = 1
	// CodecLZ4 compresses with lz4 block compression (faster).
	CodecLZ4 Codec = 2
)

// String returns the codec name.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec reads none, zstd or lz4.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return CodecNone, fmt.Errorf("unknown checkpoint compression %q", s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

func compress(codec Codec, raw []byte) (Codec, []byte, error) {
	switch codec {
	case CodecNone:
		return CodecNone, raw, nil
	case CodecZstd:
		enc, err := getZstdEncoder()
		if err != nil {
			return codec, nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer zstdEncoderPool.Put(enc)
		return CodecZstd, enc.EncodeAll(raw, nil), nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return codec, nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if n == 0 {
			// Incompressible: store raw.
			return CodecNone, raw, nil
		}
		return CodecLZ4, dst[:n], nil
	default:
		return codec, nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

func decompress(codec Codec, stored []byte, rawLen uint64) ([]byte, error) {
	switch codec {
	case CodecNone:
		return stored, nil
	case CodecZstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(stored, make([]byte, 0, min(rawLen, uint64(len(stored))*zstdPreallocRatio)))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		return out, nil
	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, uint8(codec))
	}
}

// Encode serialises ck into a blob.
func Encode(ck *Checkpoint, codec Codec) ([]byte, error) {
	raw, err := encodePayload(ck)
	if err != nil {
		return nil, err
	}
	used, stored, err := compress(codec, raw)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, headerSize, headerSize+len(stored))
	copy(blob, magic)
	binary.LittleEndian.PutUint16(blob[4:], formatVersion)
	blob[6] = byte(used)
	binary.LittleEndian.PutUint32(blob[8:], crc32.ChecksumIEEE(raw))
	binary.LittleEndian.PutUint64(blob[12:], uint64(len(raw)))
	binary.LittleEndian.PutUint64(blob[20:], uint64(len(stored)))
	return append(blob, stored...), nil
}

func encodePayload(ck *Checkpoint) ([]byte, error) {
	meta, err := json.Marshal(ck)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint metadata: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(meta) + 64)
	buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(meta))))
	buf.Write(meta)

	type record struct {
		name string
		t    *tensor.Tensor
	}
	var records []record
	for _, name := range ck.ModelState.Names() {
		records = append(records, record{modelPrefix + name, ck.ModelState[name]})
	}
	for _, name := range tensor.StateDict(ck.Optimizer.ExpAvg).Names() {
		records = append(records, record{expAvgPrefix + name, ck.Optimizer.ExpAvg[name]})
	}
	for _, name := range tensor.StateDict(ck.Optimizer.ExpAvgSq).Names() {
		records = append(records, record{expAvgSqPrefix + name, ck.Optimizer.ExpAvgSq[name]})
	}

	buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(records))))
	for _, r := range records {
		if len(r.name) > math.MaxUint16 {
			return nil, fmt.Errorf("tensor name too long: %d bytes", len(r.name))
		}
		if len(r.t.Shape) > math.MaxUint8 {
			return nil, fmt.Errorf("tensor %s has too many dimensions", r.name)
		}
		if r.t.Len() != tensor.NumElements(r.t.Shape) {
			return nil, fmt.Errorf("tensor %s holds %d values for shape %v", r.name, r.t.Len(), r.t.Shape)
		}
		hdr := binary.LittleEndian.AppendUint16(nil, uint16(len(r.name)))
		hdr = append(hdr, r.name...)
		hdr = append(hdr, byte(len(r.t.Shape)))
		for _, d := range r.t.Shape {
			hdr = binary.LittleEndian.AppendUint32(hdr, uint32(d))
		}
		buf.Write(hdr)

		data := make([]byte, 0, 8*r.t.Len())
		for _, v := range r.t.Data {
			data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// Decode verifies and parses a blob produced by Encode.
func Decode(blob []byte) (*Checkpoint, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(blob))
	}
	if string(blob[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, blob[:4])
	}
	if v := binary.LittleEndian.Uint16(blob[4:]); v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	codec := Codec(blob[6])
	sum := binary.LittleEndian.Uint32(blob[8:])
	rawLen := binary.LittleEndian.Uint64(blob[12:])
	storedLen := binary.LittleEndian.Uint64(blob[20:])
	if uint64(len(blob)-headerSize) != storedLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorrupt, len(blob)-headerSize, storedLen)
	}

	if err := checkRawLen(codec, rawLen, storedLen); err != nil {
		return nil, err
	}

	raw, err := decompress(codec, blob[headerSize:], rawLen)
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) != rawLen {
		return nil, fmt.Errorf("%w: payload decoded to %d bytes, want %d", ErrCorrupt, len(raw), rawLen)
	}
	if crc32.ChecksumIEEE(raw) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return decodePayload(raw)
}

// checkRawLen rejects a raw length the stored payload cannot decode to,
// before any buffer is sized from it.
func checkRawLen(codec Codec, rawLen, storedLen uint64) error {
	switch codec {
	case CodecNone:
		if rawLen != storedLen {
			return fmt.Errorf("%w: raw length %d differs from stored length %d", ErrCorrupt, rawLen, storedLen)
		}
	case CodecLZ4:
		if rawLen > storedLen*lz4MaxRatio+64 {
			return fmt.Errorf("%w: raw length %d exceeds what %d lz4 bytes can hold", ErrCorrupt, rawLen, storedLen)
		}
	}
	return nil
}

// payloadReader walks the payload. Any short read marks it corrupt; the
// CRC has passed by then, so that means an encoder bug or a forged blob.
type payloadReader struct {
	b   []byte
	err error
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated payload", ErrCorrupt)
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *payloadReader) u8() int {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return int(b[0])
}

func (r *payloadReader) u16() int {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint16(b))
}

func (r *payloadReader) u32() int {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint32(b))
}

func decodePayload(raw []byte) (*Checkpoint, error) {
	r := &payloadReader{b: raw}
	meta := r.take(r.u32())
	if r.err != nil {
		return nil, r.err
	}
	ck := &Checkpoint{}
	if err := json.Unmarshal(meta, ck); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
	}

	ck.ModelState = make(tensor.StateDict)
	ck.Optimizer.ExpAvg = make(map[string]*tensor.Tensor)
	ck.Optimizer.ExpAvgSq = make(map[string]*tensor.Tensor)

	count := r.u32()
	for range count {
		name := string(r.take(r.u16()))
		shape := make([]int, r.u8())
		for i := range shape {
			shape[i] = r.u32()
		}
		n := tensor.NumElements(shape)
		data := r.take(8 * n)
		if r.err != nil {
			return nil, r.err
		}
		values := make([]float64, n)
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
		}
		t, err := tensor.NewTensor(shape, values)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}

		switch {
		case strings.HasPrefix(name, modelPrefix):
			ck.ModelState[strings.TrimPrefix(name, modelPrefix)] = t
		case strings.HasPrefix(name, expAvgSqPrefix):
			ck.Optimizer.ExpAvgSq[strings.TrimPrefix(name, expAvgSqPrefix)] = t
		case strings.HasPrefix(name, expAvgPrefix):
			ck.Optimizer.ExpAvg[strings.TrimPrefix(name, expAvgPrefix)] = t
		default:
			return nil, fmt.Errorf("%w: unknown record %q", ErrCorrupt, name)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.b))
	}
	return ck, nil
}
