package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/model"
)

// Snapshot blob layout (little endian):
//
//	magic "VPS1" | version u16 | compression u8 | reserved u8
//	dim u32 | count u64 | generation u64 | builtAt i64 (unix nanos)
//	configID (u16 len + bytes) | raw body len u64
//	body (framed blocks, see compressBlocks)
//	crc32 (IEEE) of everything above
//
// Raw body: count × (id u64, source u64), count × dim float32, then the
// serialized roaring64 tombstone bitmap.
const (
	snapshotMagic   = "VPS1"
	snapshotVersion = 1
	crcSize         = 4
)

// EncodeSnapshot serializes s.
func EncodeSnapshot(s *Snapshot, c Compression) ([]byte, error) {
	body := make([]byte, 0, len(s.ids)*16+len(s.vectors)*4+64)
	for i := range s.ids {
		body = binary.LittleEndian.AppendUint64(body, uint64(s.ids[i]))
		body = binary.LittleEndian.AppendUint64(body, uint64(s.sources[i]))
	}
	for _, f := range s.vectors {
		body = binary.LittleEndian.AppendUint32(body, math.Float32bits(f))
	}
	var tb bytes.Buffer
	if _, err := s.tombstones.WriteTo(&tb); err != nil {
		return nil, fmt.Errorf("encode tombstones: %w", err)
	}
	body = append(body, tb.Bytes()...)

	w := &frameWriter{}
	w.buf = append(w.buf, snapshotMagic...)
	w.writeUint16(snapshotVersion)
	w.buf = append(w.buf, byte(c), 0)
	w.writeUint32(uint32(s.dim))
	w.writeUint64(uint64(len(s.ids)))
	w.writeUint64(s.generation)
	w.writeUint64(uint64(s.builtAt.UnixNano()))
	w.writeString(string(s.configID))
	w.writeUint64(uint64(len(body)))
	if w.err != nil {
		return nil, w.err
	}

	out, err := compressBlocks(w.buf, body, c)
	if err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out)), nil
}

// DecodeSnapshot parses a blob written by EncodeSnapshot. Checksum and layout
// failures match ErrCorrupt.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < len(snapshotMagic)+crcSize {
		return nil, corruptf("snapshot too short (%d bytes)", len(data))
	}
	if string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, corruptf("bad snapshot magic")
	}
	payload := data[:len(data)-crcSize]
	if got, want := crc32.ChecksumIEEE(payload), binary.LittleEndian.Uint32(data[len(payload):]); got != want {
		return nil, corruptf("snapshot checksum mismatch: %08x != %08x", got, want)
	}

	r := &frameReader{buf: payload, pos: len(snapshotMagic)}
	version := r.readUint16()
	comp := Compression(r.readByte())
	_ = r.readByte()
	dim := int(r.readUint32())
	count := r.readUint64()
	generation := r.readUint64()
	builtAt := int64(r.readUint64())
	configID := model.ConfigID(r.readString())
	rawLen := r.readUint64()
	if r.err != nil {
		return nil, corruptf("snapshot header: %v", r.err)
	}
	if version != snapshotVersion {
		return nil, corruptf("unsupported snapshot version %d", version)
	}

	fixed := count*16 + count*uint64(dim)*4
	if dim <= 0 || fixed > rawLen {
		return nil, corruptf("inconsistent snapshot sizes")
	}
	body, err := decompressBlocks(payload[r.pos:], comp, int(rawLen))
	if err != nil {
		return nil, corruptf("snapshot body: %v", err)
	}
	if uint64(len(body)) != rawLen {
		return nil, corruptf("snapshot body is %d bytes, header says %d", len(body), rawLen)
	}

	n := int(count)
	s := &Snapshot{
		configID:   configID,
		dim:        dim,
		generation: generation,
		builtAt:    time.Unix(0, builtAt).UTC(),
		ids:        make([]model.RecordID, n),
		sources:    make([]model.RawID, n),
		vectors:    make([]float32, n*dim),
		norms:      make([]float64, n),
		tombstones: roaring64.New(),
	}
	off := 0
	for i := 0; i < n; i++ {
		s.ids[i] = model.RecordID(binary.LittleEndian.Uint64(body[off:]))
		s.sources[i] = model.RawID(binary.LittleEndian.Uint64(body[off+8:]))
		off += 16
		if i > 0 && s.ids[i] <= s.ids[i-1] {
			return nil, corruptf("snapshot ids out of order at slot %d", i)
		}
	}
	for i := range s.vectors {
		s.vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[off:]))
		off += 4
	}
	for i := 0; i < n; i++ {
		s.norms[i] = distance.Norm(s.Vector(i))
	}
	if _, err := s.tombstones.ReadFrom(bytes.NewReader(body[off:])); err != nil {
		return nil, corruptf("snapshot tombstones: %v", err)
	}
	s.live = n
	for _, id := range s.ids {
		if s.tombstones.Contains(uint64(id)) {
			s.live--
		}
	}
	return s, nil
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrCorrupt, fmt.Sprintf(format, args...))
}

type frameWriter struct {
	buf []byte
	err error
}

func (w *frameWriter) writeUint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *frameWriter) writeUint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *frameWriter) writeUint64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *frameWriter) writeString(s string) {
	if w.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		w.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	w.writeUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

type frameReader struct {
	buf []byte
	pos int
	err error
}

func (r *frameReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.buf) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *frameReader) readByte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *frameReader) readUint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *frameReader) readUint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *frameReader) readUint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *frameReader) readString() string {
	n := int(r.readUint16())
	return string(r.take(n))
}
