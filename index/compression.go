package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block compression of persisted snapshots.
type Compression uint8

const (
	// CompressionNone stores blocks raw.
	CompressionNone Compression = 0
	// CompressionLZ4 favours encode/decode speed.
	CompressionLZ4 Compression = 1
	// CompressionZSTD favours ratio.
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "lz4" or "zstd". The empty string is zstd.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd":
		return CompressionZSTD, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("unknown snapshot compression %q", s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Blocks are framed as [raw len u32][stored len u32][bytes]; a stored length
// of 0 means the bytes follow uncompressed.
const (
	blockHeaderSize = 8
	blockSize       = 256 * 1024
)

var errBlockTruncated = errors.New("block extends beyond data")

// compressBlocks splits data into framed blocks and appends them to dst.
func compressBlocks(dst, data []byte, c Compression) ([]byte, error) {
	for len(data) > 0 {
		n := min(len(data), blockSize)
		var err error
		dst, err = appendBlock(dst, data[:n], c)
		if err != nil {
			return nil, err
		}
		data = data[n:]
	}
	return dst, nil
}

func appendBlock(dst, block []byte, c Compression) ([]byte, error) {
	var packed []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(block)))
		n, err := lz4.CompressBlock(block, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(block, nil)
		zstdEncoderPool.Put(enc)
	case CompressionNone:
	default:
		return nil, fmt.Errorf("unknown snapshot compression %d", c)
	}

	// Incompressible blocks are kept raw.
	if len(packed) == 0 || float64(len(packed)) > float64(len(block))*0.9 {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(block)))
		dst = binary.LittleEndian.AppendUint32(dst, 0)
		return append(dst, block...), nil
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(block)))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(packed)))
	return append(dst, packed...), nil
}

// decompressBlocks reverses compressBlocks. sizeHint preallocates the output.
func decompressBlocks(data []byte, c Compression, sizeHint int) ([]byte, error) {
	out := make([]byte, 0, sizeHint)
	for len(data) > 0 {
		if len(data) < blockHeaderSize {
			return nil, errBlockTruncated
		}
		rawLen := int(binary.LittleEndian.Uint32(data[0:]))
		storedLen := int(binary.LittleEndian.Uint32(data[4:]))
		data = data[blockHeaderSize:]

		if storedLen == 0 {
			if len(data) < rawLen {
				return nil, errBlockTruncated
			}
			out = append(out, data[:rawLen]...)
			data = data[rawLen:]
			continue
		}
		if len(data) < storedLen {
			return nil, errBlockTruncated
		}
		block, err := decodeBlock(data[:storedLen], rawLen, c)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
		data = data[storedLen:]
	}
	return out, nil
}

func decodeBlock(packed []byte, rawLen int, c Compression) ([]byte, error) {
	buf := make([]byte, rawLen)
	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(packed, buf)
		if err != nil {
			return nil, err
		}
		if n != rawLen {
			return nil, errors.New("decompressed size mismatch")
		}
		return buf, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		decoded, err := dec.DecodeAll(packed, buf[:0])
		if err != nil {
			return nil, err
		}
		if len(decoded) != rawLen {
			return nil, errors.New("decompressed size mismatch")
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("compressed block with compression %s", c)
	}
}
