// Package vecenc encodes float32 vectors as little-endian IEEE 754 blobs.
// The width is derived from the blob length on decode.
package vecenc

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// Encode returns the blob form of vec.
func Encode(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// Decode parses a blob produced by Encode.
func Decode(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vecenc: invalid blob length %d (not multiple of 4)", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

// ContentKey returns a hex SHA-256 of the encoded vector, used by stores
// that deduplicate raw vectors by content.
func ContentKey(vec []float32) string {
	sum := sha256.Sum256(Encode(vec))
	return hex.EncodeToString(sum[:])
}
