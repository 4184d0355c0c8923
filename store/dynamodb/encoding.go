package dynamodb

import (
	"github.com/hupe1980/vecproj/internal/vecenc"
	"github.com/hupe1980/vecproj/model"
)

func encodeVector(v model.Vector) []byte { return vecenc.Encode(v) }

func decodeVector(b []byte) (model.Vector, error) {
	v, err := vecenc.Decode(b)
	return model.Vector(v), err
}
