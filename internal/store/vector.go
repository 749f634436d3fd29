package store

import (
	"math"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
)

// CosineSimilarity returns the raw cosine similarity of a and b in [-1,1].
// Zero vectors have similarity 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.DimensionMismatch(len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp rounding drift.
	return math.Max(-1, math.Min(1, sim)), nil
}

// ShiftScore maps raw cosine similarity onto the [0,1] store scale.
func ShiftScore(cos float64) float64 {
	return (cos + 1) / 2
}

// UnshiftScore maps a [0,1] store score back to raw cosine similarity.
func UnshiftScore(score float64) float64 {
	return score*2 - 1
}

// CheckDimension fails with DimensionMismatch unless len(v) == dim.
func CheckDimension(v []float32, dim int) error {
	if len(v) != dim {
		return errors.DimensionMismatch(dim, len(v))
	}
	return nil
}

// normalizedCopy returns v scaled to unit length.
func normalizedCopy(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sumSquares float64
	for _, val := range out {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return out
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range out {
		out[i] *= inv
	}
	return out
}
