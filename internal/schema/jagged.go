package schema

import "github.com/DanJSal/datamgr/internal/derrors"

// PaddingPolicy defines the padding values used when shorter rows are
// widened to a field's canonical max shape (spec §4.2/§10).
type PaddingPolicy struct {
	PadNumeric float64
	PadBool    bool
	PadUnicode string
}

// DefaultPaddingPolicy is the baseline padding policy: zero for numeric,
// false for bool, empty string for text.
func DefaultPaddingPolicy() PaddingPolicy {
	return PaddingPolicy{PadNumeric: 0, PadBool: false, PadUnicode: ""}
}

// PadRows1D pads a 1-D varying jagged field (spec: "<field>_len" meta) to
// maxLen, returning the padded rows and the per-row observed length meta
// array. Rows longer than maxLen return DataExceedsCanon.
func PadRows1D[T any](field string, rows [][]T, maxLen int, padValue T) (padded [][]T, lens []int, err error) {
	padded = make([][]T, len(rows))
	lens = make([]int, len(rows))
	for i, row := range rows {
		if len(row) > maxLen {
			return nil, nil, derrors.New(derrors.DataExceedsCanon,
				"field %q: row length %d exceeds canonical max %d", field, len(row), maxLen).
				WithContext("field", field)
		}
		lens[i] = len(row)
		out := make([]T, maxLen)
		copy(out, row)
		for j := len(row); j < maxLen; j++ {
			out[j] = padValue
		}
		padded[i] = out
	}
	return padded, lens, nil
}

// PadRows2D pads a k-D (here k=2) varying jagged field (spec: "<field>_shape"
// meta, one row of extents per varying dim) to maxShape, returning the
// padded rows and the per-row observed-shape meta array.
func PadRows2D[T any](field string, rows [][][]T, maxShape [2]int, padValue T) (padded [][][]T, shapes [][2]int, err error) {
	padded = make([][][]T, len(rows))
	shapes = make([][2]int, len(rows))
	for i, row := range rows {
		d0 := len(row)
		d1 := 0
		for _, inner := range row {
			if len(inner) > d1 {
				d1 = len(inner)
			}
		}
		if d0 > maxShape[0] || d1 > maxShape[1] {
			return nil, nil, derrors.New(derrors.DataExceedsCanon,
				"field %q: row shape (%d,%d) exceeds canonical max %v", field, d0, d1, maxShape).
				WithContext("field", field)
		}
		shapes[i] = [2]int{d0, d1}
		out := make([][]T, maxShape[0])
		for r := 0; r < maxShape[0]; r++ {
			inner := make([]T, maxShape[1])
			for c := range inner {
				inner[c] = padValue
			}
			if r < len(row) {
				copy(inner, row[r])
			}
			out[r] = inner
		}
		padded[i] = out
	}
	return padded, shapes, nil
}

// InferMaxLen1D returns the maximum row length across samples, for
// first-batch canonical locking of a 1-D varying field.
func InferMaxLen1D[T any](rows [][]T) int {
	max := 0
	for _, row := range rows {
		if len(row) > max {
			max = len(row)
		}
	}
	return max
}

// InferMaxShape2D returns the maximum (d0, d1) extent across samples, for
// first-batch canonical locking of a 2-D varying field.
func InferMaxShape2D[T any](rows [][][]T) [2]int {
	var shape [2]int
	for _, row := range rows {
		if len(row) > shape[0] {
			shape[0] = len(row)
		}
		for _, inner := range row {
			if len(inner) > shape[1] {
				shape[1] = len(inner)
			}
		}
	}
	return shape
}

// PickMetaKind chooses a compact unsigned width for a meta array given its
// maximum value, matching pick_meta_dtype's width-selection intent.
func PickMetaKind(maxValue int) string {
	switch {
	case maxValue <= 0xFF:
		return "uint8"
	case maxValue <= 0xFFFF:
		return "uint16"
	default:
		return "uint32"
	}
}
