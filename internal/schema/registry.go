package schema

import (
	"github.com/DanJSal/datamgr/internal/derrors"
)

// Registry holds one dataset's locked canonical schema plus the mutable
// per-field state (TEXT width, jagged max shape) that may evolve across
// batches under the widening-only contract (spec §4.2).
type Registry struct {
	doc    *Document
	locked bool

	// textWidth tracks the current canonical max_unicode per TEXT field.
	textWidth map[string]int
	// jaggedMaxShape tracks the canonical max extent per varying dim,
	// keyed by field name, indexed by the position within VaryDims[field].
	jaggedMaxShape map[string][]int
}

// NewRegistry constructs an empty, unlocked Registry.
func NewRegistry() *Registry {
	return &Registry{
		textWidth:      map[string]int{},
		jaggedMaxShape: map[string][]int{},
	}
}

// LockFromFirstBatch locks the canonical field list from the first
// observed batch (spec §4.2: "canonical dtype locks on first batch").
// Returns SchemaMismatch if already locked.
func (r *Registry) LockFromFirstBatch(doc *Document) error {
	if r.locked {
		return derrors.New(derrors.SchemaMismatch, "canonical schema already locked")
	}
	for _, f := range doc.Fields {
		if err := AssertSafeFieldName(f.Name); err != nil {
			return derrors.Wrap(derrors.SchemaMismatch, err, "invalid field name in first batch")
		}
		if f.IsText() {
			w := f.MaxUnicode
			if w <= 0 {
				w = DefaultMaxUnicode
			}
			r.textWidth[f.Name] = w
		}
	}
	for field, dims := range doc.Jagged.VaryDims {
		r.jaggedMaxShape[field] = make([]int, len(dims))
	}
	r.doc = doc
	r.locked = true
	return nil
}

// Document returns the currently locked schema document, or nil if unlocked.
func (r *Registry) Document() *Document { return r.doc }

// Locked reports whether the canonical schema has been established.
func (r *Registry) Locked() bool { return r.locked }

// WidenResult reports which TEXT fields were widened by EnsureCompatible,
// so the caller can persist the updated schema document atomically with
// the batch that triggered the widening (spec §4.2, "atomic with the batch").
type WidenResult struct {
	Widened map[string]int // field -> new max_unicode
}

// EnsureCompatible validates an incoming batch's field list against the
// locked canonical schema, widening TEXT fields in place when the
// incoming width exceeds canonical (following maybe_widen_text_fields:
// compare itemsize per field, rebuild dtype only on change). Non-text
// dtype mismatches are never auto-corrected and return SchemaMismatch.
func (r *Registry) EnsureCompatible(incoming []FieldSpec) (WidenResult, error) {
	if !r.locked {
		return WidenResult{}, derrors.New(derrors.SchemaMismatch, "canonical schema not locked")
	}
	canonByName := make(map[string]FieldSpec, len(r.doc.Fields))
	for _, f := range r.doc.Fields {
		canonByName[f.Name] = f
	}
	widened := map[string]int{}
	for _, f := range incoming {
		canon, ok := canonByName[f.Name]
		if !ok {
			return WidenResult{}, derrors.New(derrors.SchemaMismatch, "field %q not present in canonical schema", f.Name).
				WithContext("field", f.Name)
		}
		if canon.Base != f.Base {
			return WidenResult{}, derrors.New(derrors.SchemaMismatch, "field %q: incoming base %q incompatible with canonical %q", f.Name, f.Base, canon.Base).
				WithContext("field", f.Name)
		}
		if len(canon.Shape) != len(f.Shape) {
			return WidenResult{}, derrors.New(derrors.SchemaMismatch, "field %q: shape rank mismatch", f.Name).
				WithContext("field", f.Name)
		}
		if f.IsText() {
			cur := r.textWidth[f.Name]
			w := f.MaxUnicode
			if w <= 0 {
				w = DefaultMaxUnicode
			}
			if w > cur {
				r.textWidth[f.Name] = w
				widened[f.Name] = w
			}
		}
	}
	if len(widened) > 0 {
		for i, cf := range r.doc.Fields {
			if w, ok := widened[cf.Name]; ok {
				r.doc.Fields[i].MaxUnicode = w
			}
		}
	}
	return WidenResult{Widened: widened}, nil
}

// UpdateJaggedMaxShape folds an observed per-row extent into the field's
// canonical max shape. Canonical shape never shrinks (Open Question
// decision: a smaller observed extent is simply padded to the existing
// maximum). Growth beyond the current maximum after the field has already
// been observed once requires allowGrowth, matching Config.AllowJaggedGrowth.
func (r *Registry) UpdateJaggedMaxShape(field string, observedExtent []int, allowGrowth bool) error {
	cur, ok := r.jaggedMaxShape[field]
	if !ok {
		return derrors.New(derrors.SchemaMismatch, "field %q is not declared jagged", field).WithContext("field", field)
	}
	if len(observedExtent) != len(cur) {
		return derrors.New(derrors.SchemaMismatch, "field %q: jagged extent rank mismatch", field).WithContext("field", field)
	}
	grew := false
	next := make([]int, len(cur))
	copy(next, cur)
	for i, v := range observedExtent {
		if v > next[i] {
			next[i] = v
			grew = true
		}
	}
	allZero := true
	for _, v := range cur {
		if v != 0 {
			allZero = false
			break
		}
	}
	if grew && !allZero && !allowGrowth {
		return derrors.New(derrors.DataExceedsCanon, "field %q: batch exceeds canonical jagged shape %v and growth is not permitted", field, cur).
			WithContext("field", field)
	}
	r.jaggedMaxShape[field] = next
	return nil
}

// JaggedMaxShape returns the current canonical max shape for a jagged field.
func (r *Registry) JaggedMaxShape(field string) []int {
	return r.jaggedMaxShape[field]
}
