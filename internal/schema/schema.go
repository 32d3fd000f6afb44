// Package schema implements SchemaRegistry (spec §4.2): canonical field
// dtypes, jagged-field metadata, author-order field lists, and the
// schema fingerprint used to detect incompatible batches. Pure — no I/O.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/DanJSal/datamgr/internal/keys"
)

var safeFieldName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// BaseKind is a field's canonical base kind.
type BaseKind string

const (
	KindInt64   BaseKind = "int64"
	KindFloat64 BaseKind = "float64"
	KindBool    BaseKind = "bool"
	KindText    BaseKind = "text"
)

// DefaultMaxUnicode is the default TEXT field width cap (code points).
const DefaultMaxUnicode = 256

// FieldSpec is one canonical row field (spec §3).
type FieldSpec struct {
	Name       string   `json:"name"`
	Base       BaseKind `json:"base"`
	Shape      []int    `json:"shape,omitempty"`
	MaxUnicode int      `json:"max_unicode,omitempty"`
}

// IsText reports whether the field's base kind is TEXT.
func (f FieldSpec) IsText() bool { return f.Base == KindText }

// JaggedSpec maps a field name to the dimension indices that vary per row
// (spec §4.2/§10): 1-D varying fields get a "<field>_len" meta column,
// k-D varying fields get a "<field>_shape" meta column.
type JaggedSpec struct {
	VaryDims map[string][]int `json:"vary_dims,omitempty"`
}

// MetaNamesFor returns the meta column name(s) contributed by a jagged field.
func (j JaggedSpec) MetaNamesFor(field string) []string {
	dims := j.VaryDims[field]
	if len(dims) == 0 {
		return nil
	}
	if len(dims) == 1 {
		return []string{field + "_len"}
	}
	return []string{field + "_shape"}
}

// EncryptionSpec mirrors the on-disk schema document's encryption block.
type EncryptionSpec struct {
	Mode           string `json:"mode"`
	Algorithm      string `json:"algorithm"`
	KMSProvider    string `json:"kms_provider,omitempty"`
	DefaultKeyRef  string `json:"default_key_ref,omitempty"`
	RotationDays   int    `json:"rotation_days"`
}

// Document is the persisted schema JSON blob for one dataset (spec §3/§8).
type Document struct {
	KeySchema    map[string]keys.SQLType  `json:"key_schema"`
	KeyOrder     []string                 `json:"key_order"`
	Fields       []FieldSpec              `json:"fields"`
	Quantization map[string]float64       `json:"quantization,omitempty"`
	Jagged       JaggedSpec               `json:"jagged,omitempty"`
	Encryption   EncryptionSpec           `json:"encryption"`
}

// IdentityColumns returns the expanded identity column list (spec §4.1/§4.2).
func (d *Document) IdentityColumns() []string {
	n, _ := keys.NewNormalizer(d.KeySchema, d.KeyOrder, d.Quantization)
	if n == nil {
		return nil
	}
	return n.IdentityColumns()
}

// Fingerprint returns the blake2b-128 hex digest of the canonical JSON
// form of the document (sorted keys, no whitespace) — spec §4.2.
func (d *Document) Fingerprint() (string, error) {
	payload, err := canonicalJSON(d)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", err
	}
	h.Write(payload)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// canonicalJSON marshals v with sorted object keys and no extraneous
// whitespace, by round-tripping through a generic map so Go's
// already-deterministic struct-field encoding is additionally normalized
// for any nested maps (quantization, vary_dims).
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keysList := make([]string, 0, len(val))
		for k := range val {
			keysList = append(keysList, k)
		}
		sort.Strings(keysList)
		out := []byte{'{'}
		for i, k := range keysList {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// AssertSafeFieldName validates a field name against the A-Z/a-z/0-9/_ rule.
func AssertSafeFieldName(name string) error {
	if name == "" || !safeFieldName.MatchString(name) {
		return fmt.Errorf("invalid field name %q (only A-Z, a-z, 0-9, and _ allowed)", name)
	}
	return nil
}
