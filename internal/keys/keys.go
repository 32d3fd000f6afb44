// Package keys implements KeyNormalizer (spec §4.1): deterministic subset
// identity from REAL-valued keys with specials and quantization. Pure —
// no I/O, no catalog lookups.
package keys

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	"github.com/DanJSal/datamgr/internal/derrors"
)

// SQLType is a declared key's logical type (spec §3).
type SQLType string

const (
	Integer SQLType = "INTEGER"
	Real    SQLType = "REAL"
	Text    SQLType = "TEXT"
	Boolean SQLType = "BOOLEAN"
)

// Specials codes (spec §3/§4.1): IEEE-754 classification of a REAL value.
const (
	SpecialsNormal = 0
	SpecialsNaN    = 1
	SpecialsPInf   = 2
	SpecialsNInf   = 3
)

// ClassifySpecials maps a float64 to its specials code by IEEE-754
// classification, not by ordinary comparison (NaN never compares equal
// to anything, so math.IsNaN/IsInf are the bit-pattern-driven primitives
// here, matching the classify_specials convention used elsewhere in
// this codebase).
func ClassifySpecials(v float64) int {
	switch {
	case math.IsNaN(v):
		return SpecialsNaN
	case math.IsInf(v, 1):
		return SpecialsPInf
	case math.IsInf(v, -1):
		return SpecialsNInf
	default:
		return SpecialsNormal
	}
}

// QuantizeValue rounds a finite REAL value to an integer bucket using
// banker's rounding to nearest even (spec §4.1).
func QuantizeValue(v, scale float64) int64 {
	return int64(math.RoundToEven(v * scale))
}

// Normalizer computes identity tuples and subset UUIDs for one dataset's
// key schema (spec §4.1).
type Normalizer struct {
	KeySchema    map[string]SQLType
	KeyOrder     []string
	Quantization map[string]float64
}

// NewNormalizer validates that KeyOrder covers KeySchema exactly and that
// every REAL key has a quantization scale.
func NewNormalizer(keySchema map[string]SQLType, keyOrder []string, quantization map[string]float64) (*Normalizer, error) {
	if len(keySchema) != len(keyOrder) {
		return nil, derrors.New(derrors.InvalidKeyValue, "key_order must list exactly the keys in key_schema")
	}
	seen := make(map[string]bool, len(keyOrder))
	for _, k := range keyOrder {
		t, ok := keySchema[k]
		if !ok {
			return nil, derrors.New(derrors.InvalidKeyValue, "key_order references unknown key %q", k)
		}
		seen[k] = true
		if t == Real {
			if _, ok := quantization[k]; !ok {
				return nil, derrors.New(derrors.InvalidKeyValue, "quantization missing for REAL key %q", k)
			}
		}
	}
	if len(seen) != len(keySchema) {
		return nil, derrors.New(derrors.InvalidKeyValue, "key_order must list exactly the keys in key_schema")
	}
	return &Normalizer{KeySchema: keySchema, KeyOrder: keyOrder, Quantization: quantization}, nil
}

// IdentityColumns returns the expanded identity column names for the
// composite UNIQUE index: REAL keys contribute "<k>_s","<k>_q"; others
// contribute the raw column name.
func (n *Normalizer) IdentityColumns() []string {
	cols := make([]string, 0, len(n.KeyOrder)*2)
	for _, k := range n.KeyOrder {
		if n.KeySchema[k] == Real {
			cols = append(cols, k+"_s", k+"_q")
		} else {
			cols = append(cols, k)
		}
	}
	return cols
}

// Identity is the computed identity tuple plus the deterministic subset
// UUID derived from it.
type Identity struct {
	Tuple      []any
	SubsetUUID string
}

// IdentityTuple computes the ordered identity tuple from subset key values
// (spec §4.1). Values must already be typed: float64 for REAL, int64 for
// INTEGER, bool for BOOLEAN, string for TEXT.
func (n *Normalizer) IdentityTuple(subsetKeys map[string]any) ([]any, error) {
	tuple := make([]any, 0, len(n.KeyOrder)*2)
	for _, k := range n.KeyOrder {
		raw, ok := subsetKeys[k]
		if !ok {
			return nil, derrors.New(derrors.InvalidKeyValue, "missing key %q", k).WithContext("key", k)
		}
		switch n.KeySchema[k] {
		case Real:
			v, err := asFloat(raw)
			if err != nil {
				return nil, derrors.Wrap(derrors.InvalidKeyValue, err, "invalid REAL value for key %q", k)
			}
			s := ClassifySpecials(v)
			if s == SpecialsNormal {
				q := QuantizeValue(v, n.Quantization[k])
				tuple = append(tuple, int64(s), q)
			} else {
				tuple = append(tuple, int64(s), int64(0))
			}
		case Integer:
			v, err := asInt(raw)
			if err != nil {
				return nil, derrors.Wrap(derrors.InvalidKeyValue, err, "invalid INTEGER value for key %q", k)
			}
			tuple = append(tuple, v)
		case Boolean:
			v, ok := raw.(bool)
			if !ok {
				return nil, derrors.New(derrors.InvalidKeyValue, "invalid BOOLEAN value for key %q", k)
			}
			tuple = append(tuple, v)
		case Text:
			s, ok := raw.(string)
			if !ok {
				return nil, derrors.New(derrors.InvalidKeyValue, "invalid TEXT value for key %q", k)
			}
			s = norm.NFC.String(s)
			if strings.Contains(s, ",") {
				return nil, derrors.New(derrors.InvalidKeyValue, "TEXT key %q contains a comma, which is forbidden", k).WithContext("key", k)
			}
			tuple = append(tuple, s)
		default:
			return nil, derrors.New(derrors.InvalidKeyValue, "unsupported SQL type for key %q", k)
		}
	}
	return tuple, nil
}

// SubsetUUID derives the deterministic subset UUID from an identity tuple:
// UUID(blake2b-128(utf8(','.join(stringify(x) for x in tuple)))).
func SubsetUUID(tuple []any) (string, error) {
	parts := make([]string, len(tuple))
	for i, x := range tuple {
		parts[i] = stringify(x)
	}
	joined := strings.Join(parts, ",")
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", derrors.Wrap(derrors.IOFault, err, "blake2b init failed")
	}
	h.Write([]byte(joined))
	digest := h.Sum(nil)
	id, err := uuid.FromBytes(digest)
	if err != nil {
		return "", derrors.Wrap(derrors.IOFault, err, "failed to derive subset UUID from identity tuple")
	}
	return id.String(), nil
}

// Identity computes both the identity tuple and subset UUID in one call.
func (n *Normalizer) Identity(subsetKeys map[string]any) (Identity, error) {
	tuple, err := n.IdentityTuple(subsetKeys)
	if err != nil {
		return Identity{}, err
	}
	su, err := SubsetUUID(tuple)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Tuple: tuple, SubsetUUID: su}, nil
}

// EqualityPredicates builds an equality predicate map over identity columns
// for SQL WHERE clauses (spec §4.5): REAL keys contribute "<k>_s"/"<k>_q",
// others contribute the raw column name.
func (n *Normalizer) EqualityPredicates(subsetKeys map[string]any) (map[string]any, error) {
	preds := make(map[string]any, len(n.KeyOrder)*2)
	for _, k := range n.KeyOrder {
		raw, ok := subsetKeys[k]
		if !ok {
			return nil, derrors.New(derrors.InvalidKeyValue, "missing key %q", k)
		}
		switch n.KeySchema[k] {
		case Real:
			v, err := asFloat(raw)
			if err != nil {
				return nil, derrors.Wrap(derrors.InvalidKeyValue, err, "invalid REAL value for key %q", k)
			}
			s := ClassifySpecials(v)
			preds[k+"_s"] = int64(s)
			if s == SpecialsNormal {
				preds[k+"_q"] = QuantizeValue(v, n.Quantization[k])
			} else {
				preds[k+"_q"] = int64(0)
			}
		case Integer:
			v, err := asInt(raw)
			if err != nil {
				return nil, err
			}
			preds[k] = v
		case Boolean:
			v, ok := raw.(bool)
			if !ok {
				return nil, derrors.New(derrors.InvalidKeyValue, "invalid BOOLEAN value for key %q", k)
			}
			preds[k] = v
		case Text:
			s, ok := raw.(string)
			if !ok {
				return nil, derrors.New(derrors.InvalidKeyValue, "invalid TEXT value for key %q", k)
			}
			preds[k] = norm.NFC.String(s)
		}
	}
	return preds, nil
}

func stringify(x any) string {
	switch v := x.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		if v {
			return "True"
		}
		return "False"
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected a numeric value, got %T", raw)
	}
}

func asInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected an integer value, got non-integral float %v", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected an integer value, got %T", raw)
	}
}
