package schema

import (
	"testing"

	"github.com/DanJSal/datamgr/internal/keys"
)

func TestFingerprintDeterministicForIdenticalDocuments(t *testing.T) {
	docA := &Document{
		KeySchema: map[string]keys.SQLType{"temp": keys.Real},
		KeyOrder:  []string{"temp"},
		Fields: []FieldSpec{
			{Name: "temp", Base: KindFloat64},
			{Name: "label", Base: KindText, MaxUnicode: 32},
		},
		Quantization: map[string]float64{"temp": 100},
	}
	fpA, err := docA.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	docB := &Document{
		KeySchema: map[string]keys.SQLType{"temp": keys.Real},
		KeyOrder:  []string{"temp"},
		Fields: []FieldSpec{
			{Name: "temp", Base: KindFloat64},
			{Name: "label", Base: KindText, MaxUnicode: 32},
		},
		Quantization: map[string]float64{"temp": 100},
	}
	fpB, err := docB.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fpA != fpB {
		t.Errorf("identical documents fingerprinted differently: %s != %s", fpA, fpB)
	}
}

func TestRegistryLockFromFirstBatch(t *testing.T) {
	r := NewRegistry()
	doc := &Document{
		Fields: []FieldSpec{
			{Name: "temp", Base: KindFloat64},
			{Name: "label", Base: KindText, MaxUnicode: 16},
		},
	}
	if err := r.LockFromFirstBatch(doc); err != nil {
		t.Fatalf("LockFromFirstBatch: %v", err)
	}
	if !r.Locked() {
		t.Fatal("expected Locked() true after first lock")
	}
	if err := r.LockFromFirstBatch(doc); err == nil {
		t.Fatal("expected error re-locking an already-locked schema")
	}
}

func TestRegistryWidensTextFieldOnly(t *testing.T) {
	r := NewRegistry()
	doc := &Document{
		Fields: []FieldSpec{
			{Name: "label", Base: KindText, MaxUnicode: 8},
			{Name: "count", Base: KindInt64},
		},
	}
	if err := r.LockFromFirstBatch(doc); err != nil {
		t.Fatalf("LockFromFirstBatch: %v", err)
	}
	res, err := r.EnsureCompatible([]FieldSpec{
		{Name: "label", Base: KindText, MaxUnicode: 24},
		{Name: "count", Base: KindInt64},
	})
	if err != nil {
		t.Fatalf("EnsureCompatible: %v", err)
	}
	if res.Widened["label"] != 24 {
		t.Errorf("expected label widened to 24, got %d", res.Widened["label"])
	}
	if _, ok := res.Widened["count"]; ok {
		t.Error("count should not appear in widened set")
	}
}

func TestRegistryRejectsBaseKindMismatch(t *testing.T) {
	r := NewRegistry()
	doc := &Document{Fields: []FieldSpec{{Name: "count", Base: KindInt64}}}
	if err := r.LockFromFirstBatch(doc); err != nil {
		t.Fatalf("LockFromFirstBatch: %v", err)
	}
	_, err := r.EnsureCompatible([]FieldSpec{{Name: "count", Base: KindFloat64}})
	if err == nil {
		t.Fatal("expected SchemaMismatch for base kind mismatch")
	}
}

func TestJaggedMaxShapeNeverShrinksAndGuardsGrowth(t *testing.T) {
	r := NewRegistry()
	doc := &Document{
		Fields: []FieldSpec{{Name: "seq", Base: KindFloat64}},
		Jagged: JaggedSpec{VaryDims: map[string][]int{"seq": {0}}},
	}
	if err := r.LockFromFirstBatch(doc); err != nil {
		t.Fatalf("LockFromFirstBatch: %v", err)
	}
	if err := r.UpdateJaggedMaxShape("seq", []int{10}, false); err != nil {
		t.Fatalf("first observation should not require growth permission: %v", err)
	}
	if err := r.UpdateJaggedMaxShape("seq", []int{5}, false); err != nil {
		t.Fatalf("smaller extent should be accepted (padded, not shrunk): %v", err)
	}
	if got := r.JaggedMaxShape("seq")[0]; got != 10 {
		t.Errorf("canonical max shape shrank to %d, want 10", got)
	}
	if err := r.UpdateJaggedMaxShape("seq", []int{20}, false); err == nil {
		t.Fatal("expected DataExceedsCanon when growth is not permitted")
	}
	if err := r.UpdateJaggedMaxShape("seq", []int{20}, true); err != nil {
		t.Fatalf("growth should succeed when explicitly permitted: %v", err)
	}
	if got := r.JaggedMaxShape("seq")[0]; got != 20 {
		t.Errorf("canonical max shape = %d, want 20 after permitted growth", got)
	}
}

func TestPadRows1D(t *testing.T) {
	rows := [][]float64{{1, 2}, {1, 2, 3}, {1}}
	padded, lens, err := PadRows1D("seq", rows, 3, 0)
	if err != nil {
		t.Fatalf("PadRows1D: %v", err)
	}
	if lens[0] != 2 || lens[1] != 3 || lens[2] != 1 {
		t.Errorf("unexpected lens: %v", lens)
	}
	if len(padded[0]) != 3 || padded[0][2] != 0 {
		t.Errorf("row 0 not padded correctly: %v", padded[0])
	}
}

func TestPadRows1DRejectsOverflow(t *testing.T) {
	rows := [][]float64{{1, 2, 3, 4}}
	_, _, err := PadRows1D("seq", rows, 2, 0)
	if err == nil {
		t.Fatal("expected DataExceedsCanon for row longer than canonical max")
	}
}
