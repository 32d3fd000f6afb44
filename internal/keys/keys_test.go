package keys

import (
	"math"
	"testing"
)

func TestClassifySpecials(t *testing.T) {
	cases := []struct {
		v    float64
		want int
	}{
		{1.5, SpecialsNormal},
		{0, SpecialsNormal},
		{math.NaN(), SpecialsNaN},
		{math.Inf(1), SpecialsPInf},
		{math.Inf(-1), SpecialsNInf},
	}
	for _, c := range cases {
		if got := ClassifySpecials(c.v); got != c.want {
			t.Errorf("ClassifySpecials(%v) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestQuantizeValueBankersRounding(t *testing.T) {
	// Halfway values round to even, not away from zero.
	if got := QuantizeValue(0.25, 10); got != 2 {
		t.Errorf("QuantizeValue(0.25, 10) = %d, want 2", got)
	}
	if got := QuantizeValue(0.35, 10); got != 4 {
		t.Errorf("QuantizeValue(0.35, 10) = %d, want 4", got)
	}
}

func TestIdentityTupleAndSubsetUUIDDeterministic(t *testing.T) {
	n, err := NewNormalizer(
		map[string]SQLType{"temp": Real, "site": Text, "run": Integer},
		[]string{"site", "run", "temp"},
		map[string]float64{"temp": 100},
	)
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	keysA := map[string]any{"site": "north", "run": int64(1), "temp": 21.005}
	idA, err := n.Identity(keysA)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	idB, err := n.Identity(keysA)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if idA.SubsetUUID != idB.SubsetUUID {
		t.Errorf("subset UUID not deterministic: %s != %s", idA.SubsetUUID, idB.SubsetUUID)
	}

	keysC := map[string]any{"site": "south", "run": int64(1), "temp": 21.005}
	idC, err := n.Identity(keysC)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if idA.SubsetUUID == idC.SubsetUUID {
		t.Errorf("distinct identities produced the same subset UUID")
	}
}

func TestIdentityTupleRejectsCommaInText(t *testing.T) {
	n, err := NewNormalizer(map[string]SQLType{"site": Text}, []string{"site"}, nil)
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	_, err = n.IdentityTuple(map[string]any{"site": "north,station"})
	if err == nil {
		t.Fatal("expected error for comma in TEXT key")
	}
}

func TestIdentityTupleSpecialsIgnoreQuantization(t *testing.T) {
	n, err := NewNormalizer(map[string]SQLType{"temp": Real}, []string{"temp"}, map[string]float64{"temp": 100})
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	tupleNaN, err := n.IdentityTuple(map[string]any{"temp": math.NaN()})
	if err != nil {
		t.Fatalf("IdentityTuple: %v", err)
	}
	if tupleNaN[0] != int64(SpecialsNaN) {
		t.Errorf("expected specials code %d, got %v", SpecialsNaN, tupleNaN[0])
	}
}

func TestEqualityPredicatesRealKeyExpandsToTwoColumns(t *testing.T) {
	n, err := NewNormalizer(map[string]SQLType{"temp": Real}, []string{"temp"}, map[string]float64{"temp": 100})
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	preds, err := n.EqualityPredicates(map[string]any{"temp": 21.0})
	if err != nil {
		t.Fatalf("EqualityPredicates: %v", err)
	}
	if _, ok := preds["temp_s"]; !ok {
		t.Error("missing temp_s predicate")
	}
	if _, ok := preds["temp_q"]; !ok {
		t.Error("missing temp_q predicate")
	}
}

func TestNewNormalizerRequiresQuantizationForRealKeys(t *testing.T) {
	_, err := NewNormalizer(map[string]SQLType{"temp": Real}, []string{"temp"}, nil)
	if err == nil {
		t.Fatal("expected error for missing quantization")
	}
}
