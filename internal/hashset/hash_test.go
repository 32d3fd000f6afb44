package hashset

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/DanJSal/datamgr/internal/schema"
)

func sampleBatch() Batch {
	return Batch{
		Fields: []Column{
			{Name: "temp", Base: schema.KindFloat64, Float64: []float64{21.5, 22.0, 19.75}},
			{Name: "site", Base: schema.KindText, Text: []string{"north", "south", "east"}},
			{Name: "ok", Base: schema.KindBool, Bool: []bool{true, false, true}},
		},
		JaggedLen: map[string][]int64{"temp_len": {3, 3, 3}},
	}
}

func TestHashDeterministic(t *testing.T) {
	a, err := Hash(sampleBatch())
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := Hash(sampleBatch())
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a != b {
		t.Errorf("Hash is not deterministic across calls: %s != %s", a, b)
	}
}

func TestHashSensitiveToFieldOrder(t *testing.T) {
	batch := sampleBatch()
	reordered := Batch{
		Fields:    []Column{batch.Fields[1], batch.Fields[0], batch.Fields[2]},
		JaggedLen: batch.JaggedLen,
	}
	a, err := Hash(batch)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := Hash(reordered)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Error("expected field-order-sensitive hash to differ when field order changes")
	}
}

// TestJaggedMetaFollowsFieldAuthorOrder guards against sorting jagged meta
// keys alphabetically: with two jagged fields declared "zeta" then "alpha",
// zeta's meta must be written first even though "alpha_len" sorts before
// "zeta_len".
func TestJaggedMetaFollowsFieldAuthorOrder(t *testing.T) {
	batch := Batch{
		Fields: []Column{
			{Name: "zeta", Base: schema.KindFloat64, Float64: []float64{1, 2}},
			{Name: "alpha", Base: schema.KindFloat64, Float64: []float64{3, 4}},
		},
		JaggedLen: map[string][]int64{
			"zeta_len":  {1, 2},
			"alpha_len": {3, 4},
		},
	}
	var buf bytes.Buffer
	if err := WriteJaggedMeta(&buf, batch); err != nil {
		t.Fatalf("WriteJaggedMeta: %v", err)
	}
	posZeta := bytes.Index(buf.Bytes(), []byte("zeta_len"))
	posAlpha := bytes.Index(buf.Bytes(), []byte("alpha_len"))
	if posZeta == -1 || posAlpha == -1 {
		t.Fatalf("expected both meta keys present in output, zeta=%d alpha=%d", posZeta, posAlpha)
	}
	if posZeta > posAlpha {
		t.Error("jagged meta was written in alphabetical order, not field-author order")
	}
}

// TestHashSensitiveToJaggedFieldOrder proves the ordering difference above
// actually changes the digest, not just the encoder's internal layout.
func TestHashSensitiveToJaggedFieldOrder(t *testing.T) {
	meta := map[string][]int64{"zeta_len": {1, 2}, "alpha_len": {3, 4}}
	declared := Batch{
		Fields: []Column{
			{Name: "zeta", Base: schema.KindFloat64, Float64: []float64{1, 2}},
			{Name: "alpha", Base: schema.KindFloat64, Float64: []float64{3, 4}},
		},
		JaggedLen: meta,
	}
	reordered := Batch{
		Fields: []Column{
			declared.Fields[1],
			declared.Fields[0],
		},
		JaggedLen: meta,
	}
	a, err := Hash(declared)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := Hash(reordered)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Error("expected hash to change when jagged field declaration order changes")
	}
}

func TestSchemaSignatureGoldenVector(t *testing.T) {
	g := goldie.New(t)
	sig, err := SchemaSignature(sampleBatch().Fields)
	if err != nil {
		t.Fatalf("SchemaSignature: %v", err)
	}
	g.Assert(t, "schema_signature_sample_batch", sig)
}
