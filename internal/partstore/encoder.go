package partstore

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"github.com/DanJSal/datamgr/internal/derrors"
	"github.com/DanJSal/datamgr/internal/hashset"
	"github.com/DanJSal/datamgr/internal/schema"
)

// magic identifies a part file produced by this store. The columnar
// encoding it frames stands in for the external columnar/HDF5-like
// format the on-disk layout assumes (spec §1 Non-goals: "does not
// implement the columnar encoding itself").
var magic = [8]byte{'D', 'M', 'G', 'R', 'P', 'A', 'R', 'T'}

// Attrs are the embedded, self-describing attributes a part file carries
// (spec §4.4/C.1): enough for fsck to recover a part row without a
// catalog lookup.
type Attrs struct {
	DatasetUUID     string `json:"dataset_uuid"`
	SubsetUUID      string `json:"subset_uuid"`
	PartUUID        string `json:"part_uuid"`
	ContentHash     string `json:"content_hash"`
	SchemaFingerprint string `json:"schema_fingerprint"`
	NRows           int    `json:"n_rows"`
	CreatedAtEpoch  int64  `json:"created_at_epoch"`
}

// ColumnarEncoder writes a sealed batch plus its embedded attributes to a
// part file, reads the attributes back without decoding the full payload
// (used by fsck's orphan recovery, spec C.1), and decodes a part file back
// into a batch whose content hash reproduces the one that was sealed.
type ColumnarEncoder interface {
	Encode(w io.Writer, batch hashset.Batch, attrs Attrs) error
	ReadAttrs(r io.Reader) (Attrs, error)
	Decode(r io.Reader) (hashset.Batch, Attrs, error)
}

// FlatEncoder is the concrete default ColumnarEncoder: a self-describing
// framed format (magic, JSON attrs header, then the same field-ordered
// byte stream ContentHasher hashes) standing in for a pluggable external
// columnar backend.
type FlatEncoder struct{}

func (FlatEncoder) Encode(w io.Writer, batch hashset.Batch, attrs Attrs) error {
	if _, err := w.Write(magic[:]); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to write part file magic")
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to marshal part attrs")
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(attrsJSON)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to write part attrs length")
	}
	if _, err := w.Write(attrsJSON); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to write part attrs")
	}
	sig, err := hashset.SchemaSignature(batch.Fields)
	if err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to write part schema signature")
	}
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(sig)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(sig); err != nil {
		return err
	}
	return encodeColumns(w, batch)
}

func (FlatEncoder) ReadAttrs(r io.Reader) (Attrs, error) {
	if err := readAndCheckMagic(r); err != nil {
		return Attrs{}, err
	}
	buf, err := readLenPrefixed(r)
	if err != nil {
		return Attrs{}, err
	}
	var attrs Attrs
	if err := json.Unmarshal(buf, &attrs); err != nil {
		return Attrs{}, derrors.Wrap(derrors.IOFault, err, "failed to unmarshal part attrs")
	}
	return attrs, nil
}

// schemaSigItem mirrors hashset.SchemaSignature's wire shape, for decoding
// a part file's schema signature back into column headers.
type schemaSigItem struct {
	Name  string `json:"name"`
	Base  string `json:"base"`
	Shape []int  `json:"shape"`
}

// Decode reads a part file written by Encode back into a hashset.Batch,
// including jagged meta arrays, such that Hash(decoded) reproduces the
// content hash that was sealed (spec §4.3/§8).
func (FlatEncoder) Decode(r io.Reader) (hashset.Batch, Attrs, error) {
	if err := readAndCheckMagic(r); err != nil {
		return hashset.Batch{}, Attrs{}, err
	}
	attrsBuf, err := readLenPrefixed(r)
	if err != nil {
		return hashset.Batch{}, Attrs{}, err
	}
	var attrs Attrs
	if err := json.Unmarshal(attrsBuf, &attrs); err != nil {
		return hashset.Batch{}, Attrs{}, derrors.Wrap(derrors.IOFault, err, "failed to unmarshal part attrs")
	}

	sigBuf, err := readLenPrefixed(r)
	if err != nil {
		return hashset.Batch{}, Attrs{}, err
	}
	var sigItems []schemaSigItem
	if err := json.Unmarshal(sigBuf, &sigItems); err != nil {
		return hashset.Batch{}, Attrs{}, derrors.Wrap(derrors.IOFault, err, "failed to unmarshal part schema signature")
	}

	fields := make([]hashset.Column, len(sigItems))
	for i, sf := range sigItems {
		col := hashset.Column{Name: sf.Name, Base: schema.BaseKind(sf.Base), Shape: sf.Shape}
		count := attrs.NRows
		for _, d := range sf.Shape {
			count *= d
		}
		if err := decodeColumn(r, &col, count); err != nil {
			return hashset.Batch{}, Attrs{}, err
		}
		fields[i] = col
	}

	lens, shapes, err := hashset.ReadJaggedMeta(r)
	if err != nil {
		return hashset.Batch{}, Attrs{}, err
	}

	return hashset.Batch{Fields: fields, JaggedLen: lens, JaggedShape: shapes}, attrs, nil
}

func decodeColumn(r io.Reader, col *hashset.Column, count int) error {
	switch col.Base {
	case schema.KindText:
		col.Text = make([]string, count)
		for i := range col.Text {
			b, err := readLenPrefixed(r)
			if err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to read text value for column %q", col.Name)
			}
			col.Text[i] = string(b)
		}
	case schema.KindFloat64:
		col.Float64 = make([]float64, count)
		var buf [8]byte
		for i := range col.Float64 {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to read float64 value for column %q", col.Name)
			}
			col.Float64[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[:]))
		}
	case schema.KindInt64:
		col.Int64 = make([]int64, count)
		var buf [8]byte
		for i := range col.Int64 {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to read int64 value for column %q", col.Name)
			}
			col.Int64[i] = int64(binary.LittleEndian.Uint64(buf[:]))
		}
	case schema.KindBool:
		col.Bool = make([]bool, count)
		var buf [1]byte
		for i := range col.Bool {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to read bool value for column %q", col.Name)
			}
			col.Bool[i] = buf[0] != 0
		}
	default:
		return derrors.New(derrors.SchemaMismatch, "unsupported column base kind %q for field %q", col.Base, col.Name)
	}
	return nil
}

func readAndCheckMagic(r io.Reader) error {
	var m [8]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to read part file magic")
	}
	if m != magic {
		return derrors.New(derrors.IOFault, "not a datamgr part file")
	}
	return nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to read length prefix")
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to read length-prefixed payload")
	}
	return buf, nil
}

// encodeColumns writes each field's byte payload using the exact same
// framing ContentHasher uses, field by field in author order, followed by
// the batch's jagged meta arrays in the same shared format Hash uses.
func encodeColumns(w io.Writer, batch hashset.Batch) error {
	for _, f := range batch.Fields {
		if err := hashset.WriteColumn(w, f); err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to write column %q", f.Name)
		}
	}
	if err := hashset.WriteJaggedMeta(w, batch); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to write jagged meta")
	}
	return nil
}
