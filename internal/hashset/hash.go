// Package hashset implements ContentHasher (spec §4.3): a deterministic
// blake2b-128 digest over a sealed batch's schema signature, row payload,
// and jagged meta arrays. The digest must be identical whether computed
// from an in-memory batch or read back from a sealed part file, so the
// byte order produced here is exactly the order PartFileStore writes.
package hashset

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	"github.com/DanJSal/datamgr/internal/derrors"
	"github.com/DanJSal/datamgr/internal/schema"
)

// Column is one field's data for a batch, in author order. Exactly one of
// the typed slices is populated, selected by Base.
type Column struct {
	Name  string
	Base  schema.BaseKind
	Shape []int // fixed per-row shape, excluding the row dimension

	Int64   []int64
	Float64 []float64
	Bool    []bool
	Text    []string
}

// Batch is a sealed batch's full content: fields in author order plus any
// jagged meta arrays (spec §4.2/§4.3: meta arrays are hashed after the
// field payload, in field-author order).
type Batch struct {
	Fields      []Column
	JaggedLen   map[string][]int64   // "<field>_len" meta, 1-D varying fields
	JaggedShape map[string][][]int64 // "<field>_shape" meta, k-D varying fields
}

// SchemaSignature mirrors schema_signature_for_hash: a JSON array of
// [name, base_tag, shape] triples in author order (order carries meaning
// here; sorting would change the digest for no good reason).
func SchemaSignature(fields []Column) ([]byte, error) {
	type item struct {
		Name  string `json:"name"`
		Base  string `json:"base"`
		Shape []int  `json:"shape"`
	}
	items := make([]item, len(fields))
	for i, f := range fields {
		shape := f.Shape
		if shape == nil {
			shape = []int{}
		}
		items[i] = item{Name: f.Name, Base: string(f.Base), Shape: shape}
	}
	return json.Marshal(items)
}

// Hash computes the blake2b-128 content hash of a sealed batch (spec §4.3).
func Hash(b Batch) (string, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", derrors.Wrap(derrors.IOFault, err, "blake2b init failed")
	}
	sig, err := SchemaSignature(b.Fields)
	if err != nil {
		return "", derrors.Wrap(derrors.IOFault, err, "failed to compute schema signature")
	}
	h.Write(sig)

	for _, f := range b.Fields {
		if err := WriteColumn(h, f); err != nil {
			return "", err
		}
	}
	if err := WriteJaggedMeta(h, b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// WriteColumn writes one column's byte payload in the exact order and
// framing ContentHasher hashes, so PartFileStore's on-disk byte stream and
// the in-memory hash are always computed over identical bytes.
func WriteColumn(h interface{ Write([]byte) (int, error) }, f Column) error {
	switch f.Base {
	case schema.KindText:
		for _, s := range f.Text {
			b := []byte(norm.NFC.String(s))
			writeLenPrefixed(h, b)
		}
	case schema.KindFloat64:
		buf := make([]byte, 8)
		for _, v := range f.Float64 {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			h.Write(buf)
		}
	case schema.KindInt64:
		writeInt64Slice(h, f.Int64)
	case schema.KindBool:
		buf := make([]byte, 1)
		for _, v := range f.Bool {
			if v {
				buf[0] = 1
			} else {
				buf[0] = 0
			}
			h.Write(buf)
		}
	default:
		return derrors.New(derrors.SchemaMismatch, "unsupported column base kind %q for field %q", f.Base, f.Name)
	}
	return nil
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	lb := make([]byte, 4)
	binary.LittleEndian.PutUint32(lb, uint32(len(b)))
	h.Write(lb)
	h.Write(b)
}

func writeInt64Slice(h interface{ Write([]byte) (int, error) }, vals []int64) {
	buf := make([]byte, 8)
	for _, v := range vals {
		binary.LittleEndian.PutUint64(buf, uint64(v))
		h.Write(buf)
	}
}

func fieldNames(b Batch) []string {
	names := make([]string, len(b.Fields))
	for i, f := range b.Fields {
		names[i] = f.Name
	}
	return names
}

// WriteJaggedMeta writes a batch's "<field>_len"/"<field>_shape" meta
// arrays, in field-author order (spec §4.2/§4.3), each array prefixed with
// its meta key and the smallest unsigned width that fits its own values
// (schema.PickMetaKind). It is shared by Hash and PartFileStore's on-disk
// encoding, and is self-describing enough for ReadJaggedMeta to reconstruct
// JaggedLen/JaggedShape without consulting a schema.
func WriteJaggedMeta(h interface{ Write([]byte) (int, error) }, b Batch) error {
	names := fieldNames(b)

	var lenKeys []string
	for _, name := range names {
		key := name + "_len"
		if _, ok := b.JaggedLen[key]; ok {
			lenKeys = append(lenKeys, key)
		}
	}
	if err := writeUint32(h, uint32(len(lenKeys))); err != nil {
		return err
	}
	for _, key := range lenKeys {
		if err := writeLenPrefixedChecked(h, []byte(key)); err != nil {
			return err
		}
		if err := writeMetaSlice(h, b.JaggedLen[key]); err != nil {
			return err
		}
	}

	var shapeKeys []string
	for _, name := range names {
		key := name + "_shape"
		if _, ok := b.JaggedShape[key]; ok {
			shapeKeys = append(shapeKeys, key)
		}
	}
	if err := writeUint32(h, uint32(len(shapeKeys))); err != nil {
		return err
	}
	for _, key := range shapeKeys {
		if err := writeLenPrefixedChecked(h, []byte(key)); err != nil {
			return err
		}
		rows := b.JaggedShape[key]
		dims := 0
		if len(rows) > 0 {
			dims = len(rows[0])
		}
		if err := writeUint32(h, uint32(dims)); err != nil {
			return err
		}
		flat := make([]int64, 0, len(rows)*dims)
		for _, row := range rows {
			flat = append(flat, row...)
		}
		if err := writeMetaSlice(h, flat); err != nil {
			return err
		}
	}
	return nil
}

// ReadJaggedMeta reads the jagged meta section written by WriteJaggedMeta,
// reconstructing JaggedLen/JaggedShape from a sealed part file.
func ReadJaggedMeta(r io.Reader) (lens map[string][]int64, shapes map[string][][]int64, err error) {
	lens = map[string][]int64{}
	shapes = map[string][][]int64{}

	nLen, err := readUint32(r)
	if err != nil {
		return nil, nil, err
	}
	for i := uint32(0); i < nLen; i++ {
		keyBytes, err := readLenPrefixedBytes(r)
		if err != nil {
			return nil, nil, err
		}
		vals, err := readMetaSlice(r)
		if err != nil {
			return nil, nil, err
		}
		lens[string(keyBytes)] = vals
	}

	nShape, err := readUint32(r)
	if err != nil {
		return nil, nil, err
	}
	for i := uint32(0); i < nShape; i++ {
		keyBytes, err := readLenPrefixedBytes(r)
		if err != nil {
			return nil, nil, err
		}
		dims, err := readUint32(r)
		if err != nil {
			return nil, nil, err
		}
		flat, err := readMetaSlice(r)
		if err != nil {
			return nil, nil, err
		}
		var rows [][]int64
		if dims > 0 {
			rowCount := len(flat) / int(dims)
			rows = make([][]int64, rowCount)
			for j := 0; j < rowCount; j++ {
				rows[j] = flat[j*int(dims) : (j+1)*int(dims)]
			}
		}
		shapes[string(keyBytes)] = rows
	}
	return lens, shapes, nil
}

func metaKindTag(kind string) byte {
	switch kind {
	case "uint8":
		return 0
	case "uint16":
		return 1
	default:
		return 2
	}
}

func metaTagWidth(tag byte) int {
	switch tag {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return 4
	}
}

func writeMetaValue(h interface{ Write([]byte) (int, error) }, v int64, tag byte) error {
	switch tag {
	case 0:
		_, err := h.Write([]byte{byte(v)})
		return err
	case 1:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(v))
		_, err := h.Write(buf)
		return err
	default:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(v))
		_, err := h.Write(buf)
		return err
	}
}

// writeMetaSlice writes a count-prefixed jagged meta array at the smallest
// unsigned width that fits its own max value (schema.PickMetaKind), so a
// canonical shape that never exceeds 255 doesn't pay 8-byte width for it.
func writeMetaSlice(h interface{ Write([]byte) (int, error) }, vals []int64) error {
	if err := writeUint32(h, uint32(len(vals))); err != nil {
		return err
	}
	var maxVal int64
	for _, v := range vals {
		if v > maxVal {
			maxVal = v
		}
	}
	tag := metaKindTag(schema.PickMetaKind(int(maxVal)))
	if _, err := h.Write([]byte{tag}); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to write meta width tag")
	}
	for _, v := range vals {
		if err := writeMetaValue(h, v, tag); err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to write meta value")
		}
	}
	return nil
}

func readMetaSlice(r io.Reader) ([]int64, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to read meta width tag")
	}
	width := metaTagWidth(tagBuf[0])
	vals := make([]int64, n)
	buf := make([]byte, width)
	for i := range vals {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, derrors.Wrap(derrors.IOFault, err, "failed to read meta value")
		}
		switch width {
		case 1:
			vals[i] = int64(buf[0])
		case 2:
			vals[i] = int64(binary.LittleEndian.Uint16(buf))
		default:
			vals[i] = int64(binary.LittleEndian.Uint32(buf))
		}
	}
	return vals, nil
}

func writeUint32(h interface{ Write([]byte) (int, error) }, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	if _, err := h.Write(buf); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to write uint32")
	}
	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, derrors.Wrap(derrors.IOFault, err, "failed to read uint32")
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeLenPrefixedChecked(h interface{ Write([]byte) (int, error) }, b []byte) error {
	if err := writeUint32(h, uint32(len(b))); err != nil {
		return err
	}
	if _, err := h.Write(b); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to write length-prefixed bytes")
	}
	return nil
}

func readLenPrefixedBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to read length-prefixed bytes")
	}
	return buf, nil
}

