// Package datanode defines the logical record that flows through the
// write path: a typed key, a typed value, a timestamp, and a tombstone
// flag, along with its two on-disk encodings (SSTable record, WAL record)
// and their decoders.
package datanode

import (
	"encoding/binary"

	"github.com/flarekv/flarekv/kverrors"
	"github.com/flarekv/flarekv/typetag"
)

// Method distinguishes a WAL record's operation.
type Method uint8

const (
	MethodAppend Method = 0
	MethodDelete Method = 1
)

var (
	sstStartDelim = [4]byte{0x53, 0x54, 0x41, 0x52}
	sstEndDelim   = [4]byte{0x45, 0x4E, 0x44, 0x45}
	walStartDelim = [4]byte{0x01, 0x10, 0xEF, 0xFE}
	walEndDelim   = [4]byte{0xFE, 0xEF, 0x10, 0x01}
)

// Node is the engine's logical record. Offset is -1 for an in-memory node
// not yet placed in an SSTable.
type Node struct {
	Key        typetag.Value
	Value      typetag.Value
	KeyType    typetag.Type
	ValueType  typetag.Type
	Timestamp  int64
	Deleted    bool
	Offset     int64
	DataBuffer []byte
}

// New builds a Node from typed key/value and precomputes DataBuffer as the
// concatenation of their encoded bytes.
func New(key, value typetag.Value, kt, vt typetag.Type, timestamp int64, deleted bool) (Node, error) {
	kb, err := typetag.Encode(key, kt)
	if err != nil {
		return Node{}, err
	}
	vb, err := typetag.Encode(value, vt)
	if err != nil {
		return Node{}, err
	}

	buf := make([]byte, 0, len(kb)+len(vb))
	buf = append(buf, kb...)
	buf = append(buf, vb...)

	return Node{
		Key:        key,
		Value:      value,
		KeyType:    kt,
		ValueType:  vt,
		Timestamp:  timestamp,
		Deleted:    deleted,
		Offset:     -1,
		DataBuffer: buf,
	}, nil
}

// EncodeSSTableRecord renders n in the on-disk SSTable record format:
// start_delim(4) · key_len u32 LE(4) · value_len u32 LE(4) · key · value ·
// timestamp f64 LE(8) · deleted(1) · end_delim(4).
func EncodeSSTableRecord(n Node) ([]byte, error) {
	kb, err := typetag.Encode(n.Key, n.KeyType)
	if err != nil {
		return nil, err
	}
	vb, err := typetag.Encode(n.Value, n.ValueType)
	if err != nil {
		return nil, err
	}

	size := 4 + 4 + 4 + len(kb) + len(vb) + 8 + 1 + 4
	buf := make([]byte, 0, size)
	buf = append(buf, sstStartDelim[:]...)
	buf = appendU32(buf, uint32(len(kb)))
	buf = appendU32(buf, uint32(len(vb)))
	buf = append(buf, kb...)
	buf = append(buf, vb...)
	buf = append(buf, encodeTimestampDouble(n.Timestamp)...)
	if n.Deleted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, sstEndDelim[:]...)
	return buf, nil
}

// DecodeSSTableRecord decodes one record starting at buf[0], given the
// table's declared key and value types. It returns the node and the number
// of bytes consumed.
func DecodeSSTableRecord(buf []byte, kt, vt typetag.Type) (Node, int, error) {
	const prefix = 4 + 4 + 4
	if len(buf) < prefix {
		return Node{}, 0, &kverrors.FormatError{Detail: "sstable record shorter than fixed prefix"}
	}
	if [4]byte(buf[0:4]) != sstStartDelim {
		return Node{}, 0, &kverrors.FormatError{Detail: "sstable record missing start delimiter"}
	}

	keyLen := binary.LittleEndian.Uint32(buf[4:8])
	valLen := binary.LittleEndian.Uint32(buf[8:12])
	total := prefix + int(keyLen) + int(valLen) + 8 + 1 + 4
	if len(buf) < total {
		return Node{}, 0, &kverrors.FormatError{Detail: "sstable record truncated"}
	}

	pos := prefix
	keyBytes := buf[pos : pos+int(keyLen)]
	pos += int(keyLen)
	valBytes := buf[pos : pos+int(valLen)]
	pos += int(valLen)

	ts, err := decodeTimestampDouble(buf[pos : pos+8])
	if err != nil {
		return Node{}, 0, err
	}
	pos += 8

	deleted := buf[pos] != 0
	pos++

	if [4]byte(buf[pos:pos+4]) != sstEndDelim {
		return Node{}, 0, &kverrors.FormatError{Detail: "sstable record missing end delimiter"}
	}
	pos += 4

	key, err := typetag.Decode(keyBytes, kt)
	if err != nil {
		return Node{}, 0, err
	}
	val, err := typetag.Decode(valBytes, vt)
	if err != nil {
		return Node{}, 0, err
	}

	return Node{
		Key:        key,
		Value:      val,
		KeyType:    kt,
		ValueType:  vt,
		Timestamp:  ts,
		Deleted:    deleted,
		Offset:     -1,
		DataBuffer: append(append([]byte(nil), keyBytes...), valBytes...),
	}, pos, nil
}

// EncodeWALRecord renders n as one framed WAL record: start_delim(4) ·
// key_type(1) · value_type(1) · key_len u32 LE(4) · value_len u32 LE(4) ·
// key · value · timestamp f64 LE(8) · method(1) · end_delim(4).
func EncodeWALRecord(n Node, method Method) ([]byte, error) {
	kb, err := typetag.Encode(n.Key, n.KeyType)
	if err != nil {
		return nil, err
	}
	vb, err := typetag.Encode(n.Value, n.ValueType)
	if err != nil {
		return nil, err
	}

	size := 4 + 1 + 1 + 4 + 4 + len(kb) + len(vb) + 8 + 1 + 4
	buf := make([]byte, 0, size)
	buf = append(buf, walStartDelim[:]...)
	buf = append(buf, typetag.Tag(n.KeyType))
	buf = append(buf, typetag.Tag(n.ValueType))
	buf = appendU32(buf, uint32(len(kb)))
	buf = appendU32(buf, uint32(len(vb)))
	buf = append(buf, kb...)
	buf = append(buf, vb...)
	buf = append(buf, encodeTimestampDouble(n.Timestamp)...)
	buf = append(buf, byte(method))
	buf = append(buf, walEndDelim[:]...)
	return buf, nil
}

// DecodeWALRecord decodes one framed WAL record starting at buf[0]. The
// record's own key/value length fields double as the str:N width hint
// FromTag needs, since the type tag alone does not carry it.
func DecodeWALRecord(buf []byte) (Node, Method, int, error) {
	const prefix = 4 + 1 + 1 + 4 + 4
	if len(buf) < prefix {
		return Node{}, 0, 0, &kverrors.FormatError{Detail: "wal record shorter than fixed prefix"}
	}
	if [4]byte(buf[0:4]) != walStartDelim {
		return Node{}, 0, 0, &kverrors.FormatError{Detail: "wal record missing start delimiter"}
	}

	keyTag := buf[4]
	valTag := buf[5]
	keyLen := binary.LittleEndian.Uint32(buf[6:10])
	valLen := binary.LittleEndian.Uint32(buf[10:14])

	total := prefix + int(keyLen) + int(valLen) + 8 + 1 + 4
	if len(buf) < total {
		return Node{}, 0, 0, &kverrors.FormatError{Detail: "wal record truncated"}
	}

	kt, err := typetag.FromTag(keyTag, int(keyLen))
	if err != nil {
		return Node{}, 0, 0, err
	}
	vt, err := typetag.FromTag(valTag, int(valLen))
	if err != nil {
		return Node{}, 0, 0, err
	}

	pos := prefix
	keyBytes := buf[pos : pos+int(keyLen)]
	pos += int(keyLen)
	valBytes := buf[pos : pos+int(valLen)]
	pos += int(valLen)

	ts, err := decodeTimestampDouble(buf[pos : pos+8])
	if err != nil {
		return Node{}, 0, 0, err
	}
	pos += 8

	method := Method(buf[pos])
	pos++

	if [4]byte(buf[pos:pos+4]) != walEndDelim {
		return Node{}, 0, 0, &kverrors.FormatError{Detail: "wal record missing end delimiter"}
	}
	pos += 4

	key, err := typetag.Decode(keyBytes, kt)
	if err != nil {
		return Node{}, 0, 0, err
	}
	val, err := typetag.Decode(valBytes, vt)
	if err != nil {
		return Node{}, 0, 0, err
	}

	node := Node{
		Key:        key,
		Value:      val,
		KeyType:    kt,
		ValueType:  vt,
		Timestamp:  ts,
		Deleted:    method == MethodDelete,
		Offset:     -1,
		DataBuffer: append(append([]byte(nil), keyBytes...), valBytes...),
	}
	return node, method, pos, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// encodeTimestampDouble and decodeTimestampDouble are thin record-level
// wrappers that delegate to typetag.EncodeTimestamp/DecodeTimestamp for the
// fixed 8-byte timestamp field.
func encodeTimestampDouble(ms int64) []byte {
	return typetag.EncodeTimestamp(ms)
}

func decodeTimestampDouble(b []byte) (int64, error) {
	return typetag.DecodeTimestamp(b)
}
