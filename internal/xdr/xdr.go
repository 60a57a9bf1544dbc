// Package xdr implements the primitive encode/decode helpers needed for
// RFC 4506 External Data Representation: big-endian integers, booleans,
// variable-length opaque data and strings with 4-byte padding, and
// discriminated unions. It is deliberately generic and has no
// dependency on any RPC program.
package xdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Error is returned for malformed XDR input: a truncated buffer, a
// length field exceeding the remaining data, or an enum value outside
// its declared set.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("xdr: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// maxOpaqueLength bounds a single variable-length opaque/string field.
// NFS procedures never carry a single opaque field anywhere near this
// size; it exists only to reject an obviously-malformed or hostile
// length prefix before allocating.
const maxOpaqueLength = 1 << 20

// WriteUint32 encodes a big-endian 32-bit unsigned integer.
func WriteUint32(buf *bytes.Buffer, v uint32) error {
	return wrapErr("write uint32", binary.Write(buf, binary.BigEndian, v))
}

// WriteUint64 encodes a big-endian 64-bit unsigned integer (XDR "unsigned hyper").
func WriteUint64(buf *bytes.Buffer, v uint64) error {
	return wrapErr("write uint64", binary.Write(buf, binary.BigEndian, v))
}

// WriteInt32 encodes a big-endian 32-bit signed integer.
func WriteInt32(buf *bytes.Buffer, v int32) error {
	return wrapErr("write int32", binary.Write(buf, binary.BigEndian, v))
}

// WriteInt64 encodes a big-endian 64-bit signed integer (XDR "hyper").
func WriteInt64(buf *bytes.Buffer, v int64) error {
	return wrapErr("write int64", binary.Write(buf, binary.BigEndian, v))
}

// WriteBool encodes a boolean as a uint32 in {0,1}.
func WriteBool(buf *bytes.Buffer, v bool) error {
	var n uint32
	if v {
		n = 1
	}
	return WriteUint32(buf, n)
}

// WriteEnum encodes an enum as a signed 32-bit integer.
func WriteEnum(buf *bytes.Buffer, v int32) error {
	return WriteInt32(buf, v)
}

// WritePadding emits the 0..3 zero bytes needed to align dataLen onto a
// 4-byte boundary.
func WritePadding(buf *bytes.Buffer, dataLen uint32) error {
	if pad := (4 - dataLen%4) % 4; pad > 0 {
		var zero [3]byte
		if _, err := buf.Write(zero[:pad]); err != nil {
			return wrapErr("write padding", err)
		}
	}
	return nil
}

// WriteOpaque encodes variable-length opaque data: length, bytes, padding.
func WriteOpaque(buf *bytes.Buffer, data []byte) error {
	if err := WriteUint32(buf, uint32(len(data))); err != nil {
		return wrapErr("write opaque length", err)
	}
	if _, err := buf.Write(data); err != nil {
		return wrapErr("write opaque data", err)
	}
	return WritePadding(buf, uint32(len(data)))
}

// WriteFixedOpaque encodes fixed-length opaque data: bytes plus padding,
// no length prefix. Used for the v2 32-byte filehandle.
func WriteFixedOpaque(buf *bytes.Buffer, data []byte) error {
	if _, err := buf.Write(data); err != nil {
		return wrapErr("write fixed opaque data", err)
	}
	return WritePadding(buf, uint32(len(data)))
}

// WriteString encodes a string using the opaque-data encoding.
func WriteString(buf *bytes.Buffer, s string) error {
	return WriteOpaque(buf, []byte(s))
}

// DecodeUint32 decodes a big-endian uint32.
func DecodeUint32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, wrapErr("read uint32", err)
	}
	return v, nil
}

// DecodeUint64 decodes a big-endian uint64.
func DecodeUint64(r io.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, wrapErr("read uint64", err)
	}
	return v, nil
}

// DecodeInt32 decodes a big-endian int32.
func DecodeInt32(r io.Reader) (int32, error) {
	var v int32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, wrapErr("read int32", err)
	}
	return v, nil
}

// DecodeInt64 decodes a big-endian int64.
func DecodeInt64(r io.Reader) (int64, error) {
	var v int64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, wrapErr("read int64", err)
	}
	return v, nil
}

// DecodeBool decodes an XDR boolean (any non-zero uint32 is true).
func DecodeBool(r io.Reader) (bool, error) {
	v, err := DecodeUint32(r)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// DecodeEnum decodes an enum value and validates it is one of valid.
// Returns *Error if the decoded value is not declared.
func DecodeEnum(r io.Reader, valid ...int32) (int32, error) {
	v, err := DecodeInt32(r)
	if err != nil {
		return 0, err
	}
	for _, ok := range valid {
		if v == ok {
			return v, nil
		}
	}
	return 0, wrapErr("decode enum", fmt.Errorf("value %d not in declared set %v", v, valid))
}

// DecodeOpaque decodes variable-length opaque data: length, bytes, padding.
func DecodeOpaque(r io.Reader) ([]byte, error) {
	length, err := DecodeUint32(r)
	if err != nil {
		return nil, wrapErr("read opaque length", err)
	}
	if length > maxOpaqueLength {
		return nil, wrapErr("read opaque", fmt.Errorf("length %d exceeds maximum %d", length, maxOpaqueLength))
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, wrapErr("read opaque data", err)
	}
	if pad := (4 - length%4) % 4; pad > 0 {
		var padBuf [3]byte
		if _, err := io.ReadFull(r, padBuf[:pad]); err != nil {
			return nil, wrapErr("skip padding", err)
		}
	}
	return data, nil
}

// DecodeFixedOpaque decodes n bytes of fixed-length opaque data plus padding.
func DecodeFixedOpaque(r io.Reader, n int) ([]byte, error) {
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, wrapErr("read fixed opaque data", err)
	}
	if pad := (4 - uint32(n)%4) % 4; pad > 0 {
		var padBuf [3]byte
		if _, err := io.ReadFull(r, padBuf[:pad]); err != nil {
			return nil, wrapErr("skip padding", err)
		}
	}
	return data, nil
}

// DecodeString decodes an XDR string using the opaque-data encoding.
func DecodeString(r io.Reader) (string, error) {
	data, err := DecodeOpaque(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
