package xdr

import (
	"bytes"
	"io"
)

// Encoder is implemented by types that can encode themselves to XDR.
type Encoder interface {
	Encode(buf *bytes.Buffer) error
}

// Decoder is implemented by types that can decode themselves from XDR.
type Decoder interface {
	Decode(r io.Reader) error
}

// EncodeDiscriminant writes the uint32 discriminant of an XDR
// discriminated union (RFC 4506 §4.15).
func EncodeDiscriminant(buf *bytes.Buffer, disc uint32) error {
	return WriteUint32(buf, disc)
}

// DecodeDiscriminant reads the uint32 discriminant of an XDR
// discriminated union.
func DecodeDiscriminant(r io.Reader) (uint32, error) {
	return DecodeUint32(r)
}

// WriteOptional encodes an XDR "optional-data" list element: a
// present/absent bool followed by the value's encoding when present.
// The NFS codec writes its optional fields inline rather than through
// this helper.
func WriteOptional(buf *bytes.Buffer, present bool, encode func(*bytes.Buffer) error) error {
	if err := WriteBool(buf, present); err != nil {
		return err
	}
	if !present {
		return nil
	}
	return encode(buf)
}

// DecodeOptional reads an XDR "optional-data" list element, invoking
// decode only when the presence flag is true.
func DecodeOptional(r io.Reader, decode func(io.Reader) error) (bool, error) {
	present, err := DecodeBool(r)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	return true, decode(r)
}
