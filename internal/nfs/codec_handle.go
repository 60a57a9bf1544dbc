package nfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/nfspy/nfspy/internal/xdr"
)

// writeHandle encodes a filehandle argument: fixed 32 bytes on v2,
// length-prefixed opaque on v3 (spec.md §3's filehandle section).
func (c *Client) writeHandle(buf *bytes.Buffer, fh []byte) error {
	if c.isV2() {
		if len(fh) != V2FileHandleLen {
			return fmt.Errorf("nfs: v2 filehandle must be %d bytes, got %d", V2FileHandleLen, len(fh))
		}
		return xdr.WriteFixedOpaque(buf, fh)
	}
	if len(fh) > MaxV3FileHandleLen {
		return fmt.Errorf("nfs: v3 filehandle exceeds %d bytes, got %d", MaxV3FileHandleLen, len(fh))
	}
	return xdr.WriteOpaque(buf, fh)
}

func (c *Client) decodeHandle(r io.Reader) ([]byte, error) {
	if c.isV2() {
		return xdr.DecodeFixedOpaque(r, V2FileHandleLen)
	}
	return xdr.DecodeOpaque(r)
}

// decodeAttr decodes a mandatory (non-optional) attribute structure,
// branching on wire version.
func (c *Client) decodeAttr(r io.Reader) (*FileAttr, error) {
	if c.isV2() {
		return decodeFattr2(r)
	}
	return decodeFattr3(r)
}

func (c *Client) decodeStatus(r io.Reader) (Status, error) {
	v, err := xdr.DecodeUint32(r)
	return Status(v), err
}
