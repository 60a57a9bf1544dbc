package nfs

import (
	"bytes"
	"context"

	"github.com/nfspy/nfspy/internal/rpc"
	"github.com/nfspy/nfspy/internal/xdr"
)

// ReadResult is one READ reply: the bytes actually returned, whether
// the read reached end-of-file, and (v3) post-op attributes.
type ReadResult struct {
	Data []byte
	EOF  bool
	Attr *FileAttr
}

// Read fetches up to len bytes starting at offset from the file fh.
// Chunking to the negotiated rtpref/rtmax is the caller's job (fsops
// drives this in rtsize-sized slices per spec.md §4.5).
func (c *Client) Read(ctx context.Context, fh []byte, offset uint64, length uint32, cred rpc.Credential) (*ReadResult, error) {
	var arg bytes.Buffer
	if err := c.writeHandle(&arg, fh); err != nil {
		return nil, err
	}
	if c.isV2() {
		if err := xdr.WriteUint32(&arg, uint32(offset)); err != nil {
			return nil, err
		}
		if err := xdr.WriteUint32(&arg, length); err != nil {
			return nil, err
		}
		if err := xdr.WriteUint32(&arg, 0); err != nil { // totalcount, unused
			return nil, err
		}
	} else {
		if err := xdr.WriteUint64(&arg, offset); err != nil {
			return nil, err
		}
		if err := xdr.WriteUint32(&arg, length); err != nil {
			return nil, err
		}
	}

	proc := V3ProcRead
	if c.isV2() {
		proc = V2ProcRead
	}
	res := &ReadResult{}
	err := c.rpc.Call(ctx, proc, cred, arg.Bytes(), func(body []byte) error {
		r := bytes.NewReader(body)
		status, err := c.decodeStatus(r)
		if err != nil {
			return err
		}
		if c.isV2() {
			if status != StatusOK {
				return statusErr(proc, status)
			}
			if res.Attr, err = decodeFattr2(r); err != nil {
				return err
			}
			res.Data, err = xdr.DecodeOpaque(r)
			res.EOF = uint64(len(res.Data)) < uint64(length)
			return err
		}
		if res.Attr, err = decodePostOpAttr(r); err != nil {
			return err
		}
		if status != StatusOK {
			return statusErr(proc, status)
		}
		count, err := xdr.DecodeUint32(r)
		if err != nil {
			return err
		}
		if res.EOF, err = xdr.DecodeBool(r); err != nil {
			return err
		}
		data, err := xdr.DecodeOpaque(r)
		if err != nil {
			return err
		}
		if uint32(len(data)) > count {
			data = data[:count]
		}
		res.Data = data
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// Stable selects v3 WRITE durability (RFC 1813 §3.3.7): UNSTABLE lets
// the server buffer and requires a later Commit, DATA_SYNC/FILE_SYNC
// ask the server to persist before replying. v2 WRITE is always
// equivalent to FILE_SYNC.
type Stable uint32

const (
	Unstable Stable = 0
	DataSync Stable = 1
	FileSync Stable = 2
)

// WriteResult is one WRITE reply.
type WriteResult struct {
	Count    uint32
	How      Stable
	Verifier uint64
	Wcc      *WccData
}

// Write stores data at offset in the file fh.
func (c *Client) Write(ctx context.Context, fh []byte, offset uint64, data []byte, stable Stable, cred rpc.Credential) (*WriteResult, error) {
	var arg bytes.Buffer
	if err := c.writeHandle(&arg, fh); err != nil {
		return nil, err
	}
	if c.isV2() {
		if err := xdr.WriteUint32(&arg, 0); err != nil { // beginoffset, unused
			return nil, err
		}
		if err := xdr.WriteUint32(&arg, uint32(offset)); err != nil {
			return nil, err
		}
		if err := xdr.WriteUint32(&arg, 0); err != nil { // totalcount, unused
			return nil, err
		}
		if err := xdr.WriteOpaque(&arg, data); err != nil {
			return nil, err
		}
	} else {
		if err := xdr.WriteUint64(&arg, offset); err != nil {
			return nil, err
		}
		if err := xdr.WriteUint32(&arg, uint32(len(data))); err != nil {
			return nil, err
		}
		if err := xdr.WriteEnum(&arg, int32(stable)); err != nil {
			return nil, err
		}
		if err := xdr.WriteOpaque(&arg, data); err != nil {
			return nil, err
		}
	}

	proc := V3ProcWrite
	if c.isV2() {
		proc = V2ProcWrite
	}
	res := &WriteResult{}
	err := c.rpc.Call(ctx, proc, cred, arg.Bytes(), func(body []byte) error {
		r := bytes.NewReader(body)
		status, err := c.decodeStatus(r)
		if err != nil {
			return err
		}
		if c.isV2() {
			if status != StatusOK {
				return statusErr(proc, status)
			}
			if _, err := decodeFattr2(r); err != nil {
				return err
			}
			res.Count = uint32(len(data))
			res.How = FileSync
			return nil
		}
		if res.Wcc, err = decodeWccData(r); err != nil {
			return err
		}
		if status != StatusOK {
			return statusErr(proc, status)
		}
		if res.Count, err = xdr.DecodeUint32(r); err != nil {
			return err
		}
		how, err := xdr.DecodeEnum(r, 0, 1, 2)
		if err != nil {
			return err
		}
		res.How = Stable(how)
		res.Verifier, err = xdr.DecodeUint64(r)
		return err
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// Entry is one READDIR entry (v2, and v3's plain-READDIR form).
type Entry struct {
	FileID uint64
	Name   string
	Cookie uint64
}

// ReaddirResult is a page of directory entries (each carrying the
// cookie to resume after it) and whether this was the last page. The
// v3 cookie verifier in the reply is read past and not kept.
type ReaddirResult struct {
	Entries []Entry
	EOF     bool
}

// Readdir lists entries in the directory fh starting after cookie.
func (c *Client) Readdir(ctx context.Context, fh []byte, cookie uint64, cookieVerf uint64, count uint32, cred rpc.Credential) (*ReaddirResult, error) {
	var arg bytes.Buffer
	if err := c.writeHandle(&arg, fh); err != nil {
		return nil, err
	}
	if c.isV2() {
		if err := xdr.WriteUint32(&arg, uint32(cookie)); err != nil {
			return nil, err
		}
		if err := xdr.WriteUint32(&arg, count); err != nil {
			return nil, err
		}
	} else {
		if err := xdr.WriteUint64(&arg, cookie); err != nil {
			return nil, err
		}
		if err := xdr.WriteUint64(&arg, cookieVerf); err != nil {
			return nil, err
		}
		if err := xdr.WriteUint32(&arg, count); err != nil {
			return nil, err
		}
	}

	proc := V3ProcReaddir
	if c.isV2() {
		proc = V2ProcReaddir
	}
	res := &ReaddirResult{}
	err := c.rpc.Call(ctx, proc, cred, arg.Bytes(), func(body []byte) error {
		r := bytes.NewReader(body)
		status, err := c.decodeStatus(r)
		if err != nil {
			return err
		}
		if !c.isV2() {
			if _, err := decodePostOpAttr(r); err != nil {
				return err
			}
		}
		if status != StatusOK {
			return statusErr(proc, status)
		}
		if !c.isV2() {
			if _, err := xdr.DecodeUint64(r); err != nil { // cookieverf
				return err
			}
		}
		for {
			present, err := xdr.DecodeBool(r)
			if err != nil {
				return err
			}
			if !present {
				break
			}
			var e Entry
			if c.isV2() {
				fileid, err := xdr.DecodeUint32(r)
				if err != nil {
					return err
				}
				e.FileID = uint64(fileid)
			} else if e.FileID, err = xdr.DecodeUint64(r); err != nil {
				return err
			}
			if e.Name, err = xdr.DecodeString(r); err != nil {
				return err
			}
			if c.isV2() {
				cookie, err := xdr.DecodeUint32(r)
				if err != nil {
					return err
				}
				e.Cookie = uint64(cookie)
			} else if e.Cookie, err = xdr.DecodeUint64(r); err != nil {
				return err
			}
			res.Entries = append(res.Entries, e)
		}
		res.EOF, err = xdr.DecodeBool(r)
		return err
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// ReaddirplusResult is a page of directory entries with inline
// handles/attributes (v3 only).
type ReaddirplusResult struct {
	Entries []EntryPlus
	EOF     bool
}

// Readdirplus is READDIRPLUS (v3 only); v2 callers should use Readdir
// plus a per-entry Lookup/GetAttr instead.
func (c *Client) Readdirplus(ctx context.Context, fh []byte, cookie, cookieVerf uint64, dirCount, maxCount uint32, cred rpc.Credential) (*ReaddirplusResult, error) {
	if c.isV2() {
		return nil, ErrNotSupported
	}
	var arg bytes.Buffer
	if err := c.writeHandle(&arg, fh); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint64(&arg, cookie); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint64(&arg, cookieVerf); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&arg, dirCount); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&arg, maxCount); err != nil {
		return nil, err
	}

	res := &ReaddirplusResult{}
	err := c.rpc.Call(ctx, V3ProcReaddirplus, cred, arg.Bytes(), func(body []byte) error {
		r := bytes.NewReader(body)
		status, err := c.decodeStatus(r)
		if err != nil {
			return err
		}
		if _, err := decodePostOpAttr(r); err != nil {
			return err
		}
		if status != StatusOK {
			return statusErr(V3ProcReaddirplus, status)
		}
		if _, err := xdr.DecodeUint64(r); err != nil { // cookieverf
			return err
		}
		for {
			present, err := xdr.DecodeBool(r)
			if err != nil {
				return err
			}
			if !present {
				break
			}
			var e EntryPlus
			if e.FileID, err = xdr.DecodeUint64(r); err != nil {
				return err
			}
			if e.Name, err = xdr.DecodeString(r); err != nil {
				return err
			}
			if e.Cookie, err = xdr.DecodeUint64(r); err != nil {
				return err
			}
			if e.Attr, err = decodePostOpAttr(r); err != nil {
				return err
			}
			fhPresent, err := xdr.DecodeBool(r)
			if err != nil {
				return err
			}
			if fhPresent {
				if e.FileHandle, err = xdr.DecodeOpaque(r); err != nil {
					return err
				}
			}
			res.Entries = append(res.Entries, e)
		}
		res.EOF, err = xdr.DecodeBool(r)
		return err
	})
	if err != nil {
		return res, err
	}
	return res, nil
}
