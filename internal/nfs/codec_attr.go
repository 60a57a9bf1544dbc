package nfs

import (
	"bytes"
	"io"
	"time"

	"github.com/nfspy/nfspy/internal/xdr"
)

func writeTime3(buf *bytes.Buffer, t time.Time) error {
	if err := xdr.WriteUint32(buf, uint32(t.Unix())); err != nil {
		return err
	}
	return xdr.WriteUint32(buf, uint32(t.Nanosecond()))
}

func decodeTime3(r io.Reader) (time.Time, error) {
	sec, err := xdr.DecodeUint32(r)
	if err != nil {
		return time.Time{}, err
	}
	nsec, err := xdr.DecodeUint32(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(sec), int64(nsec)).UTC(), nil
}

func decodeFattr3(r io.Reader) (*FileAttr, error) {
	a := &FileAttr{}
	ftype, err := xdr.DecodeEnum(r, 0, 1, 2, 3, 4, 5, 6, 7)
	if err != nil {
		return nil, wrapAttr("type", err)
	}
	a.Type = FType(ftype)
	if a.Mode, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("mode", err)
	}
	if a.Nlink, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("nlink", err)
	}
	if a.UID, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("uid", err)
	}
	if a.GID, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("gid", err)
	}
	if a.Size, err = xdr.DecodeUint64(r); err != nil {
		return nil, wrapAttr("size", err)
	}
	if a.Used, err = xdr.DecodeUint64(r); err != nil {
		return nil, wrapAttr("used", err)
	}
	if a.RdevMajor, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("rdev.major", err)
	}
	if a.RdevMinor, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("rdev.minor", err)
	}
	if a.FsID, err = xdr.DecodeUint64(r); err != nil {
		return nil, wrapAttr("fsid", err)
	}
	if a.FileID, err = xdr.DecodeUint64(r); err != nil {
		return nil, wrapAttr("fileid", err)
	}
	if a.ATime, err = decodeTime3(r); err != nil {
		return nil, wrapAttr("atime", err)
	}
	if a.MTime, err = decodeTime3(r); err != nil {
		return nil, wrapAttr("mtime", err)
	}
	if a.CTime, err = decodeTime3(r); err != nil {
		return nil, wrapAttr("ctime", err)
	}
	return a, nil
}

func decodeFattr2(r io.Reader) (*FileAttr, error) {
	a := &FileAttr{}
	ftype, err := xdr.DecodeEnum(r, 0, 1, 2, 3, 4, 5)
	if err != nil {
		return nil, wrapAttr("type", err)
	}
	a.Type = FType(ftype)
	if a.Mode, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("mode", err)
	}
	if a.Nlink, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("nlink", err)
	}
	if a.UID, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("uid", err)
	}
	if a.GID, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("gid", err)
	}
	size, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, wrapAttr("size", err)
	}
	a.Size = uint64(size)
	blocksize, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, wrapAttr("blocksize", err)
	}
	if a.RdevMajor, err = xdr.DecodeUint32(r); err != nil {
		return nil, wrapAttr("rdev", err)
	}
	blocks, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, wrapAttr("blocks", err)
	}
	a.Used = uint64(blocks) * uint64(blocksize)
	fsid, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, wrapAttr("fsid", err)
	}
	a.FsID = uint64(fsid)
	fileid, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, wrapAttr("fileid", err)
	}
	a.FileID = uint64(fileid)
	if a.ATime, err = decodeTimeval(r); err != nil {
		return nil, wrapAttr("atime", err)
	}
	if a.MTime, err = decodeTimeval(r); err != nil {
		return nil, wrapAttr("mtime", err)
	}
	if a.CTime, err = decodeTimeval(r); err != nil {
		return nil, wrapAttr("ctime", err)
	}
	return a, nil
}

func decodeTimeval(r io.Reader) (time.Time, error) {
	sec, err := xdr.DecodeUint32(r)
	if err != nil {
		return time.Time{}, err
	}
	usec, err := xdr.DecodeUint32(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(sec), int64(usec)*1000).UTC(), nil
}

func writeTimeval(buf *bytes.Buffer, t time.Time) error {
	if err := xdr.WriteUint32(buf, uint32(t.Unix())); err != nil {
		return err
	}
	return xdr.WriteUint32(buf, uint32(t.Nanosecond()/1000))
}

// decodePostOpAttr decodes a v3 post_op_attr: bool present + fattr3.
func decodePostOpAttr(r io.Reader) (*FileAttr, error) {
	present, err := xdr.DecodeBool(r)
	if err != nil {
		return nil, wrapAttr("post_op_attr.present", err)
	}
	if !present {
		return nil, nil
	}
	return decodeFattr3(r)
}

// decodeWccAttr decodes a v3 pre_op_attr (wcc_attr): bool present +
// {size, mtime, ctime}.
func decodeWccAttr(r io.Reader) (*WccAttr, error) {
	present, err := xdr.DecodeBool(r)
	if err != nil {
		return nil, wrapAttr("pre_op_attr.present", err)
	}
	if !present {
		return nil, nil
	}
	w := &WccAttr{}
	if w.Size, err = xdr.DecodeUint64(r); err != nil {
		return nil, wrapAttr("wcc.size", err)
	}
	if w.MTime, err = decodeTime3(r); err != nil {
		return nil, wrapAttr("wcc.mtime", err)
	}
	if w.CTime, err = decodeTime3(r); err != nil {
		return nil, wrapAttr("wcc.ctime", err)
	}
	return w, nil
}

// decodeWccData decodes the wcc_data that follows the common result
// status on most v3 mutating replies: {pre_op_attr, post_op_attr}.
func decodeWccData(r io.Reader) (*WccData, error) {
	before, err := decodeWccAttr(r)
	if err != nil {
		return nil, err
	}
	after, err := decodePostOpAttr(r)
	if err != nil {
		return nil, err
	}
	return &WccData{Before: before, After: after}, nil
}

// writeSattr3 encodes a SetAttr as the v3 sattr3 union (RFC 1813
// §3.3.2): mode/uid/gid/size are bool+value, atime/mtime use the
// three-way time_how discriminant (unchanged / set-to-server-time /
// set-to-this-value).
func writeSattr3(buf *bytes.Buffer, sa SetAttr) error {
	if err := writeOptionalUint32(buf, sa.Mode); err != nil {
		return err
	}
	if err := writeOptionalUint32(buf, sa.UID); err != nil {
		return err
	}
	if err := writeOptionalUint32(buf, sa.GID); err != nil {
		return err
	}
	if err := writeOptionalUint64(buf, sa.Size); err != nil {
		return err
	}
	if err := writeSetTime(buf, sa.Atime, sa.AtimeSetToServerTime); err != nil {
		return err
	}
	return writeSetTime(buf, sa.Mtime, sa.MtimeSetToServerTime)
}

func writeOptionalUint32(buf *bytes.Buffer, v *uint32) error {
	if v == nil {
		return xdr.WriteBool(buf, false)
	}
	if err := xdr.WriteBool(buf, true); err != nil {
		return err
	}
	return xdr.WriteUint32(buf, *v)
}

func writeOptionalUint64(buf *bytes.Buffer, v *uint64) error {
	if v == nil {
		return xdr.WriteBool(buf, false)
	}
	if err := xdr.WriteBool(buf, true); err != nil {
		return err
	}
	return xdr.WriteUint64(buf, *v)
}

func writeSetTime(buf *bytes.Buffer, v *time.Time, toServerTime bool) error {
	how := dontChange
	if toServerTime {
		how = setToServerTime
	} else if v != nil {
		how = setToClientTime
	}
	if err := xdr.WriteEnum(buf, int32(how)); err != nil {
		return err
	}
	if how == setToClientTime {
		return writeTime3(buf, *v)
	}
	return nil
}

// writeSattr2 encodes a SetAttr as the v2 sattr struct (RFC 1094
// §2.3.4), which has no "unchanged" signal at all: a field value of
// -1 (0xFFFFFFFF for size/uid/gid/mode, {-1,-1} for times) means
// leave it unchanged, per the original protocol's convention.
func writeSattr2(buf *bytes.Buffer, sa SetAttr) error {
	const unchanged32 = 0xFFFFFFFF
	write := func(v *uint32) error {
		if v == nil {
			return xdr.WriteUint32(buf, unchanged32)
		}
		return xdr.WriteUint32(buf, *v)
	}
	if err := write(sa.Mode); err != nil {
		return err
	}
	if err := write(sa.UID); err != nil {
		return err
	}
	if err := write(sa.GID); err != nil {
		return err
	}
	if sa.Size == nil {
		if err := xdr.WriteUint32(buf, unchanged32); err != nil {
			return err
		}
	} else {
		if err := xdr.WriteUint32(buf, uint32(*sa.Size)); err != nil {
			return err
		}
	}
	writeTimeUnchanged := func(t *time.Time) error {
		if t == nil {
			if err := xdr.WriteUint32(buf, unchanged32); err != nil {
				return err
			}
			return xdr.WriteUint32(buf, unchanged32)
		}
		return writeTimeval(buf, *t)
	}
	if err := writeTimeUnchanged(sa.Atime); err != nil {
		return err
	}
	return writeTimeUnchanged(sa.Mtime)
}

type attrError struct {
	field string
	err   error
}

func (e *attrError) Error() string { return "nfs: decode attr " + e.field + ": " + e.err.Error() }
func (e *attrError) Unwrap() error { return e.err }

func wrapAttr(field string, err error) error { return &attrError{field: field, err: err} }
