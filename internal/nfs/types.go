package nfs

import "time"

// FType is the file type enumerant (ftype2/ftype3), unified across
// versions since v3 only adds NF3SOCK/NF3FIFO to v2's set.
type FType uint32

const (
	TypeNon  FType = 0
	TypeReg  FType = 1
	TypeDir  FType = 2
	TypeBlk  FType = 3
	TypeChr  FType = 4
	TypeLnk  FType = 5
	TypeSock FType = 6 // v3 only
	TypeFifo FType = 7 // v3 only
)

// FileAttr is the version-independent decoding of fattr2/fattr3: every
// field the two wire structs have in common, in the units v3 uses
// (byte counts rather than v2's blocks/blocksize).
type FileAttr struct {
	Type       FType
	Mode       uint32
	Nlink      uint32
	UID        uint32
	GID        uint32
	Size       uint64
	Used       uint64 // bytes actually allocated
	RdevMajor  uint32
	RdevMinor  uint32
	FsID       uint64
	FileID     uint64
	ATime      time.Time
	MTime      time.Time
	CTime      time.Time
}

// WccAttr is the v3 "weak cache consistency" pre-operation attribute
// set (RFC 1813 §2.6): just enough of the old attributes to detect a
// concurrent modification. v2 has no equivalent; callers on a V2
// Client never get one (WccData.Before is nil).
type WccAttr struct {
	Size  uint64
	MTime time.Time
	CTime time.Time
}

// WccData pairs the pre-op attributes with the post-op attributes v3
// returns alongside most mutating replies.
type WccData struct {
	Before    *WccAttr // nil if the server didn't supply one
	After     *FileAttr
}

// timeHow selects how a v3 SETATTR should treat an atime/mtime field
// (RFC 1813 §3.3.2's time_how enum: this is NOT a plain optional, it
// has a third case that tells the server to use its own clock).
type timeHow uint32

const (
	dontChange      timeHow = 0
	setToServerTime timeHow = 1
	setToClientTime timeHow = 2
)

// SetAttr is the set of attributes a SETATTR call may change. A nil
// field means "leave unchanged"; Atime/Mtime additionally support
// "set to the server's current time" via AtimeSetToServerTime /
// MtimeSetToServerTime, since v3's wire format distinguishes that from
// both "unchanged" and "set to this value" (spec.md §3's sattr union).
type SetAttr struct {
	Mode *uint32
	UID  *uint32
	GID  *uint32
	Size *uint64

	Atime                *time.Time
	AtimeSetToServerTime bool
	Mtime                *time.Time
	MtimeSetToServerTime bool
}

// EntryPlus is one READDIRPLUS entry: a name plus the handle and
// attributes the server chose to inline (v3 only; v2 READDIR never
// carries attributes, spec.md §2's READDIR/READDIRPLUS split).
type EntryPlus struct {
	FileID     uint64
	Name       string
	Cookie     uint64
	FileHandle []byte   // nil if the server omitted it
	Attr       *FileAttr
}

// StatFS is the version-independent result of STATFS (v2) / FSSTAT (v3).
type StatFS struct {
	TotalBytes uint64
	FreeBytes  uint64
	AvailBytes uint64
	TotalFiles uint64
	FreeFiles  uint64
	AvailFiles uint64
	InvarSec   uint32 // v3 only: seconds these counts are guaranteed stable
}

// FsInfo is FSINFO's result (v3 only; v2 has no equivalent procedure,
// spec.md's "no-op defaults on v2" note).
type FsInfo struct {
	RtMax   uint32
	RtPref  uint32
	RtMult  uint32
	WtMax   uint32
	WtPref  uint32
	WtMult  uint32
	DtPref  uint32
	MaxFileSize uint64
	TimeDelta   time.Duration
	Properties  uint32
}

// AccessMode bits for the v3 ACCESS procedure (RFC 1813 §3.3.4).
const (
	AccessRead    uint32 = 0x0001
	AccessLookup  uint32 = 0x0002
	AccessModify  uint32 = 0x0004
	AccessExtend  uint32 = 0x0008
	AccessDelete  uint32 = 0x0010
	AccessExecute uint32 = 0x0020
)

const allAccessBits = AccessRead | AccessLookup | AccessModify | AccessExtend | AccessDelete | AccessExecute
