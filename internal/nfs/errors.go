package nfs

import (
	"fmt"
	"syscall"
)

// Status is the NFS reply status (nfsstat2/nfsstat3), unified across
// versions: v3 added a handful of values v2 never had (NFS3ERR_NOTSUPP
// and friends), but the common subset uses the same numbers.
type Status uint32

const (
	StatusOK             Status = 0
	StatusPerm           Status = 1
	StatusNoEnt          Status = 2
	StatusIO             Status = 5
	StatusNXIO           Status = 6
	StatusAccess         Status = 13
	StatusExist          Status = 17
	StatusXDev           Status = 18 // v3 only
	StatusNoDev          Status = 19
	StatusNotDir         Status = 20
	StatusIsDir          Status = 21
	StatusInval          Status = 22 // v3 only
	StatusFBig           Status = 27
	StatusNoSpc          Status = 28
	StatusROFS           Status = 30
	StatusMLink          Status = 31 // v3 only
	StatusNameTooLong    Status = 63
	StatusNotEmpty       Status = 66
	StatusDQuot          Status = 69
	StatusStale          Status = 70
	StatusRemote         Status = 71 // v2 only ("too many levels of remote")
	StatusBadHandle      Status = 10001 // v3 only
	StatusNotSync        Status = 10002
	StatusBadCookie      Status = 10003
	StatusNotSupp        Status = 10004
	StatusTooSmall       Status = 10005
	StatusServerFault    Status = 10006
	StatusBadType        Status = 10007
	StatusJukebox        Status = 10008
)

// Errno maps an NFS reply status to the nearest POSIX errno, for
// surfacing through the FUSE adapter (spec.md §5's "translate NFS
// status to errno at the fsops boundary").
func (s Status) Errno() syscall.Errno {
	switch s {
	case StatusOK:
		return 0
	case StatusPerm:
		return syscall.EPERM
	case StatusNoEnt:
		return syscall.ENOENT
	case StatusIO:
		return syscall.EIO
	case StatusNXIO:
		return syscall.ENXIO
	case StatusAccess:
		return syscall.EACCES
	case StatusExist:
		return syscall.EEXIST
	case StatusXDev:
		return syscall.EXDEV
	case StatusNoDev:
		return syscall.ENODEV
	case StatusNotDir:
		return syscall.ENOTDIR
	case StatusIsDir:
		return syscall.EISDIR
	case StatusInval:
		return syscall.EINVAL
	case StatusFBig:
		return syscall.EFBIG
	case StatusNoSpc:
		return syscall.ENOSPC
	case StatusROFS:
		return syscall.EROFS
	case StatusMLink:
		return syscall.EMLINK
	case StatusNameTooLong:
		return syscall.ENAMETOOLONG
	case StatusNotEmpty:
		return syscall.ENOTEMPTY
	case StatusDQuot:
		return syscall.EDQUOT
	case StatusStale:
		return syscall.ESTALE
	case StatusRemote:
		return syscall.EREMOTE
	case StatusBadHandle:
		return syscall.EBADF
	case StatusBadCookie:
		return syscall.EINVAL
	case StatusNotSupp:
		return syscall.ENOTSUP
	case StatusTooSmall:
		return syscall.EINVAL
	case StatusServerFault:
		return syscall.EIO
	case StatusBadType:
		return syscall.EINVAL
	case StatusJukebox:
		return syscall.EAGAIN
	default:
		return syscall.EIO
	}
}

// StatusError wraps a non-OK NFS reply status returned by a procedure.
type StatusError struct {
	Proc   uint32
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nfs: proc %d failed: status %d (%s)", e.Proc, e.Status, e.Status.Errno())
}

// Errno is a convenience accessor so callers can type-switch once.
func (e *StatusError) Errno() syscall.Errno { return e.Status.Errno() }

func statusErr(proc uint32, s Status) error {
	if s == StatusOK {
		return nil
	}
	return &StatusError{Proc: proc, Status: s}
}
