// Package fuseadapter bridges jacobsa/fuse's inode-numbered FileSystem
// interface to the path-based operations in internal/fsops. Grounded
// on jacobsa/fuse's own roloopbackfs sample: an inode table keyed by
// a synthetic InodeID, embedding fuseutil.NotImplementedFileSystem so
// only the ops this client actually supports need overriding.
//
// NFS itself is pathless (it addresses objects by filehandle), and
// internal/cache.Resolver already keys its handle cache by path, so
// the adapter's inode table maps InodeID <-> path and otherwise gets
// out of the way.
package fuseadapter

import (
	"context"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/nfspy/nfspy/internal/fsops"
	"github.com/nfspy/nfspy/internal/logger"
	"github.com/nfspy/nfspy/internal/nfs"
)

// FS implements fuseutil.FileSystem over an fsops.Ops.
type FS struct {
	fuseutil.NotImplementedFileSystem

	ops *fsops.Ops

	mu         sync.Mutex
	pathToNode map[string]fuseops.InodeID
	nodeToPath map[fuseops.InodeID]string
	refcount   map[fuseops.InodeID]uint64
	nextID     fuseops.InodeID

	handlesMu sync.Mutex
	nextH     fuseops.HandleID
}

var _ fuseutil.FileSystem = &FS{}

// New builds an FS rooted at "/", the path fsops/cache.Resolver already
// treat as the mount's root.
func New(ops *fsops.Ops) *FS {
	fs := &FS{
		ops:        ops,
		pathToNode: map[string]fuseops.InodeID{"/": fuseops.RootInodeID},
		nodeToPath: map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		refcount:   map[fuseops.InodeID]uint64{fuseops.RootInodeID: 1},
		nextID:     fuseops.RootInodeID + 1,
	}
	return fs
}

// pathOf returns the path an inode was minted for.
func (fs *FS) pathOf(id fuseops.InodeID) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, ok := fs.nodeToPath[id]
	return p, ok
}

// inodeFor returns the existing inode for p, minting one if this is the
// first time the kernel has seen it.
func (fs *FS) inodeFor(p string) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.pathToNode[p]; ok {
		fs.refcount[id]++
		return id
	}
	id := fs.nextID
	fs.nextID++
	fs.pathToNode[p] = id
	fs.nodeToPath[id] = p
	fs.refcount[id] = 1
	return id
}

func (fs *FS) forget(id fuseops.InodeID, n uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.refcount[id] <= n {
		if p, ok := fs.nodeToPath[id]; ok {
			delete(fs.pathToNode, p)
		}
		delete(fs.nodeToPath, id)
		delete(fs.refcount, id)
		return
	}
	fs.refcount[id] -= n
}

// rename updates the inode table after fsops.Rename has already moved
// the object server-side, so cached inode numbers survive the move
// instead of forcing the kernel to re-lookup everything.
func (fs *FS) rename(oldPath, newPath string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, ok := fs.pathToNode[oldPath]
	if !ok {
		return
	}
	delete(fs.pathToNode, oldPath)
	if existing, ok := fs.pathToNode[newPath]; ok {
		delete(fs.nodeToPath, existing)
		delete(fs.refcount, existing)
	}
	fs.pathToNode[newPath] = id
	fs.nodeToPath[id] = newPath
}

func (fs *FS) newHandle() fuseops.HandleID {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	fs.nextH++
	return fs.nextH
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return path.Join(parent, name)
}

func toAttributes(a *nfs.FileAttr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: a.Nlink,
		Mode:  osMode(a),
		Atime: a.ATime,
		Mtime: a.MTime,
		Ctime: a.CTime,
		Uid:   a.UID,
		Gid:   a.GID,
	}
}

func osMode(a *nfs.FileAttr) os.FileMode {
	mode := os.FileMode(a.Mode & 0o7777)
	switch a.Type {
	case nfs.TypeDir:
		mode |= os.ModeDir
	case nfs.TypeLnk:
		mode |= os.ModeSymlink
	case nfs.TypeChr:
		mode |= os.ModeCharDevice | os.ModeDevice
	case nfs.TypeBlk:
		mode |= os.ModeDevice
	case nfs.TypeFifo:
		mode |= os.ModeNamedPipe
	case nfs.TypeSock:
		mode |= os.ModeSocket
	}
	return mode
}

func direntType(t nfs.FType) fuseops.DirentType {
	switch t {
	case nfs.TypeDir:
		return fuseops.DT_Directory
	case nfs.TypeLnk:
		return fuseops.DT_Link
	case nfs.TypeChr:
		return fuseops.DT_Char
	case nfs.TypeBlk:
		return fuseops.DT_Block
	case nfs.TypeFifo:
		return fuseops.DT_FIFO
	case nfs.TypeSock:
		return fuseops.DT_Socket
	default:
		return fuseops.DT_File
	}
}

// statFSBlockSize is synthetic: NFS reports space in bytes (v3) or
// blocks of its own server-chosen size (v2, already normalized to
// bytes by nfs.Client.StatFS), so FUSE's block-count fields are
// computed against one fixed, arbitrary block size here.
const statFSBlockSize = 4096

func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	sf, err := fs.ops.StatFS(ctx)
	if err != nil {
		return err
	}
	op.BlockSize = statFSBlockSize
	op.IoSize = statFSBlockSize
	op.Blocks = sf.TotalBytes / statFSBlockSize
	op.BlocksFree = sf.FreeBytes / statFSBlockSize
	op.BlocksAvailable = sf.AvailBytes / statFSBlockSize
	op.Inodes = sf.TotalFiles
	op.InodesFree = sf.FreeFiles
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	childP := childPath(parent, op.Name)
	attr, err := fs.ops.GetAttr(ctx, childP)
	if err != nil {
		return err
	}
	op.Entry.Child = fs.inodeFor(childP)
	op.Entry.Attributes = toAttributes(attr)
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	attr, err := fs.ops.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	op.Attributes = toAttributes(attr)
	return nil
}

func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	if op.Mode != nil {
		if err := fs.ops.Chmod(ctx, p, uint32(*op.Mode&os.ModePerm)); err != nil {
			return err
		}
	}
	if op.Size != nil {
		if err := fs.ops.Truncate(ctx, p, *op.Size); err != nil {
			return err
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		at, mt := zeroTime(op.Atime), zeroTime(op.Mtime)
		if err := fs.ops.Utimens(ctx, p, at, mt); err != nil {
			return err
		}
	}
	attr, err := fs.ops.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	op.Attributes = toAttributes(attr)
	return nil
}

func zeroTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (fs *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.forget(op.Inode, op.N)
	return nil
}

func (fs *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	p := childPath(parent, op.Name)
	if err := fs.ops.Mkdir(ctx, p, uint32(op.Mode&os.ModePerm)); err != nil {
		return err
	}
	attr, err := fs.ops.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	op.Entry.Child = fs.inodeFor(p)
	op.Entry.Attributes = toAttributes(attr)
	return nil
}

func (fs *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	p := childPath(parent, op.Name)
	if err := fs.ops.Create(ctx, p, uint32(op.Mode&os.ModePerm)); err != nil {
		return err
	}
	attr, err := fs.ops.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	op.Entry.Child = fs.inodeFor(p)
	op.Entry.Attributes = toAttributes(attr)
	op.Handle = fs.newHandle()
	return nil
}

func (fs *FS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	p := childPath(parent, op.Name)
	if err := fs.ops.Symlink(ctx, op.Target, p); err != nil {
		return err
	}
	attr, err := fs.ops.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	op.Entry.Child = fs.inodeFor(p)
	op.Entry.Attributes = toAttributes(attr)
	return nil
}

func (fs *FS) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	targetPath, ok := fs.pathOf(op.Target)
	if !ok {
		return syscall.ENOENT
	}
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	p := childPath(parent, op.Name)
	if err := fs.ops.Link(ctx, targetPath, p); err != nil {
		return err
	}
	attr, err := fs.ops.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	op.Entry.Child = fs.inodeFor(p)
	op.Entry.Attributes = toAttributes(attr)
	return nil
}

func (fs *FS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := fs.pathOf(op.OldParent)
	if !ok {
		return syscall.ENOENT
	}
	newParent, ok := fs.pathOf(op.NewParent)
	if !ok {
		return syscall.ENOENT
	}
	oldPath := childPath(oldParent, op.OldName)
	newPath := childPath(newParent, op.NewName)
	if err := fs.ops.Rename(ctx, oldPath, newPath); err != nil {
		return err
	}
	fs.rename(oldPath, newPath)
	return nil
}

func (fs *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	return fs.ops.Rmdir(ctx, childPath(parent, op.Name))
}

func (fs *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	return fs.ops.Unlink(ctx, childPath(parent, op.Name))
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if _, ok := fs.pathOf(op.Inode); !ok {
		return syscall.ENOENT
	}
	op.Handle = fs.newHandle()
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	entries, err := fs.ops.Readdir(ctx, p)
	if err != nil {
		return err
	}
	if int(op.Offset) > len(entries) {
		return nil
	}
	entries = entries[op.Offset:]
	for i, e := range entries {
		childP := childPath(p, e.Name)
		attr, err := fs.ops.GetAttr(ctx, childP)
		typ := fuseops.DT_File
		if err == nil {
			typ = direntType(attr.Type)
		}
		d := fuseops.Dirent{
			Offset: op.Offset + fuseops.DirOffset(i) + 1,
			Inode:  fs.inodeFor(childP),
			Name:   e.Name,
			Type:   typ,
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *FS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	target, err := fs.ops.Readlink(ctx, p)
	if err != nil {
		return err
	}
	op.Target = target
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, ok := fs.pathOf(op.Inode); !ok {
		return syscall.ENOENT
	}
	op.Handle = fs.newHandle()
	op.KeepPageCache = false
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	n, err := fs.ops.Read(ctx, p, op.Dst, uint64(op.Offset))
	op.BytesRead = n
	if err != nil {
		logger.Debug("fuse read failed", logger.Path(p), logger.Offset(uint64(op.Offset)), logger.Err(err))
		return err
	}
	return nil
}

func (fs *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	_, err := fs.ops.Write(ctx, p, op.Data, uint64(op.Offset))
	return err
}

func (fs *FS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	// Writes are always FILE_SYNC (internal/fsops.Write); nothing to flush.
	return nil
}

func (fs *FS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}
