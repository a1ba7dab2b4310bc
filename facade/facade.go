// Package facade implements the fuseutil.FileSystem binding that turns
// kernel filesystem-in-userspace calls into operations on the block
// filesystem. The kernel/FUSE protocol itself is out of scope; this package
// only has to answer the interface jacobsa/fuse drives.
package facade

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/fsblock"
)

const (
	dirMode  os.FileMode = os.ModeDir | 0755
	fileMode os.FileMode = 0777
)

type dirHandle struct {
	entries []fuseutil.Dirent
}

// FileSystem adapts an *fsblock.FS to fuseutil.FileSystem. Every call that
// touches the filesystem (all but StatFS) takes the single mutex for its
// duration and flushes all three caches before
// releasing it, enforcing the single-threaded dispatch the design requires
// at the binding layer: the core never observes a concurrent call.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	fs     *fsblock.FS
	rootID uint64
	log    *log.Logger

	mu           sync.Mutex
	nextHandleID fuseops.HandleID
	dirHandles   map[fuseops.HandleID]dirHandle
	fileHandles  map[fuseops.HandleID]uint64
}

// New wraps fs as a fuseutil.FileSystem. logger receives one line per
// flush failure; if nil, log.Default() is used.
func New(fs *fsblock.FS, logger *log.Logger) (*FileSystem, error) {
	if logger == nil {
		logger = log.Default()
	}
	rootID, err := fs.Root()
	if err != nil {
		return nil, fmt.Errorf("facade: read root: %w", err)
	}
	return &FileSystem{
		fs:          fs,
		rootID:      rootID,
		log:         logger,
		dirHandles:  make(map[fuseops.HandleID]dirHandle),
		fileHandles: make(map[fuseops.HandleID]uint64),
	}, nil
}

// lock acquires the façade's single mutex for the duration of one
// operation and flushes every cache before releasing it, so the next
// upcall always starts from a quiescent, fully-flushed state.
func (fs *FileSystem) lock() func() {
	fs.mu.Lock()
	return func() {
		if err := fs.fs.FlushAll(); err != nil {
			fs.log.Printf("flush after operation failed: %v", err)
		}
		fs.mu.Unlock()
	}
}

func (fs *FileSystem) inode(id uint64) fuseops.InodeID {
	return fuseops.InodeID(id - fs.rootID + 1)
}

func (fs *FileSystem) blockID(inode fuseops.InodeID) uint64 {
	return uint64(inode) + fs.rootID - 1
}

func (fs *FileSystem) attrsFor(id uint64, kind fsblock.EntryKind) (fuseops.InodeAttributes, error) {
	switch kind {
	case fsblock.EntryDirectory:
		return fuseops.InodeAttributes{Mode: dirMode, Nlink: 2}, nil
	case fsblock.EntryFile:
		atime, mtime, size, err := fs.fs.Attrs(id)
		if err != nil {
			return fuseops.InodeAttributes{}, err
		}
		return fuseops.InodeAttributes{
			Mode:  fileMode,
			Nlink: 1,
			Size:  size,
			Atime: atime,
			Mtime: mtime,
			Ctime: mtime,
		}, nil
	default:
		return fuseops.InodeAttributes{}, fmt.Errorf("facade: unknown entry kind %v", kind)
	}
}

// mapErr translates the filesystem-on-blocks error taxonomy into the
// kernel binding's error codes.
func mapErr(err error) error {
	switch err {
	case nil:
		return nil
	case fsblock.ErrNotFound:
		return fuse.ENOENT
	case fsblock.ErrNotDir:
		return fuse.ENOTDIR
	case fsblock.ErrIsDir:
		return fuse.EISDIR
	case fsblock.ErrFullDir, fsblock.ErrOOM:
		return fuse.ENOMEM
	case fsblock.ErrLongName:
		return fuse.ENAMETOOLONG
	case fsblock.ErrOverflow:
		return fuse.EIO
	default:
		return fuse.EIO
	}
}

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = fsblock.FileMaxBlocks
	op.BlocksFree = op.Blocks
	op.BlocksAvailable = op.Blocks
	op.Inodes = 1 << 32
	op.InodesFree = op.Inodes
	op.IoSize = 4096
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	defer fs.lock()()

	parentID := fs.blockID(op.Parent)
	entries, err := fs.fs.ReadDir(parentID)
	if err != nil {
		return mapErr(err)
	}
	for _, e := range entries {
		if e.NameString() != op.Name {
			continue
		}
		attrs, err := fs.attrsFor(e.ID, e.Kind)
		if err != nil {
			return mapErr(err)
		}
		op.Entry.Child = fs.inode(e.ID)
		op.Entry.Attributes = attrs
		return nil
	}
	return fuse.ENOENT
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	defer fs.lock()()

	id := fs.blockID(op.Inode)
	kind := fs.kindOf(id)
	attrs, err := fs.attrsFor(id, kind)
	if err != nil {
		return mapErr(err)
	}
	op.Attributes = attrs
	return nil
}

// kindOf guesses an inode's kind by trying to read it as a directory. It is
// used by GetInodeAttributes and SetInodeAttributes for every inode. The
// root is always a directory; any other block counts as a directory when
// fsblock's ReadDir accepts it, and as a file when ReadDir refuses it.
func (fs *FileSystem) kindOf(id uint64) fsblock.EntryKind {
	if id == fs.rootID {
		return fsblock.EntryDirectory
	}
	if _, err := fs.fs.ReadDir(id); err == nil {
		return fsblock.EntryDirectory
	}
	return fsblock.EntryFile
}

func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	defer fs.lock()()

	id := fs.blockID(op.Inode)
	if op.Size != nil {
		if err := fs.fs.Truncate(id, *op.Size); err != nil {
			return mapErr(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		_, mtime, _, err := fs.fs.Attrs(id)
		if err != nil {
			return mapErr(err)
		}
		atime := time.Now()
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := fs.fs.SetTimes(id, atime, mtime); err != nil {
			return mapErr(err)
		}
	}

	attrs, err := fs.attrsFor(id, fs.kindOf(id))
	if err != nil {
		return mapErr(err)
	}
	op.Attributes = attrs
	return nil
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	defer fs.lock()()

	id, err := fs.fs.CreateDir(fs.blockID(op.Parent), op.Name)
	if err != nil {
		return mapErr(err)
	}
	attrs, err := fs.attrsFor(id, fsblock.EntryDirectory)
	if err != nil {
		return mapErr(err)
	}
	op.Entry.Child = fs.inode(id)
	op.Entry.Attributes = attrs
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	defer fs.lock()()

	id, err := fs.fs.CreateFile(fs.blockID(op.Parent), op.Name)
	if err != nil {
		return mapErr(err)
	}
	attrs, err := fs.attrsFor(id, fsblock.EntryFile)
	if err != nil {
		return mapErr(err)
	}
	op.Entry.Child = fs.inode(id)
	op.Entry.Attributes = attrs

	handle := fs.nextHandleID
	fs.nextHandleID++
	fs.fileHandles[handle] = id
	op.Handle = handle
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	defer fs.lock()()

	handle := fs.nextHandleID
	fs.nextHandleID++
	fs.fileHandles[handle] = fs.blockID(op.Inode)
	op.Handle = handle
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	defer fs.lock()()

	n, err := fs.fs.ReadFile(fs.blockID(op.Inode), op.Dst, uint64(op.Offset))
	if err != nil {
		return mapErr(err)
	}
	op.BytesRead = n
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	defer fs.lock()()

	_, err := fs.fs.WriteFile(fs.blockID(op.Inode), op.Data, uint64(op.Offset))
	return mapErr(err)
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	defer fs.lock()()
	delete(fs.fileHandles, op.Handle)
	return nil
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	defer fs.lock()()

	id := fs.blockID(op.Inode)
	raw, err := fs.fs.ReadDir(id)
	if err != nil {
		return mapErr(err)
	}
	names := make([]string, len(raw))
	byName := make(map[string]fsblock.DirEntry, len(raw))
	for i, e := range raw {
		names[i] = e.NameString()
		byName[names[i]] = e
	}
	sort.Strings(names)

	entries := make([]fuseutil.Dirent, 0, len(names))
	for i, name := range names {
		e := byName[name]
		dt := fuseutil.DT_File
		if e.Kind == fsblock.EntryDirectory {
			dt = fuseutil.DT_Directory
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fs.inode(e.ID),
			Name:   name,
			Type:   dt,
		})
	}

	handle := fs.nextHandleID
	fs.nextHandleID++
	fs.dirHandles[handle] = dirHandle{entries: entries}
	op.Handle = handle
	return nil
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	defer fs.lock()()

	handle, ok := fs.dirHandles[op.Handle]
	if !ok {
		return fmt.Errorf("facade: unknown directory handle %d", op.Handle)
	}
	idx := int(op.Offset)
	if idx > len(handle.entries) {
		return fuse.EINVAL
	}
	for i := idx; i < len(handle.entries); i++ {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], handle.entries[i])
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	defer fs.lock()()
	delete(fs.dirHandles, op.Handle)
	return nil
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	defer fs.lock()()

	return mapErr(fs.unlinkByName(fs.blockID(op.Parent), op.Name))
}

func (fs *FileSystem) unlinkByName(parentID uint64, name string) error {
	entries, err := fs.fs.ReadDir(parentID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.NameString() != name {
			continue
		}
		if e.Kind == fsblock.EntryDirectory {
			return fsblock.ErrIsDir
		}
		return fs.fs.DeleteFile(e.ID)
	}
	return fsblock.ErrNotFound
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	defer fs.lock()()

	parentID := fs.blockID(op.Parent)
	entries, err := fs.fs.ReadDir(parentID)
	if err != nil {
		return mapErr(err)
	}
	for _, e := range entries {
		if e.NameString() != op.Name {
			continue
		}
		if e.Kind != fsblock.EntryDirectory {
			return fuse.ENOTDIR
		}
		return mapErr(fs.fs.DeleteDir(e.ID))
	}
	return fuse.ENOENT
}

// FlushFile implements `flush`: it unconditionally flushes every cache,
// regardless of which file handle is named, since the cache has no notion
// of per-file dirty tracking finer than whole lines.
func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return mapErr(fs.fs.FlushAll())
}

func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return mapErr(fs.fs.FlushAll())
}
