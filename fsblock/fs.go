package fsblock

import (
	"fmt"
	"strings"
	"time"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/cache"
)

// FS is the filesystem-on-blocks layer: it turns the three caches (one for
// the superblock and bitmap, one for directories, one for files and their
// data) into path-addressed create/delete/read/write/truncate operations.
type FS struct {
	sb   *cache.Cache // superblock (id 0) and bitmap blocks (id 1..MapCount)
	dir  *cache.Cache // directory blocks
	data *cache.Cache // file blocks and the data blocks they own
}

// New wires the three caches into an FS. The caches must already be primed
// by Init (on a fresh store) or simply ready to serve Get (on an existing
// one); New itself performs no I/O.
func New(sb, dir, data *cache.Cache) *FS {
	return &FS{sb: sb, dir: dir, data: data}
}

// Init formats a fresh store of total blocks: it lays out the superblock
// and bitmap, marks the reserved region permanently allocated, and creates
// an empty root directory.
func (fs *FS) Init(total uint64) error {
	mapCount := (total + bitsPerBitmap - 1) / bitsPerBitmap
	if mapCount == 0 {
		mapCount = 1
	}
	reserved := 1 + mapCount // superblock + bitmap blocks

	for m := uint64(1); m <= mapCount; m++ {
		buf, err := fs.sb.Claim(m)
		if err != nil {
			return fmt.Errorf("fsblock: init: claim bitmap block %d: %w", m, err)
		}
		for i := range buf {
			buf[i] = 0
		}
		for b := uint64(0); b < reserved; b++ {
			setBitIfOwned(buf, b, m)
		}
	}

	sb := &Superblock{TotalCount: total, FreeCount: total - reserved, MapCount: mapCount}
	if err := fs.storeSuperblock(sb); err != nil {
		return err
	}

	rootID, err := fs.alloc()
	if err != nil {
		return fmt.Errorf("fsblock: init: allocate root directory: %w", err)
	}

	buf, err := fs.dir.Claim(rootID)
	if err != nil {
		return fmt.Errorf("fsblock: init: claim root directory: %w", err)
	}
	root := &Directory{Parent: rootID, EntryIndex: 0, EntryCount: 2}
	root.Entries[0] = DirEntry{Used: true, Kind: EntryDirectory, ID: rootID}
	root.Entries[0].SetName(".")
	root.Entries[1] = DirEntry{Used: true, Kind: EntryDirectory, ID: rootID}
	root.Entries[1].SetName("..")
	root.Marshal(buf)

	sb, err = fs.loadSuperblock()
	if err != nil {
		return err
	}
	sb.Root = rootID
	if err := fs.storeSuperblock(sb); err != nil {
		return err
	}

	return fs.FlushAll()
}

// Root returns the root directory's block id.
func (fs *FS) Root() (uint64, error) {
	sb, err := fs.loadSuperblock()
	if err != nil {
		return 0, err
	}
	return sb.Root, nil
}

// FlushAll flushes every dirty line across all three caches.
func (fs *FS) FlushAll() error {
	if err := fs.sb.FlushAll(); err != nil {
		return err
	}
	if err := fs.dir.FlushAll(); err != nil {
		return err
	}
	return fs.data.FlushAll()
}

func (fs *FS) loadSuperblock() (*Superblock, error) {
	buf, err := fs.sb.Get(BlockID0)
	if err != nil {
		return nil, fmt.Errorf("fsblock: load superblock: %w", err)
	}
	return UnmarshalSuperblock(buf), nil
}

// storeSuperblock fetches a fresh buffer for block 0, marshals sb into it,
// and marks it dirty in one uninterrupted step, so no intervening cache
// call on fs.sb can evict the buffer between writing and marking it dirty.
func (fs *FS) storeSuperblock(sb *Superblock) error {
	buf, err := fs.sb.Claim(BlockID0)
	if err != nil {
		return fmt.Errorf("fsblock: store superblock: %w", err)
	}
	sb.Marshal(buf)
	return nil
}

func (fs *FS) loadDirectory(id uint64) (*Directory, error) {
	buf, err := fs.dir.Get(id)
	if err != nil {
		return nil, fmt.Errorf("fsblock: load directory %d: %w", id, err)
	}
	return UnmarshalDirectory(buf), nil
}

func (fs *FS) storeDirectory(id uint64, d *Directory) error {
	buf, err := fs.dir.Get(id)
	if err != nil {
		return fmt.Errorf("fsblock: store directory %d: %w", id, err)
	}
	d.Marshal(buf)
	return fs.dir.Dirty(id)
}

func (fs *FS) loadFile(id uint64) (*File, error) {
	buf, err := fs.data.Get(id)
	if err != nil {
		return nil, fmt.Errorf("fsblock: load file %d: %w", id, err)
	}
	return UnmarshalFile(buf), nil
}

func (fs *FS) storeFile(id uint64, f *File) error {
	buf, err := fs.data.Get(id)
	if err != nil {
		return fmt.Errorf("fsblock: store file %d: %w", id, err)
	}
	f.Marshal(buf)
	return fs.data.Dirty(id)
}

// alloc scans the bitmap for the lowest clear bit, sets it, and returns the
// corresponding block id. It returns ErrOOM if the bitmap is exhausted.
func (fs *FS) alloc() (uint64, error) {
	sb, err := fs.loadSuperblock()
	if err != nil {
		return 0, err
	}
	if sb.FreeCount == 0 {
		return 0, ErrOOM
	}

	for m := uint64(1); m <= sb.MapCount; m++ {
		buf, err := fs.sb.Get(m)
		if err != nil {
			return 0, fmt.Errorf("fsblock: alloc: get bitmap block %d: %w", m, err)
		}
		if b, ok := findClearBit(buf, m); ok {
			setBitIfOwned(buf, b, m)
			if err := fs.sb.Dirty(m); err != nil {
				return 0, err
			}

			sb, err := fs.loadSuperblock()
			if err != nil {
				return 0, err
			}
			sb.FreeCount--
			if err := fs.storeSuperblock(sb); err != nil {
				return 0, err
			}
			return b, nil
		}
	}
	return 0, ErrOOM
}

// free clears id's bit and increments the free count. Unlike the reference
// implementation this always updates the free count, per the invariant
// that it tracks the number of clear bits.
func (fs *FS) free(id uint64) error {
	m := id/bitsPerBitmap + 1
	buf, err := fs.sb.Get(m)
	if err != nil {
		return fmt.Errorf("fsblock: free: get bitmap block %d: %w", m, err)
	}
	clearBit(buf, id, m)
	if err := fs.sb.Dirty(m); err != nil {
		return err
	}

	sb, err := fs.loadSuperblock()
	if err != nil {
		return err
	}
	sb.FreeCount++
	return fs.storeSuperblock(sb)
}

// findClearBit scans bitmap block m (covering ids [(m-1)*bitsPerBitmap,
// m*bitsPerBitmap)) for the lowest clear bit and returns the block id it
// represents.
func findClearBit(buf []byte, m uint64) (uint64, bool) {
	base := (m - 1) * bitsPerBitmap
	for byteIdx := 0; byteIdx < len(buf); byteIdx++ {
		if buf[byteIdx] == 0xff {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if buf[byteIdx]&(1<<uint(bit)) == 0 {
				return base + uint64(byteIdx)*8 + uint64(bit), true
			}
		}
	}
	return 0, false
}

func setBitIfOwned(buf []byte, id, m uint64) {
	base := (m - 1) * bitsPerBitmap
	off := id - base
	buf[off/8] |= 1 << uint(off%8)
}

func clearBit(buf []byte, id, m uint64) {
	base := (m - 1) * bitsPerBitmap
	off := id - base
	buf[off/8] &^= 1 << uint(off%8)
}

// Find resolves a slash-separated path, starting at the root, to a block
// id and the kind of entry it names. An empty path resolves to the root
// directory. Descending through a file with path components still
// remaining fails with ErrNotDir.
func (fs *FS) Find(path string) (id uint64, kind EntryKind, err error) {
	root, err := fs.Root()
	if err != nil {
		return 0, 0, err
	}

	comps := splitPath(path)
	if len(comps) == 0 {
		return root, EntryDirectory, nil
	}

	current := root
	for i, name := range comps {
		dir, err := fs.loadDirectory(current)
		if err != nil {
			return 0, 0, err
		}
		idx, found := dir.Find(name)
		if !found {
			return 0, 0, ErrNotFound
		}
		entry := dir.Entries[idx]

		last := i == len(comps)-1
		if last {
			return entry.ID, entry.Kind, nil
		}
		if entry.Kind != EntryDirectory {
			return 0, 0, ErrNotDir
		}
		current = entry.ID
	}
	panic("unreachable")
}

func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	comps := make([]string, 0, len(raw))
	for _, c := range raw {
		if c != "" {
			comps = append(comps, c)
		}
	}
	return comps
}

// CreateFile creates a new, empty regular file named name inside the
// directory parentID.
func (fs *FS) CreateFile(parentID uint64, name string) (uint64, error) {
	return fs.create(parentID, name, EntryFile)
}

// CreateDir creates a new, empty subdirectory named name inside the
// directory parentID.
func (fs *FS) CreateDir(parentID uint64, name string) (uint64, error) {
	return fs.create(parentID, name, EntryDirectory)
}

func (fs *FS) create(parentID uint64, name string, kind EntryKind) (uint64, error) {
	if len(name) > NameMaxLen-1 {
		return 0, ErrLongName
	}

	parent, err := fs.loadDirectory(parentID)
	if err != nil {
		return 0, err
	}
	slot, ok := parent.FreeSlot()
	if !ok {
		return 0, ErrFullDir
	}

	id, err := fs.alloc()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	switch kind {
	case EntryDirectory:
		buf, err := fs.dir.Claim(id)
		if err != nil {
			return 0, err
		}
		d := &Directory{Parent: parentID, EntryIndex: uint64(slot), EntryCount: 2}
		d.Entries[0] = DirEntry{Used: true, Kind: EntryDirectory, ID: id}
		d.Entries[0].SetName(".")
		d.Entries[1] = DirEntry{Used: true, Kind: EntryDirectory, ID: parentID}
		d.Entries[1].SetName("..")
		d.Marshal(buf)
	case EntryFile:
		buf, err := fs.data.Claim(id)
		if err != nil {
			return 0, err
		}
		f := &File{Parent: parentID, EntryIndex: uint64(slot), Atime: now, Mtime: now}
		f.Marshal(buf)
	}

	// Re-load the parent: creating the new block may have evicted the
	// line that held it if the directory cache is small. The reloaded copy
	// lacks FreeSlot's growth of EntryCount, so it is applied again here.
	parent, err = fs.loadDirectory(parentID)
	if err != nil {
		return 0, err
	}
	if uint64(slot) >= parent.EntryCount {
		parent.EntryCount = uint64(slot) + 1
	}
	parent.Entries[slot].Used = true
	parent.Entries[slot].Kind = kind
	parent.Entries[slot].ID = id
	if !parent.Entries[slot].SetName(name) {
		return 0, ErrLongName
	}
	if err := fs.storeDirectory(parentID, parent); err != nil {
		return 0, err
	}

	return id, nil
}

// DeleteFile frees every data block the file owns, removes its entry from
// its parent, and finally frees the file block itself. Data blocks are
// freed before the file block so a crash mid-delete leaks at most the file
// block, never an unreachable data block with no owner to reclaim it.
func (fs *FS) DeleteFile(id uint64) error {
	f, err := fs.loadFile(id)
	if err != nil {
		return err
	}
	for i := uint64(0); i < f.BlockCount; i++ {
		if err := fs.free(f.Blocks[i]); err != nil {
			return err
		}
	}

	if err := fs.clearParentEntry(f.Parent, f.EntryIndex); err != nil {
		return err
	}
	return fs.free(id)
}

// DeleteDir recursively deletes every descendant except the synthetic "."
// and ".." entries, then removes id's own entry from its parent and frees
// its block.
func (fs *FS) DeleteDir(id uint64) error {
	dir, err := fs.loadDirectory(id)
	if err != nil {
		return err
	}
	parent, entryIndex := dir.Parent, dir.EntryIndex

	for i := uint64(2); i < uint64(len(dir.Entries)); i++ {
		entry := dir.Entries[i]
		if !entry.Used {
			continue
		}
		switch entry.Kind {
		case EntryFile:
			if err := fs.DeleteFile(entry.ID); err != nil {
				return err
			}
		case EntryDirectory:
			if err := fs.DeleteDir(entry.ID); err != nil {
				return err
			}
		}
		// Recursing touches the directory cache heavily; reload id's
		// own entry table before its next entry is read.
		dir, err = fs.loadDirectory(id)
		if err != nil {
			return err
		}
	}

	if err := fs.clearParentEntry(parent, entryIndex); err != nil {
		return err
	}
	return fs.free(id)
}

func (fs *FS) clearParentEntry(parentID, index uint64) error {
	parent, err := fs.loadDirectory(parentID)
	if err != nil {
		return err
	}
	parent.Entries[index].Used = false
	if parent.EntryCount > 0 {
		parent.EntryCount--
	}
	return fs.storeDirectory(parentID, parent)
}

// Size returns a file's declared size in bytes.
func (fs *FS) Size(id uint64) (uint64, error) {
	f, err := fs.loadFile(id)
	if err != nil {
		return 0, err
	}
	return f.Size, nil
}

// Attrs returns a file's timestamps and size, for the façade's getattr.
func (fs *FS) Attrs(id uint64) (atime, mtime time.Time, size uint64, err error) {
	f, err := fs.loadFile(id)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	return f.Atime, f.Mtime, f.Size, nil
}

// SetTimes updates a file's access and modification timestamps.
func (fs *FS) SetTimes(id uint64, atime, mtime time.Time) error {
	f, err := fs.loadFile(id)
	if err != nil {
		return err
	}
	f.Atime, f.Mtime = atime, mtime
	return fs.storeFile(id, f)
}

// ReadDir returns the names and kinds of every used entry in directory id,
// including the synthetic "." and "..". It fails with ErrNotDir when the
// block's entry count exceeds DirMaxEntries, as it does for a file block,
// whose access time sits at that offset.
func (fs *FS) ReadDir(id uint64) ([]DirEntry, error) {
	dir, err := fs.loadDirectory(id)
	if err != nil {
		return nil, err
	}
	if dir.EntryCount > uint64(len(dir.Entries)) {
		return nil, ErrNotDir
	}
	out := make([]DirEntry, 0, dir.EntryCount)
	for i := uint64(0); i < dir.EntryCount; i++ {
		if dir.Entries[i].Used {
			out = append(out, dir.Entries[i])
		}
	}
	return out, nil
}
