// Package fsblock implements the filesystem stored inside the block array:
// a superblock, an allocation bitmap, directory blocks with fixed-capacity
// entry tables, and file blocks holding an inline data-block table. Every
// structure below is marshaled into exactly one blk.Size-byte buffer, the
// unit the cache hands out and the transport moves over the wire.
package fsblock

import (
	"encoding/binary"
	"time"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
)

const (
	// NameMaxLen is the fixed width of a directory entry's name field,
	// including its NUL terminator.
	NameMaxLen = 16

	superblockHeaderLen = 4 * 8 // TotalCount, FreeCount, MapCount, Root

	dirHeaderLen  = 3 * 8 // Parent, EntryIndex, EntryCount
	dirEntryLen   = 1 + 1 + NameMaxLen + 8
	DirMaxEntries = (blk.Size - dirHeaderLen) / dirEntryLen

	fileHeaderLen  = 2*8 + 2*8 + 8 + 8 // Parent, EntryIndex, Atime, Mtime, Size, BlockCount
	FileMaxBlocks  = (blk.Size - fileHeaderLen) / 8
	FileMaxSize    = uint64(FileMaxBlocks) * blk.Size
	bitsPerBitmap  = blk.Size * 8
)

// BlockID0 is the superblock's fixed location.
const BlockID0 uint64 = 0

// EntryKind distinguishes a directory entry's target.
type EntryKind byte

const (
	EntryUnused EntryKind = iota
	EntryFile
	EntryDirectory
)

// Superblock is block 0: the root of all filesystem metadata.
type Superblock struct {
	TotalCount uint64
	FreeCount  uint64
	MapCount   uint64
	Root       uint64
}

func (sb *Superblock) Marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], sb.TotalCount)
	binary.LittleEndian.PutUint64(buf[8:16], sb.FreeCount)
	binary.LittleEndian.PutUint64(buf[16:24], sb.MapCount)
	binary.LittleEndian.PutUint64(buf[24:32], sb.Root)
}

func UnmarshalSuperblock(buf []byte) *Superblock {
	return &Superblock{
		TotalCount: binary.LittleEndian.Uint64(buf[0:8]),
		FreeCount:  binary.LittleEndian.Uint64(buf[8:16]),
		MapCount:   binary.LittleEndian.Uint64(buf[16:24]),
		Root:       binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// DirEntry is one slot in a directory's fixed-capacity entry table.
type DirEntry struct {
	Used bool
	Kind EntryKind
	Name [NameMaxLen]byte
	ID   uint64
}

// SetName copies s into the entry's fixed-width name field, NUL-terminated.
// It reports false if s (plus terminator) does not fit.
func (e *DirEntry) SetName(s string) bool {
	if len(s) > NameMaxLen-1 {
		return false
	}
	var name [NameMaxLen]byte
	copy(name[:], s)
	e.Name = name
	return true
}

// NameString returns the entry's name up to its NUL terminator.
func (e *DirEntry) NameString() string {
	n := 0
	for n < len(e.Name) && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

func (e *DirEntry) marshal(buf []byte) {
	if e.Used {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	buf[1] = byte(e.Kind)
	copy(buf[2:2+NameMaxLen], e.Name[:])
	binary.LittleEndian.PutUint64(buf[2+NameMaxLen:2+NameMaxLen+8], e.ID)
}

func unmarshalDirEntry(buf []byte) DirEntry {
	var e DirEntry
	e.Used = buf[0] != 0
	e.Kind = EntryKind(buf[1])
	copy(e.Name[:], buf[2:2+NameMaxLen])
	e.ID = binary.LittleEndian.Uint64(buf[2+NameMaxLen : 2+NameMaxLen+8])
	return e
}

// Directory is a directory block: its own backlink plus a fixed-capacity
// entry table. Index 0 and 1 of Entries are always the synthetic "." and
// ".." entries once the directory has been created.
type Directory struct {
	Parent     uint64
	EntryIndex uint64
	EntryCount uint64
	Entries    [DirMaxEntries]DirEntry
}

func (d *Directory) Marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], d.Parent)
	binary.LittleEndian.PutUint64(buf[8:16], d.EntryIndex)
	binary.LittleEndian.PutUint64(buf[16:24], d.EntryCount)
	for i := range d.Entries {
		off := dirHeaderLen + i*dirEntryLen
		d.Entries[i].marshal(buf[off : off+dirEntryLen])
	}
}

func UnmarshalDirectory(buf []byte) *Directory {
	d := &Directory{
		Parent:     binary.LittleEndian.Uint64(buf[0:8]),
		EntryIndex: binary.LittleEndian.Uint64(buf[8:16]),
		EntryCount: binary.LittleEndian.Uint64(buf[16:24]),
	}
	for i := range d.Entries {
		off := dirHeaderLen + i*dirEntryLen
		d.Entries[i] = unmarshalDirEntry(buf[off : off+dirEntryLen])
	}
	return d
}

// Find returns the index of the used entry named name, and whether it was
// found. Equality is length-then-bytewise, exactly on the fixed-width name
// field's meaningful prefix.
func (d *Directory) Find(name string) (int, bool) {
	for i := uint64(0); i < d.EntryCount; i++ {
		e := &d.Entries[i]
		if e.Used && e.NameString() == name {
			return int(i), true
		}
	}
	return 0, false
}

// FreeSlot returns the index of the first unused entry at or before
// EntryCount, growing EntryCount by one if the returned slot is the
// virgin one past the current high-water mark. Holes left by deletion are
// reused before growing.
func (d *Directory) FreeSlot() (int, bool) {
	for i := uint64(0); i <= d.EntryCount; i++ {
		if i == uint64(len(d.Entries)) {
			return 0, false
		}
		if !d.Entries[i].Used {
			if i == d.EntryCount {
				d.EntryCount++
			}
			return int(i), true
		}
	}
	return 0, false
}

// File is a file block: its backlink, timestamps, size, and an inline
// table of the data blocks that make up its content.
type File struct {
	Parent     uint64
	EntryIndex uint64
	Atime      time.Time
	Mtime      time.Time
	Size       uint64
	BlockCount uint64
	Blocks     [FileMaxBlocks]uint64
}

func (f *File) Marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], f.Parent)
	binary.LittleEndian.PutUint64(buf[8:16], f.EntryIndex)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f.Atime.UnixNano()))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(f.Mtime.UnixNano()))
	binary.LittleEndian.PutUint64(buf[32:40], f.Size)
	binary.LittleEndian.PutUint64(buf[40:48], f.BlockCount)
	for i, id := range f.Blocks {
		off := fileHeaderLen + i*8
		binary.LittleEndian.PutUint64(buf[off:off+8], id)
	}
}

func UnmarshalFile(buf []byte) *File {
	f := &File{
		Parent:     binary.LittleEndian.Uint64(buf[0:8]),
		EntryIndex: binary.LittleEndian.Uint64(buf[8:16]),
		Atime:      time.Unix(0, int64(binary.LittleEndian.Uint64(buf[16:24]))),
		Mtime:      time.Unix(0, int64(binary.LittleEndian.Uint64(buf[24:32]))),
		Size:       binary.LittleEndian.Uint64(buf[32:40]),
		BlockCount: binary.LittleEndian.Uint64(buf[40:48]),
	}
	for i := range f.Blocks {
		off := fileHeaderLen + i*8
		f.Blocks[i] = binary.LittleEndian.Uint64(buf[off : off+8])
	}
	return f
}
