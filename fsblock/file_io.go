package fsblock

import (
	"time"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
)

// blockSpan computes the first and last data-block indices (and the
// byte offset within each) that [offset, offset+size) touches.
func blockSpan(offset, size uint64) (firstBlock, firstOff, lastBlock, lastOff uint64) {
	firstBlock = offset / blk.Size
	firstOff = offset % blk.Size
	end := offset + size - 1
	lastBlock = end / blk.Size
	lastOff = end % blk.Size
	return
}

// ReadFile copies up to len(p) bytes starting at offset into p, clamped to
// the file's declared size, and returns the number of bytes copied.
func (fs *FS) ReadFile(id uint64, p []byte, offset uint64) (int, error) {
	f, err := fs.loadFile(id)
	if err != nil {
		return 0, err
	}
	if offset >= f.Size {
		return 0, nil
	}

	size := uint64(len(p))
	if offset+size > f.Size {
		size = f.Size - offset
	}
	if size == 0 {
		return 0, nil
	}

	firstBlock, firstOff, lastBlock, lastOff := blockSpan(offset, size)

	dst := 0
	for bi := firstBlock; bi <= lastBlock; bi++ {
		data, err := fs.data.Get(f.Blocks[bi])
		if err != nil {
			return dst, err
		}

		start := uint64(0)
		if bi == firstBlock {
			start = firstOff
		}
		stop := uint64(blk.Size)
		if bi == lastBlock {
			stop = lastOff + 1
		}

		n := copy(p[dst:], data[start:stop])
		dst += n
	}

	f.Atime = time.Now()
	if err := fs.storeFile(id, f); err != nil {
		return dst, err
	}
	return dst, nil
}

// WriteFile copies p into the file starting at offset, allocating new data
// blocks as needed when writing past the current end of file, and updates
// the file's size and modification time.
func (fs *FS) WriteFile(id uint64, p []byte, offset uint64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	size := uint64(len(p))
	if offset+size > FileMaxSize {
		return 0, ErrOverflow
	}

	f, err := fs.loadFile(id)
	if err != nil {
		return 0, err
	}

	firstBlock, firstOff, lastBlock, lastOff := blockSpan(offset, size)

	if lastBlock >= f.BlockCount {
		for bi := f.BlockCount; bi <= lastBlock; bi++ {
			dataID, err := fs.alloc()
			if err != nil {
				return 0, err
			}
			f.Blocks[bi] = dataID
			f.BlockCount++
			// Persist the growing block table immediately: alloc()
			// touches the superblock/bitmap cache, not this file's,
			// but storing early keeps a half-grown table from being
			// lost if a later allocation in this loop fails.
			if err := fs.storeFile(id, f); err != nil {
				return 0, err
			}
			f, err = fs.loadFile(id)
			if err != nil {
				return 0, err
			}
		}
	}

	src := 0
	for bi := firstBlock; bi <= lastBlock; bi++ {
		var data []byte
		start := uint64(0)
		if bi == firstBlock {
			start = firstOff
		}
		stop := uint64(blk.Size)
		if bi == lastBlock {
			stop = lastOff + 1
		}

		if start == 0 && stop == blk.Size {
			data, err = fs.data.Claim(f.Blocks[bi])
		} else {
			data, err = fs.data.Get(f.Blocks[bi])
		}
		if err != nil {
			return src, err
		}

		n := copy(data[start:stop], p[src:])
		src += n
		if err := fs.data.Dirty(f.Blocks[bi]); err != nil {
			return src, err
		}
	}

	f, err = fs.loadFile(id)
	if err != nil {
		return src, err
	}
	if newSize := offset + uint64(src); newSize > f.Size {
		f.Size = newSize
	}
	f.Mtime = time.Now()
	if err := fs.storeFile(id, f); err != nil {
		return src, err
	}
	return src, nil
}

// Truncate sets a file's size, allocating new (zeroed) data blocks if it
// grows or freeing trailing ones if it shrinks.
func (fs *FS) Truncate(id uint64, size uint64) error {
	if size > FileMaxSize {
		return ErrOverflow
	}

	f, err := fs.loadFile(id)
	if err != nil {
		return err
	}

	newBlockCount := (size + blk.Size - 1) / blk.Size

	if newBlockCount > f.BlockCount {
		for bi := f.BlockCount; bi < newBlockCount; bi++ {
			dataID, err := fs.alloc()
			if err != nil {
				return err
			}
			if _, err := fs.data.Claim(dataID); err != nil {
				return err
			}
			f.Blocks[bi] = dataID
		}
	} else if newBlockCount < f.BlockCount {
		for bi := newBlockCount; bi < f.BlockCount; bi++ {
			if err := fs.free(f.Blocks[bi]); err != nil {
				return err
			}
		}
	}

	f.BlockCount = newBlockCount
	f.Size = size
	f.Mtime = time.Now()
	return fs.storeFile(id, f)
}
