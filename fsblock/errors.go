package fsblock

import "errors"

// These are the resource and path-resolution errors named in the error
// taxonomy; the façade layer maps each to a kernel errno.
var (
	ErrNotFound  = errors.New("fsblock: not found")
	ErrNotDir    = errors.New("fsblock: not a directory")
	ErrIsDir     = errors.New("fsblock: is a directory")
	ErrFullDir   = errors.New("fsblock: directory full")
	ErrOOM       = errors.New("fsblock: out of blocks")
	ErrLongName  = errors.New("fsblock: name too long")
	ErrOverflow = errors.New("fsblock: read past end of file")
)
