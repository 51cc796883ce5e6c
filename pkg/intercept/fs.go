// Package intercept is C4, the interception layer (spec §4.4/§6): the
// component that sits in front of the eight guarded entry points and
// decides, per call, whether the real filesystem operation proceeds
// untouched, proceeds through the cipher, or fails.
//
// It is shaped after the teacher's fuse package: a FileSystem interface
// wrapped by decorators (fuse/pathfs.go, fuse/loggingfs.go,
// fuse/readonlyfs.go), each decorator adding one concern without the
// others needing to know about it. LoopbackFileSystem is the innermost
// decorator, touching real files; SafeFileSystem is the guard; any
// further decorator (logging, read-only mounts, …) can still wrap
// either one.
package intercept

// Context carries the calling identity for a guarded call, the same
// role fuse.Context plays for every FileSystem method.
type Context struct {
	UID uint32
}

// Attr is the subset of file metadata the guard needs: the FID to
// classify against the registry, and the size to compute append-mode
// write positions.
type Attr struct {
	FID   uint64
	Size  int64
	Mode  uint32
	IsDir bool
}

// DirEntry is one name returned by OpenDir, mirroring fuse.DirEntry.
type DirEntry struct {
	Name string
	Mode uint32
	FID  uint64
}

// Handle is an open file, standing in for the live struct file a real
// port's OpenAt/Read/Write entry points operate on. Read and Write use
// an implicit, server-tracked position (like POSIX read(2)/write(2)),
// not pread/pwrite, so Position can capture "p" before each call per
// spec §4.4.
type Handle interface {
	// Position returns the handle's current file offset, the "p" the
	// guard captures before forwarding a read or a write.
	Position() (int64, error)
	Read(buf []byte) (int, Status)
	Write(buf []byte) (int, Status)
	// Appending reports whether the handle was opened O_APPEND, so the
	// guard can derive the write position from the file's end-of-file
	// size instead of Position (spec §4.4 edge case: "a write to a file
	// opened O_APPEND uses the size of the file, not the handle's
	// current offset, as the position the cipher keys on").
	Appending() bool
	Stat() (*Attr, Status)
	Close() Status
}

// FileSystem is the real-file-operation surface the guard wraps. Every
// method takes a *Context the way fuse.FileSystem's do.
type FileSystem interface {
	GetAttr(path string, ctx *Context) (*Attr, Status)
	OpenDir(path string, ctx *Context) ([]DirEntry, Status)
	OpenAt(path string, flags uint32, ctx *Context) (Handle, Status)
	Access(path string, mode uint32, ctx *Context) Status
	Rename(oldPath, newPath string, ctx *Context) Status
	Unlink(path string, ctx *Context) Status
	UnlinkAt(dirPath, name string, ctx *Context) Status
}
