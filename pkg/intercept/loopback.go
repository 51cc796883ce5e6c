package intercept

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tsaf/safe/internal/openat"
)

// LoopbackFileSystem forwards every call straight to the real
// filesystem rooted at Root, same purpose as fuse.LoopbackFileSystem:
// a FileSystem implementation with no policy of its own, so SafeFileSystem
// is the only place guard logic lives.
type LoopbackFileSystem struct {
	Root string
}

func NewLoopbackFileSystem(root string) *LoopbackFileSystem {
	return &LoopbackFileSystem{Root: root}
}

func (l *LoopbackFileSystem) path(rel string) string {
	return filepath.Join(l.Root, rel)
}

func (l *LoopbackFileSystem) GetAttr(path string, ctx *Context) (*Attr, Status) {
	var st syscall.Stat_t
	if err := syscall.Lstat(l.path(path), &st); err != nil {
		return nil, ToStatus(err)
	}
	return attrFromStat(&st), OK
}

func (l *LoopbackFileSystem) OpenDir(path string, ctx *Context) ([]DirEntry, Status) {
	f, err := os.Open(l.path(path))
	if err != nil {
		return nil, ToStatus(err)
	}
	defer f.Close()

	var out []DirEntry
	for {
		infos, err := f.Readdir(500)
		for _, info := range infos {
			d := DirEntry{Name: info.Name()}
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				d.Mode = st.Mode
				d.FID = st.Ino
			}
			out = append(out, d)
		}
		if len(infos) < 500 || err == io.EOF {
			break
		}
		if err != nil {
			return out, ToStatus(err)
		}
	}
	return out, OK
}

// OpenAt never follows a symlink in the final path component (spec
// §4.4's OpenAt entry point guards the real file, not whatever a
// symlink swapped in underneath it between classification and open).
func (l *LoopbackFileSystem) OpenAt(path string, flags uint32, ctx *Context) (Handle, Status) {
	fd, err := openat.OpenatNofollow(unix.AT_FDCWD, l.path(path), int(flags), 0644)
	if err != nil {
		return nil, ToStatus(err)
	}
	f := os.NewFile(uintptr(fd), l.path(path))
	return &loopbackHandle{file: f, flags: flags}, OK
}

func (l *LoopbackFileSystem) Access(path string, mode uint32, ctx *Context) Status {
	return ToStatus(syscall.Access(l.path(path), mode))
}

func (l *LoopbackFileSystem) Rename(oldPath, newPath string, ctx *Context) Status {
	return ToStatus(os.Rename(l.path(oldPath), l.path(newPath)))
}

func (l *LoopbackFileSystem) Unlink(path string, ctx *Context) Status {
	return ToStatus(syscall.Unlink(l.path(path)))
}

func (l *LoopbackFileSystem) UnlinkAt(dirPath, name string, ctx *Context) Status {
	dirFd, err := syscall.Open(l.path(dirPath), syscall.O_RDONLY|syscall.O_DIRECTORY, 0)
	if err != nil {
		return ToStatus(err)
	}
	defer syscall.Close(dirFd)
	return ToStatus(unix.Unlinkat(dirFd, name, 0))
}

func attrFromStat(st *syscall.Stat_t) *Attr {
	return &Attr{
		FID:   st.Ino,
		Size:  st.Size,
		Mode:  st.Mode,
		IsDir: st.Mode&syscall.S_IFMT == syscall.S_IFDIR,
	}
}

type loopbackHandle struct {
	file  *os.File
	flags uint32
}

func (h *loopbackHandle) Position() (int64, error) {
	return h.file.Seek(0, io.SeekCurrent)
}

func (h *loopbackHandle) Read(buf []byte) (int, Status) {
	n, err := h.file.Read(buf)
	if err != nil && err != io.EOF {
		return n, ToStatus(err)
	}
	return n, OK
}

func (h *loopbackHandle) Write(buf []byte) (int, Status) {
	n, err := h.file.Write(buf)
	return n, ToStatus(err)
}

func (h *loopbackHandle) Appending() bool {
	return h.flags&syscall.O_APPEND != 0
}

func (h *loopbackHandle) Stat() (*Attr, Status) {
	var st syscall.Stat_t
	if err := syscall.Fstat(int(h.file.Fd()), &st); err != nil {
		return nil, ToStatus(err)
	}
	return attrFromStat(&st), OK
}

func (h *loopbackHandle) Close() Status {
	return ToStatus(h.file.Close())
}
