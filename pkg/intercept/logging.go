package intercept

import "log"

// LoggingFileSystem wraps a FileSystem and logs each call along with
// the verdict a SafeFileSystem further down the chain will already
// have applied — grounded on fuse/loggingfs.go's embed-and-print
// decorator, generalized to log Status rather than just the call name.
type LoggingFileSystem struct {
	FileSystem
}

func NewLoggingFileSystem(fs FileSystem) *LoggingFileSystem {
	return &LoggingFileSystem{FileSystem: fs}
}

func (l *LoggingFileSystem) print(op, path string, uid uint32, status Status) {
	log.Printf("intercept: %s %q uid=%d status=%v", op, path, uid, status)
}

func (l *LoggingFileSystem) GetAttr(path string, ctx *Context) (*Attr, Status) {
	a, s := l.FileSystem.GetAttr(path, ctx)
	l.print("getattr", path, ctx.UID, s)
	return a, s
}

func (l *LoggingFileSystem) OpenDir(path string, ctx *Context) ([]DirEntry, Status) {
	entries, s := l.FileSystem.OpenDir(path, ctx)
	l.print("opendir", path, ctx.UID, s)
	return entries, s
}

func (l *LoggingFileSystem) OpenAt(path string, flags uint32, ctx *Context) (Handle, Status) {
	h, s := l.FileSystem.OpenAt(path, flags, ctx)
	l.print("openat", path, ctx.UID, s)
	return h, s
}

func (l *LoggingFileSystem) Access(path string, mode uint32, ctx *Context) Status {
	s := l.FileSystem.Access(path, mode, ctx)
	l.print("execute", path, ctx.UID, s)
	return s
}

func (l *LoggingFileSystem) Rename(oldPath, newPath string, ctx *Context) Status {
	s := l.FileSystem.Rename(oldPath, newPath, ctx)
	l.print("rename", oldPath+" -> "+newPath, ctx.UID, s)
	return s
}

func (l *LoggingFileSystem) Unlink(path string, ctx *Context) Status {
	s := l.FileSystem.Unlink(path, ctx)
	l.print("unlink", path, ctx.UID, s)
	return s
}

func (l *LoggingFileSystem) UnlinkAt(dirPath, name string, ctx *Context) Status {
	s := l.FileSystem.UnlinkAt(dirPath, name, ctx)
	l.print("unlinkat", dirPath+"/"+name, ctx.UID, s)
	return s
}
