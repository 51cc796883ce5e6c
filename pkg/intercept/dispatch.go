package intercept

import "github.com/tsaf/safe/pkg/dispatch"

// Dispatcher adapts a FileSystem into dispatch.Handlers: the shape a
// dispatch.Table installs. A real port's syscall-specific thunks are
// expected to close over the function values returned here and adapt
// argument marshaling to their own kernel's calling convention; this
// package never assumes one.
type Dispatcher struct {
	fs FileSystem
}

func NewDispatcher(fs FileSystem) *Dispatcher {
	return &Dispatcher{fs: fs}
}

// ReadFunc, WriteFunc, … name the function value shapes EntryPoint
// returns, so a real port has something concrete to type-assert against.
type (
	ReadFunc     func(h Handle, buf []byte) (int, Status)
	WriteFunc    func(h Handle, buf []byte) (int, Status)
	ExecuteFunc  func(path string, ctx *Context) Status
	RenameFunc   func(oldPath, newPath string, ctx *Context) Status
	UnlinkFunc   func(path string, ctx *Context) Status
	UnlinkAtFunc func(dirPath, name string, ctx *Context) Status
	ReadDirFunc  func(path string, ctx *Context) ([]DirEntry, Status)
	OpenAtFunc   func(path string, flags uint32, ctx *Context) (Handle, Status)
)

func (d *Dispatcher) EntryPoint(e dispatch.EntryPoint) any {
	switch e {
	case dispatch.Read:
		return ReadFunc(func(h Handle, buf []byte) (int, Status) { return h.Read(buf) })
	case dispatch.Write:
		return WriteFunc(func(h Handle, buf []byte) (int, Status) { return h.Write(buf) })
	case dispatch.Execute:
		return ExecuteFunc(func(path string, ctx *Context) Status {
			const executeBit = 0o1
			return d.fs.Access(path, executeBit, ctx)
		})
	case dispatch.Rename:
		return RenameFunc(d.fs.Rename)
	case dispatch.Unlink:
		return UnlinkFunc(d.fs.Unlink)
	case dispatch.UnlinkAt:
		return UnlinkAtFunc(d.fs.UnlinkAt)
	case dispatch.ReadDir:
		return ReadDirFunc(d.fs.OpenDir)
	case dispatch.OpenAt:
		return OpenAtFunc(d.fs.OpenAt)
	default:
		return nil
	}
}
