package intercept

import (
	"path"

	"github.com/tsaf/safe/pkg/cipher"
)

// FilterMode selects how OpenDir hides entries the caller may not see
// (spec §4.4 Open Question, resolved in SPEC_FULL.md's supplemented
// features section): ZeroInPlace keeps the directory's entry count and
// ordering stable by blanking denied entries in place; Compact removes
// them, shrinking the listing.
type FilterMode int

const (
	ZeroInPlace FilterMode = iota
	Compact
)

// OwnerLookup is the registry-facing half C4 needs: for a given FID,
// who currently owns it (0 meaning unprotected). *oracle.Oracle
// satisfies this; tests use a plain map instead.
type OwnerLookup interface {
	OwnerOf(fid uint64) uint32
}

// SafeFileSystem is C4: it wraps a FileSystem with the PASS/OWNER/DENY
// policy of spec §4.4, consulting an OwnerLookup for each call's FID
// and running protected payloads through pkg/cipher. It never persists
// anything itself, the same as a fuse decorator wrapping another
// fuse.FileSystem (fuse/readonlyfs.go, fuse/loggingfs.go) — all state
// lives in the wrapped backend and in the oracle.
type SafeFileSystem struct {
	backend FileSystem
	oracle  OwnerLookup
	filter  FilterMode
}

func NewSafeFileSystem(backend FileSystem, o OwnerLookup, filter FilterMode) *SafeFileSystem {
	return &SafeFileSystem{backend: backend, oracle: o, filter: filter}
}

// classifyPath resolves path's attributes and the registry's current
// owner, then returns the full verdict. Every guarded entry point
// funnels through this so the same rules apply everywhere.
func (s *SafeFileSystem) classifyPath(path string, ctx *Context) (Class, *Attr, Status) {
	attr, status := s.backend.GetAttr(path, ctx)
	if !status.OK() {
		return Deny, nil, status
	}
	owner := s.oracle.OwnerOf(attr.FID)
	return classify(attr.FID, attr.Mode, ctx, owner), attr, OK
}

func (s *SafeFileSystem) GetAttr(path string, ctx *Context) (*Attr, Status) {
	return s.backend.GetAttr(path, ctx)
}

// OpenDir lists path's entries, hiding or blanking any the caller may
// not see, per spec §4.4's directory-enumeration entry point.
func (s *SafeFileSystem) OpenDir(path string, ctx *Context) ([]DirEntry, Status) {
	entries, status := s.backend.OpenDir(path, ctx)
	if !status.OK() {
		return nil, status
	}

	out := entries[:0]
	for _, e := range entries {
		owner := s.oracle.OwnerOf(e.FID)
		if classify(e.FID, e.Mode, ctx, owner) != Deny {
			out = append(out, e)
			continue
		}
		switch s.filter {
		case ZeroInPlace:
			out = append(out, DirEntry{})
		case Compact:
			// dropped
		}
	}
	return out, OK
}

// Access is the execute-by-path entry point: DENY fails closed with
// EACCES regardless of the real mode bits on disk.
func (s *SafeFileSystem) Access(path string, mode uint32, ctx *Context) Status {
	class, _, status := s.classifyPath(path, ctx)
	if !status.OK() {
		return status
	}
	if class == Deny {
		return EACCES
	}
	return s.backend.Access(path, mode, ctx)
}

// OpenAt opens path, denying up front for files the caller does not
// own, and wrapping the resulting handle so Read/Write can reclassify
// and transcode on every call.
func (s *SafeFileSystem) OpenAt(path string, flags uint32, ctx *Context) (Handle, Status) {
	class, attr, status := s.classifyPath(path, ctx)
	if !status.OK() {
		return nil, status
	}
	if class == Deny {
		return nil, EACCES
	}

	inner, status := s.backend.OpenAt(path, flags, ctx)
	if !status.OK() {
		return nil, status
	}
	return &safeHandle{inner: inner, fs: s, ctx: ctx, fid: attr.FID}, OK
}

// Rename allows only if the source is accessible to the caller and the
// destination, if it exists, is not protected at all (whoever owns it),
// so a rename can never silently clobber a protected file.
func (s *SafeFileSystem) Rename(oldPath, newPath string, ctx *Context) Status {
	class, _, status := s.classifyPath(oldPath, ctx)
	if !status.OK() {
		return status
	}
	if class == Deny {
		return EACCES
	}

	if destAttr, destStatus := s.backend.GetAttr(newPath, ctx); destStatus.OK() {
		if s.oracle.OwnerOf(destAttr.FID) != 0 {
			return EACCES
		}
	}

	return s.backend.Rename(oldPath, newPath, ctx)
}

// Unlink allows only if the target is not protected, independent of the
// caller's identity: a protected file's own owner cannot remove it
// through the generic unlink path either, removal goes through C2's
// DELETE instead (spec §4.4).
func (s *SafeFileSystem) Unlink(path string, ctx *Context) Status {
	attr, status := s.backend.GetAttr(path, ctx)
	if !status.OK() {
		return status
	}
	if s.oracle.OwnerOf(attr.FID) != 0 {
		return EACCES
	}
	return s.backend.Unlink(path, ctx)
}

func (s *SafeFileSystem) UnlinkAt(dirPath, name string, ctx *Context) Status {
	attr, status := s.backend.GetAttr(path.Join(dirPath, name), ctx)
	if !status.OK() {
		return status
	}
	if s.oracle.OwnerOf(attr.FID) != 0 {
		return EACCES
	}
	return s.backend.UnlinkAt(dirPath, name, ctx)
}

// safeHandle wraps a backend Handle, reclassifying fid on every Read
// and Write the way spec §4.4 requires ("for each intercepted call,
// compute classification") rather than latching the verdict from
// OpenAt.
type safeHandle struct {
	inner Handle
	fs    *SafeFileSystem
	ctx   *Context
	fid   uint64
}

func (h *safeHandle) Position() (int64, error) { return h.inner.Position() }
func (h *safeHandle) Appending() bool          { return h.inner.Appending() }
func (h *safeHandle) Close() Status            { return h.inner.Close() }
func (h *safeHandle) Stat() (*Attr, Status)     { return h.inner.Stat() }

func (h *safeHandle) classify() (Class, *Attr, Status) {
	attr, status := h.inner.Stat()
	if !status.OK() {
		return Deny, nil, status
	}
	owner := h.fs.oracle.OwnerOf(h.fid)
	return classify(h.fid, attr.Mode, h.ctx, owner), attr, OK
}

func (h *safeHandle) Read(buf []byte) (int, Status) {
	pos, err := h.Position()
	if err != nil {
		return 0, ToStatus(err)
	}

	class, _, status := h.classify()
	if !status.OK() {
		return 0, status
	}
	if class == Deny {
		return 0, EACCES
	}

	n, status := h.inner.Read(buf)
	if !status.OK() || n == 0 {
		return n, status
	}
	if class == Owner {
		if _, err := cipher.Transform(buf[:n], cipher.UID(h.ctx.UID), cipher.FID(h.fid), pos); err != nil {
			return n, EIO
		}
	}
	return n, OK
}

func (h *safeHandle) Write(buf []byte) (int, Status) {
	class, attr, status := h.classify()
	if !status.OK() {
		return 0, status
	}
	if class == Deny {
		return 0, EACCES
	}

	pos, err := h.Position()
	if err != nil {
		return 0, ToStatus(err)
	}
	if h.Appending() {
		pos = attr.Size
	}

	out := buf
	if class == Owner {
		ciphertext := make([]byte, len(buf))
		copy(ciphertext, buf)
		if _, err := cipher.Transform(ciphertext, cipher.UID(h.ctx.UID), cipher.FID(h.fid), pos); err != nil {
			return 0, EIO
		}
		out = ciphertext
	}
	return h.inner.Write(out)
}
