package registry

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Resolver is C2's reverse name resolution: given a FID, produce one valid
// path the daemon can open to reopen the file (spec §4.2). The lookup walks
// a filesystem-specific inode-to-name index; spec §4.2 treats the index
// itself as an external collaborator ("out of scope"), so this is the
// simplest real implementation, not a claim that it's the fastest one.
type Resolver interface {
	PathForFID(fid uint64) (string, error)
	FIDForPath(path string) (fid uint64, err error)
}

// ErrNotFound is returned by PathForFID when no file under the resolver's
// configured roots currently has the requested FID.
var ErrNotFound = fmt.Errorf("registry: no path found for fid")

// WalkResolver answers PathForFID by walking a fixed set of root
// directories and comparing inode numbers. It is the reference Resolver:
// correct on any POSIX filesystem, but O(tree size) per lookup, which is
// why NewMountResolver narrows the roots to a single mountpoint instead of
// defaulting to "/".
type WalkResolver struct {
	mu    sync.Mutex
	roots []string
}

// NewWalkResolver scopes resolution to the given root directories.
func NewWalkResolver(roots ...string) *WalkResolver {
	return &WalkResolver{roots: roots}
}

// NewMountResolver scopes resolution to the mountpoint that device dev
// belongs to, found via /proc/self/mountinfo (moby/sys/mountinfo). This
// keeps an enrolled file's reverse lookup from walking the whole machine
// when the safe only ever protects files on one filesystem.
func NewMountResolver(dev uint64) (*WalkResolver, error) {
	major, minor := unix.Major(dev), unix.Minor(dev)
	mounts, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip, stop bool) {
		if uint32(info.Major) == major && uint32(info.Minor) == minor {
			return false, true
		}
		return true, false
	})
	if err != nil {
		return nil, fmt.Errorf("registry: mountinfo: %w", err)
	}
	if len(mounts) == 0 {
		return nil, fmt.Errorf("registry: no mount found for device %d:%d", major, minor)
	}
	return NewWalkResolver(mounts[0].Mountpoint), nil
}

func (r *WalkResolver) FIDForPath(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("registry: stat %s: %w", path, err)
	}
	return st.Ino, nil
}

func (r *WalkResolver) PathForFID(fid uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, root := range r.roots {
		var found string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // best-effort: skip unreadable entries
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			st, ok := info.Sys().(*syscall.Stat_t)
			if !ok {
				return nil
			}
			if st.Ino == fid {
				found = path
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && err != filepath.SkipAll {
			continue
		}
		if found != "" {
			return found, nil
		}
	}
	return "", ErrNotFound
}
