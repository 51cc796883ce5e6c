package registry

import (
	"fmt"
	"log"
	"os"

	"github.com/tsaf/safe/pkg/protocol"
)

// Registry ties the persisted Store to the Resolver and Transcoder needed
// to actually carry out enrollment and withdrawal (spec §4.2). It is the
// unit cmd/safed wires up and the unit pkg/oracle's server side answers
// LOOKUP queries from.
type Registry struct {
	Store      *Store
	Resolver   Resolver
	Transcoder Transcoder
}

// New wires the three collaborators together.
func New(store *Store, resolver Resolver, transcoder Transcoder) *Registry {
	return &Registry{Store: store, Resolver: resolver, Transcoder: transcoder}
}

// Owner implements LOOKUP for the oracle server side: the raw owner UID,
// 0 if fid is unprotected or absent.
func (r *Registry) Owner(fid uint64) (uint32, error) {
	return r.Store.Lookup(fid)
}

// IsProtectedFor reports whether fid is protected against uid — i.e.
// whether uid is neither the owner nor root. Mirrors the non-root branch
// of spec §6's LOOKUP wire response ("a status byte... or, for superuser
// LOOKUP, as a UID").
func (r *Registry) IsProtectedFor(fid uint64, uid uint32) (bool, error) {
	owner, err := r.Store.Lookup(fid)
	if err != nil {
		return false, err
	}
	return owner != 0 && owner != uid && uid != 0, nil
}

// List implements LIST: all rows for root, only the caller's own rows
// otherwise, each annotated with a path via the Resolver.
func (r *Registry) List(caller uint32, superuser bool) ([]protocol.ListRecord, error) {
	entries, err := r.Store.List(caller, superuser)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ListRecord, 0, len(entries))
	for _, e := range entries {
		path, err := r.Resolver.PathForFID(e.FID)
		if err != nil {
			// A FID that no longer resolves to a path (file removed out from
			// under the registry) is omitted rather than failing the whole
			// listing.
			log.Printf("registry: list: fid %d: %v", e.FID, err)
			continue
		}
		out = append(out, protocol.ListRecord{Owner: e.Owner, Path: path})
	}
	return out, nil
}

// Enroll performs spec §4.2's enrollment transaction for a regular file:
// insert the registry row, then re-encrypt the file's bytes in place.
// Non-regular files (spec: "skip the buffer dance") only mutate the
// registry. currentFSOwner is the file's real on-disk owning UID, which
// the caller (the daemon, which can stat the path) must supply so the
// INSERT authorization rule ("succeeds when caller's UID equals the
// current filesystem owner of FID") can be enforced without the registry
// itself touching the filesystem's permission bits.
func (r *Registry) Enroll(fid uint64, owner uint32, requester uint32, superuser bool, currentFSOwner uint32) (protocol.Status, error) {
	if !superuser && requester != currentFSOwner {
		return protocol.StatusOwnerError, nil
	}

	status, err := r.Store.Insert(fid, owner)
	if err != nil || !status.OK() {
		return status, err
	}

	path, err := r.Resolver.PathForFID(fid)
	if err != nil {
		r.rollbackInsert(fid)
		return protocol.StatusOpError, fmt.Errorf("registry: enroll: resolve path: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		r.rollbackInsert(fid)
		return protocol.StatusOpError, fmt.Errorf("registry: enroll: stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		// Registry mutation alone is the whole transaction for non-regular
		// files; there are no bytes to transcode.
		return protocol.StatusOK, nil
	}

	if err := r.Transcoder.Transcode(path, owner, fid); err != nil {
		r.rollbackInsert(fid)
		return protocol.StatusOpError, fmt.Errorf("registry: enroll: transcode: %w", err)
	}
	return protocol.StatusOK, nil
}

func (r *Registry) rollbackInsert(fid uint64) {
	if _, err := r.Store.Delete(fid, 0, true); err != nil {
		log.Printf("registry: enroll: rollback delete for fid %d failed: %v", fid, err)
	}
}

// Withdraw performs spec §4.2's withdrawal transaction, the mirror image
// of Enroll: decrypt the file's bytes while the row is still present (so
// the owner's key is still the recorded one), then remove the row.
func (r *Registry) Withdraw(fid uint64, requester uint32, superuser bool) (protocol.Status, error) {
	owner, err := r.Store.Lookup(fid)
	if err != nil {
		return protocol.StatusOpError, err
	}
	if owner == 0 {
		return protocol.StatusExistenceError, nil
	}
	if !superuser && requester != owner {
		return protocol.StatusOwnerError, nil
	}

	path, err := r.Resolver.PathForFID(fid)
	if err != nil {
		return protocol.StatusOpError, fmt.Errorf("registry: withdraw: resolve path: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return protocol.StatusOpError, fmt.Errorf("registry: withdraw: stat: %w", err)
	}

	if info.Mode().IsRegular() {
		if err := r.Transcoder.Transcode(path, owner, fid); err != nil {
			return protocol.StatusOpError, fmt.Errorf("registry: withdraw: transcode: %w", err)
		}
	}

	return r.Store.Delete(fid, requester, superuser)
}
