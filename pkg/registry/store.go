// Package registry implements C2: the persistent FID->owner mapping and
// the reverse name resolution the daemon needs to reopen a file it only
// knows by identity. The mapping itself is a single bbolt bucket, matching
// spec §6's "single table safe(FID integer primary key, owner integer)
// stored at a fixed path, mode 0600, owned by root" — the registry engine
// is explicitly out of scope for spec.md, bbolt is this repo's choice.
package registry

import (
	"encoding/binary"
	"fmt"
	"os"

	"go.etcd.io/bbolt"

	"github.com/tsaf/safe/pkg/protocol"
)

var bucketName = []byte("safe")

// Store is the persisted (FID -> owner) mapping. FID is the bbolt key,
// 8-byte big-endian; owner is the 4-byte big-endian value. Owner 0 never
// appears as a stored value: see Delete, which removes the key instead of
// writing a zero.
type Store struct {
	db *bbolt.DB
}

// Open creates (if absent) and opens the registry file at path, mode 0600
// per spec §6, and ensures the bucket exists. Any failure here is a fatal
// init error per spec §7 (the daemon should abort startup on it).
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create bucket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: chmod: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func fidKey(fid uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, fid)
	return k
}

func decodeOwner(v []byte) uint32 {
	if len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

func encodeOwner(owner uint32) []byte {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, owner)
	return v
}

// Lookup returns the owner of fid, or 0 if fid is absent — "a file whose
// FID is absent from the registry is treated identically to a file with
// owner=0" (spec §3 invariant).
func (s *Store) Lookup(fid uint64) (owner uint32, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(fidKey(fid))
		owner = decodeOwner(v)
		return nil
	})
	return owner, err
}

// Entry is one (FID, owner) row, used by List.
type Entry struct {
	FID   uint64
	Owner uint32
}

// List returns every row if all is true (root's view), otherwise only rows
// owned by filterOwner (spec §4.2 LIST).
func (s *Store) List(filterOwner uint32, all bool) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			owner := decodeOwner(v)
			if !all && owner != filterOwner {
				return nil
			}
			out = append(out, Entry{FID: binary.BigEndian.Uint64(k), Owner: owner})
			return nil
		})
	})
	return out, err
}

// Insert adds (fid, owner) unconditionally from the registry's point of
// view — the INSERT op's owner-authorization rule (caller must be root or
// the file's current filesystem owner) is resolved by the caller against
// the filesystem before Insert is called; Insert itself only enforces the
// registry-level invariant "no FID appears twice" (spec §3).
func (s *Store) Insert(fid uint64, owner uint32) (protocol.Status, error) {
	var status protocol.Status
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get(fidKey(fid)) != nil {
			status = protocol.StatusExistenceError
			return nil
		}
		return b.Put(fidKey(fid), encodeOwner(owner))
	})
	if err != nil {
		return protocol.StatusOpError, err
	}
	return status, nil
}

// Delete removes fid's row if requester is authorized: superuser, or the
// recorded owner (spec §4.2 DELETE). Fails with StatusExistenceError if fid
// is absent, StatusOwnerError if requester is neither root nor the owner.
func (s *Store) Delete(fid uint64, requester uint32, superuser bool) (protocol.Status, error) {
	var status protocol.Status
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get(fidKey(fid))
		if v == nil {
			status = protocol.StatusExistenceError
			return nil
		}
		owner := decodeOwner(v)
		if !superuser && requester != owner {
			status = protocol.StatusOwnerError
			return nil
		}
		return b.Delete(fidKey(fid))
	})
	if err != nil {
		return protocol.StatusOpError, err
	}
	return status, nil
}
