package registry

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/tsaf/safe/pkg/protocol"
)

// singleFileResolver resolves exactly one (fid -> path) mapping, enough to
// exercise Registry.Enroll/Withdraw without a real directory walk.
type singleFileResolver struct {
	fid  uint64
	path string
}

func (r *singleFileResolver) PathForFID(fid uint64) (string, error) {
	if fid != r.fid {
		return "", ErrNotFound
	}
	return r.path, nil
}

func (r *singleFileResolver) FIDForPath(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}

func newTestRegistry(t *testing.T, resolver Resolver) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "safe.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, resolver, DirectTranscoder{}), dir
}

func fidOf(t *testing.T, path string) uint64 {
	t.Helper()
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		t.Fatal(err)
	}
	return st.Ino
}

func TestEnrollEncryptsAndWithdrawRestores(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	plain := bytes.Repeat([]byte("A"), 100)
	if err := os.WriteFile(path, plain, 0644); err != nil {
		t.Fatal(err)
	}
	fid := fidOf(t, path)

	reg, _ := newTestRegistry(t, &singleFileResolver{fid: fid, path: path})

	status, err := reg.Enroll(fid, 1001, 1001, false, 1001)
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if !status.OK() {
		t.Fatalf("enroll status: %v", status)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(onDisk, plain) {
		t.Fatalf("file bytes unchanged after enrollment")
	}
	if len(onDisk) != len(plain) {
		t.Fatalf("enrollment changed file length: got %d want %d", len(onDisk), len(plain))
	}

	owner, err := reg.Owner(fid)
	if err != nil {
		t.Fatal(err)
	}
	if owner != 1001 {
		t.Fatalf("want owner 1001, got %d", owner)
	}

	status, err = reg.Withdraw(fid, 1001, false)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !status.OK() {
		t.Fatalf("withdraw status: %v", status)
	}

	restored, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, plain) {
		t.Fatalf("withdrawal did not restore original bytes: got %q want %q", restored, plain)
	}

	owner, err = reg.Owner(fid)
	if err != nil {
		t.Fatal(err)
	}
	if owner != 0 {
		t.Fatalf("want owner 0 after withdrawal, got %d", owner)
	}
}

func TestEnrollRejectsWrongRequester(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("hello"), 0644)
	fid := fidOf(t, path)

	reg, _ := newTestRegistry(t, &singleFileResolver{fid: fid, path: path})

	status, err := reg.Enroll(fid, 1002, 1002, false, 1001) // requester != current fs owner
	if err != nil {
		t.Fatal(err)
	}
	if status != protocol.StatusOwnerError {
		t.Fatalf("want owner-error, got %v", status)
	}

	owner, _ := reg.Owner(fid)
	if owner != 0 {
		t.Fatalf("registry mutated despite rejected enroll")
	}
}

func TestEnrollRootAlwaysSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("hello"), 0644)
	fid := fidOf(t, path)

	reg, _ := newTestRegistry(t, &singleFileResolver{fid: fid, path: path})

	status, err := reg.Enroll(fid, 1002, 0, true, 9999)
	if err != nil {
		t.Fatal(err)
	}
	if !status.OK() {
		t.Fatalf("root enroll should always succeed, got %v", status)
	}
}

func TestEnrollDuplicateFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("hello"), 0644)
	fid := fidOf(t, path)

	reg, _ := newTestRegistry(t, &singleFileResolver{fid: fid, path: path})

	if status, err := reg.Enroll(fid, 1001, 1001, false, 1001); err != nil || !status.OK() {
		t.Fatalf("first enroll: status=%v err=%v", status, err)
	}
	status, err := reg.Enroll(fid, 1001, 1001, false, 1001)
	if err != nil {
		t.Fatal(err)
	}
	if status != protocol.StatusExistenceError {
		t.Fatalf("want existence-error on duplicate enroll, got %v", status)
	}
}

func TestWithdrawRejectsNonOwnerNonRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("hello world"), 0644)
	fid := fidOf(t, path)

	reg, _ := newTestRegistry(t, &singleFileResolver{fid: fid, path: path})
	reg.Enroll(fid, 1001, 1001, false, 1001)

	status, err := reg.Withdraw(fid, 1002, false)
	if err != nil {
		t.Fatal(err)
	}
	if status != protocol.StatusOwnerError {
		t.Fatalf("want owner-error, got %v", status)
	}
}

func TestWithdrawAbsentFails(t *testing.T) {
	reg, _ := newTestRegistry(t, &singleFileResolver{})
	status, err := reg.Withdraw(999, 1001, false)
	if err != nil {
		t.Fatal(err)
	}
	if status != protocol.StatusExistenceError {
		t.Fatalf("want existence-error, got %v", status)
	}
}

func TestListFiltersByCallerUnlessRoot(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "one.txt")
	p2 := filepath.Join(dir, "two.txt")
	os.WriteFile(p1, []byte("one"), 0644)
	os.WriteFile(p2, []byte("two"), 0644)
	f1, f2 := fidOf(t, p1), fidOf(t, p2)

	resolver := &multiResolver{paths: map[uint64]string{f1: p1, f2: p2}}
	reg, _ := newTestRegistry(t, resolver)

	reg.Enroll(f1, 1001, 1001, false, 1001)
	reg.Enroll(f2, 1002, 1002, false, 1002)

	mine, err := reg.List(1001, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].Owner != 1001 {
		t.Fatalf("want exactly one record owned by 1001, got %+v", mine)
	}

	all, err := reg.List(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("want 2 records for root, got %d", len(all))
	}
}

type multiResolver struct {
	paths map[uint64]string
}

func (m *multiResolver) PathForFID(fid uint64) (string, error) {
	p, ok := m.paths[fid]
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

func (m *multiResolver) FIDForPath(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}
