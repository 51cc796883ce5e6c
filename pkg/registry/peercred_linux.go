//go:build linux

package registry

import (
	"fmt"
	"net"
	"syscall"
)

// peerUID reads the connected unix socket's peer credentials (SO_PEERCRED)
// to recover the caller's UID, the way spec §6 requires.
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *syscall.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, fmt.Errorf("registry: SO_PEERCRED: %w", sockErr)
	}
	return cred.Uid, nil
}

// fsOwner returns the UID that currently owns path on disk.
func fsOwner(path string) (uint32, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Uid, nil
}
