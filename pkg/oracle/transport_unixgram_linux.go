//go:build linux

package oracle

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tsaf/safe/pkg/protocol"
)

// UnixgramTransport is the reference Transport: a unix datagram socket pair
// standing in for the netlink-family socket spec §6 describes. The oracle
// binds ListenPath and learns the daemon's address the first time it
// receives a datagram from it; SO_PASSCRED + SCM_CREDENTIALS supplies the
// peer UID needed to authenticate the readiness handshake (spec §4.3: "the
// datagram's peer credentials name a superuser process").
type UnixgramTransport struct {
	conn *net.UnixConn

	daemonAddr *net.UnixAddr
}

// DialUnixgram binds a unixgram socket at listenPath (removing any stale
// socket file first) and remembers daemonPath as the initial send address.
func DialUnixgram(listenPath, daemonPath string) (*UnixgramTransport, error) {
	_ = os.Remove(listenPath)

	addr := &net.UnixAddr{Name: listenPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("oracle: listen %s: %w", listenPath, err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var setErr error
	if err := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		conn.Close()
		return nil, err
	}
	if setErr != nil {
		conn.Close()
		return nil, fmt.Errorf("oracle: SO_PASSCRED: %w", setErr)
	}

	return &UnixgramTransport{
		conn:       conn,
		daemonAddr: &net.UnixAddr{Name: daemonPath, Net: "unixgram"},
	}, nil
}

func (t *UnixgramTransport) Query(d protocol.Datagram) error {
	buf, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	_, _, err = t.conn.WriteMsgUnix(buf, nil, t.daemonAddr)
	return err
}

func (t *UnixgramTransport) Next() (protocol.Datagram, bool, error) {
	buf := make([]byte, protocol.DatagramSize)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	n, oobn, _, from, err := t.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return protocol.Datagram{}, false, err
	}

	if u, ok := from.(*net.UnixAddr); ok && u.Name != "" {
		t.daemonAddr = u
	}

	d, err := protocol.UnmarshalDatagram(buf[:n])
	if err != nil {
		return protocol.Datagram{}, false, err
	}

	fromSuperuser := false
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, c := range cmsgs {
				cred, err := unix.ParseUnixCredentials(&c)
				if err == nil && cred.Uid == 0 {
					fromSuperuser = true
				}
			}
		}
	}

	return d, fromSuperuser, nil
}

func (t *UnixgramTransport) Close() error {
	return t.conn.Close()
}
