package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/tsaf/safe/pkg/protocol"
)

// Server answers the client<->daemon registry protocol (spec §6) over a
// unix stream socket: one request/response per connection, except LIST,
// which streams every record and then closes the connection. Each connection's caller
// UID comes from the socket's peer credentials, never from the request
// payload (spec §6: "The daemon determines the caller's UID by reading the
// peer credentials of the connected socket, not from the request payload").
type Server struct {
	registry *Registry
	listener net.Listener
}

// NewServer binds a unix stream socket at path (removing any stale socket
// file first) and makes it world-accessible per spec §6.
func NewServer(registry *Registry, path string) (*Server, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("registry: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		l.Close()
		return nil, fmt.Errorf("registry: chmod %s: %w", path, err)
	}
	return &Server{registry: registry, listener: l}, nil
}

// Serve accepts connections until ctx is canceled or the listener fails.
// Each connection is handled in its own goroutine under an errgroup so a
// misbehaving handler's panic-free error surfaces without taking down
// sibling connections; only listener-level failures stop the whole Serve
// call (golang.org/x/sync/errgroup, same dependency the teacher vendors).
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return s.listener.Close()
	})

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("registry: accept: %w", err)
		}
		g.Go(func() error {
			s.handleConn(conn)
			return nil
		})
		if gctx.Err() != nil {
			break
		}
	}
	return g.Wait()
}

func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		log.Printf("registry: non-unix connection rejected")
		return
	}

	callerUID, err := peerUID(uc)
	if err != nil {
		log.Printf("registry: peer credentials: %v", err)
		return
	}
	superuser := callerUID == 0

	reqBuf := make([]byte, protocol.RequestSize)
	if _, err := readFull(conn, reqBuf); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			log.Printf("registry: read request: %v", err)
		}
		return
	}
	req, err := protocol.UnmarshalRequest(reqBuf)
	if err != nil {
		log.Printf("registry: bad request: %v", err)
		return
	}

	switch req.Op {
	case protocol.OpList:
		s.handleList(conn, callerUID, superuser)
	case protocol.OpLookup:
		s.handleLookup(conn, req.FID, callerUID, superuser)
	case protocol.OpInsert:
		s.handleInsert(conn, req.FID, callerUID, superuser)
	case protocol.OpDelete:
		s.handleDelete(conn, req.FID, callerUID, superuser)
	default:
		conn.Write(protocol.EncodeStatus(protocol.StatusOpError))
	}
}

func (s *Server) handleList(conn net.Conn, callerUID uint32, superuser bool) {
	records, err := s.registry.List(callerUID, superuser)
	if err != nil {
		log.Printf("registry: list: %v", err)
		return
	}
	for _, r := range records {
		buf, err := r.MarshalBinary()
		if err != nil {
			log.Printf("registry: list: encode record: %v", err)
			continue
		}
		if _, err := conn.Write(buf); err != nil {
			return
		}
	}
}

func (s *Server) handleLookup(conn net.Conn, fid uint64, callerUID uint32, superuser bool) {
	if superuser {
		owner, err := s.registry.Owner(fid)
		if err != nil {
			conn.Write(protocol.EncodeStatus(protocol.StatusOpError))
			return
		}
		conn.Write(protocol.EncodeUID(owner))
		return
	}

	protected, err := s.registry.IsProtectedFor(fid, callerUID)
	if err != nil {
		conn.Write(protocol.EncodeStatus(protocol.StatusOpError))
		return
	}
	status := protocol.StatusOK
	if protected {
		status = protocol.StatusOwnerError
	}
	conn.Write(protocol.EncodeStatus(status))
}

func (s *Server) handleInsert(conn net.Conn, fid uint64, callerUID uint32, superuser bool) {
	if superuser {
		// Mirrors the original daemon: root "enrolling" a file is a no-op
		// success, since owner=0 can never be a protected file's owner.
		conn.Write(protocol.EncodeStatus(protocol.StatusOK))
		return
	}

	path, err := s.registry.Resolver.PathForFID(fid)
	if err != nil {
		conn.Write(protocol.EncodeStatus(protocol.StatusOpError))
		return
	}
	currentFSOwner, err := fsOwner(path)
	if err != nil {
		conn.Write(protocol.EncodeStatus(protocol.StatusOpError))
		return
	}

	status, err := s.registry.Enroll(fid, callerUID, callerUID, false, currentFSOwner)
	if err != nil {
		log.Printf("registry: enroll fid %d: %v", fid, err)
	}
	conn.Write(protocol.EncodeStatus(status))
}

func (s *Server) handleDelete(conn net.Conn, fid uint64, callerUID uint32, superuser bool) {
	status, err := s.registry.Withdraw(fid, callerUID, superuser)
	if err != nil {
		log.Printf("registry: withdraw fid %d: %v", fid, err)
	}
	conn.Write(protocol.EncodeStatus(status))
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
