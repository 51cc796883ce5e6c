package oracle

import (
	"errors"

	"github.com/tsaf/safe/pkg/protocol"
)

// pipeTransport is an in-process Transport double: queries written by the
// oracle land on outbox, and responses queued on inbox are what Next()
// returns. It lets oracle_test.go drive the three-level protocol (ready,
// timeout, wraparound) without a real socket or daemon process.
type pipeTransport struct {
	outbox chan protocol.Datagram
	inbox  chan pipeFrame

	closed chan struct{}
}

type pipeFrame struct {
	datagram      protocol.Datagram
	fromSuperuser bool
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		outbox: make(chan protocol.Datagram, 1024),
		inbox:  make(chan pipeFrame, 1024),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) Query(d protocol.Datagram) error {
	select {
	case p.outbox <- d:
		return nil
	case <-p.closed:
		return errors.New("pipeTransport: closed")
	}
}

func (p *pipeTransport) Next() (protocol.Datagram, bool, error) {
	select {
	case f := <-p.inbox:
		return f.datagram, f.fromSuperuser, nil
	case <-p.closed:
		return protocol.Datagram{}, false, errors.New("pipeTransport: closed")
	}
}

func (p *pipeTransport) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

// deliver injects a datagram as if it arrived from the daemon.
func (p *pipeTransport) deliver(d protocol.Datagram, fromSuperuser bool) {
	p.inbox <- pipeFrame{datagram: d, fromSuperuser: fromSuperuser}
}
