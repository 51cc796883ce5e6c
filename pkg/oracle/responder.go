package oracle

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/tsaf/safe/pkg/protocol"
)

// Lookup resolves a FID to its current owner (0 meaning unprotected);
// *registry.Registry satisfies this on the daemon side.
type Lookup interface {
	Owner(fid uint64) (uint32, error)
}

// Responder is the daemon's half of C3: it answers FID ownership
// queries over the same Transport the Oracle client uses, and
// periodically announces readiness so a degraded client can recover
// (spec §4.3's keepalive).
type Responder struct {
	transport Transport
	lookup    Lookup
	interval  time.Duration
}

func NewResponder(transport Transport, lookup Lookup, readinessInterval time.Duration) *Responder {
	return &Responder{transport: transport, lookup: lookup, interval: readinessInterval}
}

// Serve announces readiness immediately, then again every interval, while
// concurrently answering inbound queries, until ctx is canceled or the
// transport fails.
func (r *Responder) Serve(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- r.serveQueries() }()

	r.announceReadiness()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.transport.Close()
			<-done
			return ctx.Err()
		case <-ticker.C:
			r.announceReadiness()
		case err := <-done:
			return err
		}
	}
}

func (r *Responder) announceReadiness() {
	payload := protocol.ReadinessPayload(uint32(os.Getpid()))
	if err := r.transport.Query(protocol.Datagram{Sequence: 0, Payload: payload}); err != nil {
		log.Printf("oracle: readiness announcement: %v", err)
	}
}

func (r *Responder) serveQueries() error {
	for {
		d, _, err := r.transport.Next()
		if err != nil {
			return err
		}
		if protocol.IsReadiness(d.Payload) {
			// A stray readiness frame looped back; nothing answers it.
			continue
		}
		fid := protocol.QueryFID(d.Payload)
		owner, err := r.lookup.Owner(fid)
		if err != nil {
			log.Printf("oracle: lookup fid %d: %v", fid, err)
			owner = 0
		}
		resp := protocol.Datagram{Sequence: d.Sequence, Payload: protocol.ResponsePayload(owner)}
		if err := r.transport.Query(resp); err != nil {
			log.Printf("oracle: respond fid %d: %v", fid, err)
		}
	}
}
