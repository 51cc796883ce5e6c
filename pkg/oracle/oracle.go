// Package oracle implements C3, the ownership-oracle client embedded in the
// highest-privilege side of the interception layer. It asks the daemon "who
// owns FID F?" with a bounded latency and degrades to "not protected" when
// the daemon is slow, absent, or has never announced readiness.
package oracle

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsaf/safe/pkg/protocol"
)

// slotCount matches the 16-bit sequence space exactly (spec §4.3): sized so
// wraparound cannot collide with a still-outstanding request unless more
// than 65,536 queries are in flight at once, far past realistic syscall
// concurrency.
const slotCount = 1 << 16

// queryTimeout is the bound from spec §4.3/§5: a query that doesn't resolve
// within this window latches the oracle not-ready and returns "unknown owner".
const queryTimeout = 3 * time.Second

// noticeInterval throttles the "daemon unreachable" log line the way the
// original kernel module rate-limits its "Safe terminated" printk to once
// per window, rather than once per timed-out query.
const noticeInterval = 3 * time.Second

// Transport is the kernel<->daemon datagram transport C3 is built on. A
// concrete implementation binds a local datagram endpoint and knows how to
// address the daemon; see transport_unixgram_linux.go for the reference.
type Transport interface {
	// Query sends d to the daemon.
	Query(d protocol.Datagram) error
	// Next blocks for the next inbound datagram, reporting whether its
	// sender's credentials name the superuser (required to accept a
	// readiness announcement; spec §4.3's startup handshake).
	Next() (d protocol.Datagram, fromSuperuser bool, err error)
	Close() error
}

// Oracle is C3: a single outstanding-query table shared by every concurrent
// caller. Construct with New and call Run in a goroutine before the first
// OwnerOf call.
type Oracle struct {
	transport Transport

	seq   uint32 // atomically incremented; low 16 bits are the wire sequence
	slots [slotCount]chan uint32

	ready     atomic.Bool
	daemonPID atomic.Uint32

	noticeMu   sync.Mutex
	lastNotice time.Time

	timeout time.Duration
}

// New constructs an Oracle bound to transport, with queries bounded by
// timeout (the configured oracle.query_timeout; a zero or negative value
// falls back to the spec's default of 3s). The oracle is not ready
// (owner_of short-circuits to 0) until the daemon's readiness datagram
// arrives, which Run observes.
func New(transport Transport, timeout time.Duration) *Oracle {
	if timeout <= 0 {
		timeout = queryTimeout
	}
	o := &Oracle{transport: transport, timeout: timeout}
	for i := range o.slots {
		o.slots[i] = make(chan uint32, 1)
	}
	return o
}

// Run services inbound datagrams until the transport is closed or produces
// an error. It should run in its own goroutine for the lifetime of the
// process; there is exactly one Run loop per Oracle.
func (o *Oracle) Run() error {
	for {
		d, fromSuperuser, err := o.transport.Next()
		if err != nil {
			return err
		}
		o.handle(d, fromSuperuser)
	}
}

func (o *Oracle) handle(d protocol.Datagram, fromSuperuser bool) {
	if protocol.IsReadiness(d.Payload) {
		if !fromSuperuser {
			return
		}
		o.daemonPID.Store(protocol.ReadinessPID(d.Payload))
		o.ready.Store(true)
		return
	}

	uid := protocol.ResponseUID(d.Payload)
	slot := o.slots[d.Sequence]
	select {
	case slot <- uid:
	default:
		// A stale value from a query this slot served long ago and whose
		// requester already timed out; drop it and deliver the fresh one.
		select {
		case <-slot:
		default:
		}
		select {
		case slot <- uid:
		default:
		}
	}
}

// OwnerOf implements spec §4.3's owner_of(FID): returns 0 immediately if the
// daemon has never announced readiness or has been latched not-ready by a
// prior timeout; otherwise round-trips a query and blocks up to the query
// timeout for the matching response.
func (o *Oracle) OwnerOf(fid uint64) uint32 {
	if !o.ready.Load() {
		return 0
	}

	seq := uint16(atomic.AddUint32(&o.seq, 1))
	slot := o.slots[seq]

	// Drain any stale leftover before reusing this slot number.
	select {
	case <-slot:
	default:
	}

	if err := o.transport.Query(protocol.Datagram{Sequence: seq, Payload: protocol.QueryPayload(fid)}); err != nil {
		o.latchNotReady()
		return 0
	}

	select {
	case uid := <-slot:
		return uid
	case <-time.After(o.timeout):
		o.latchNotReady()
		return 0
	}
}

func (o *Oracle) latchNotReady() {
	o.ready.Store(false)
	o.daemonPID.Store(0)

	o.noticeMu.Lock()
	defer o.noticeMu.Unlock()
	if time.Since(o.lastNotice) < noticeInterval {
		return
	}
	o.lastNotice = time.Now()
	log.Printf("oracle: daemon unreachable, degrading to pass-through")
}

// Ready reports whether the oracle currently believes the daemon is alive.
func (o *Oracle) Ready() bool { return o.ready.Load() }

// Close releases the underlying transport.
func (o *Oracle) Close() error { return o.transport.Close() }
