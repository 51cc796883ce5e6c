package oracle

import (
	"io"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tsaf/safe/internal/testutil"
	"github.com/tsaf/safe/pkg/protocol"
)

func TestMain(m *testing.M) {
	if !testutil.VerboseTest() {
		log.SetOutput(io.Discard)
	}
	os.Exit(m.Run())
}

// serveFakeDaemon runs a minimal fake daemon against transport: it answers every
// query on outbox with the owner from the provided map, echoing sequence
// numbers, until stop is closed.
func serveFakeDaemon(t *testing.T, pt *pipeTransport, owners map[uint64]uint32, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case d := <-pt.outbox:
				fid := protocol.QueryFID(d.Payload)
				uid := owners[fid]
				pt.deliver(protocol.Datagram{Sequence: d.Sequence, Payload: protocol.ResponsePayload(uid)}, false)
			case <-stop:
				return
			}
		}
	}()
}

func TestOwnerOfNotReadyShortCircuits(t *testing.T) {
	pt := newPipeTransport()
	o := New(pt, 0)
	go o.Run()
	defer o.Close()

	if got := o.OwnerOf(42); got != 0 {
		t.Fatalf("want 0 before readiness, got %d", got)
	}
}

func TestReadinessThenQuery(t *testing.T) {
	pt := newPipeTransport()
	o := New(pt, 0)
	go o.Run()
	defer o.Close()

	stop := make(chan struct{})
	defer close(stop)
	serveFakeDaemon(t, pt, map[uint64]uint32{7: 1001}, stop)

	pt.deliver(protocol.Datagram{Payload: protocol.ReadinessPayload(555)}, true)
	waitUntil(t, func() bool { return o.Ready() })

	if got := o.OwnerOf(7); got != 1001 {
		t.Fatalf("want 1001, got %d", got)
	}
	if got := o.OwnerOf(8); got != 0 {
		t.Fatalf("want 0 for unowned fid, got %d", got)
	}
}

func TestReadinessRequiresSuperuserCredentials(t *testing.T) {
	pt := newPipeTransport()
	o := New(pt, 0)
	go o.Run()
	defer o.Close()

	pt.deliver(protocol.Datagram{Payload: protocol.ReadinessPayload(555)}, false)
	time.Sleep(20 * time.Millisecond)

	if o.Ready() {
		t.Fatalf("oracle became ready from a non-superuser readiness datagram")
	}
}

func TestOwnerOfTimeoutLatchesNotReady(t *testing.T) {
	pt := newPipeTransport()
	o := New(pt, 0)
	o.timeout = 30 * time.Millisecond
	go o.Run()
	defer o.Close()

	pt.deliver(protocol.Datagram{Payload: protocol.ReadinessPayload(1)}, true)
	waitUntil(t, func() bool { return o.Ready() })

	// No fake daemon is servicing outbox, so the query will time out.
	if got := o.OwnerOf(9); got != 0 {
		t.Fatalf("want 0 on timeout, got %d", got)
	}
	if o.Ready() {
		t.Fatalf("oracle should have latched not-ready after timeout")
	}

	// Recovery: a fresh readiness datagram restores normal operation.
	stop := make(chan struct{})
	defer close(stop)
	serveFakeDaemon(t, pt, map[uint64]uint32{9: 42}, stop)
	pt.deliver(protocol.Datagram{Payload: protocol.ReadinessPayload(2)}, true)
	waitUntil(t, func() bool { return o.Ready() })

	if got := o.OwnerOf(9); got != 42 {
		t.Fatalf("want 42 after recovery, got %d", got)
	}
}

func TestConcurrentQueriesForDifferentFIDsAreIndependent(t *testing.T) {
	pt := newPipeTransport()
	o := New(pt, 0)
	go o.Run()
	defer o.Close()

	stop := make(chan struct{})
	defer close(stop)
	serveFakeDaemon(t, pt, map[uint64]uint32{1: 1001, 2: 1002}, stop)

	pt.deliver(protocol.Datagram{Payload: protocol.ReadinessPayload(1)}, true)
	waitUntil(t, func() bool { return o.Ready() })

	var wg sync.WaitGroup
	errs := make(chan string, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if got := o.OwnerOf(1); got != 1001 {
			errs <- "fid 1 got wrong owner"
		}
	}()
	go func() {
		defer wg.Done()
		if got := o.OwnerOf(2); got != 1002 {
			errs <- "fid 2 got wrong owner"
		}
	}()
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
}

func TestSequenceWraparound(t *testing.T) {
	pt := newPipeTransport()
	o := New(pt, 0)
	go o.Run()
	defer o.Close()

	stop := make(chan struct{})
	defer close(stop)
	owners := map[uint64]uint32{1: 7}
	serveFakeDaemon(t, pt, owners, stop)

	pt.deliver(protocol.Datagram{Payload: protocol.ReadinessPayload(1)}, true)
	waitUntil(t, func() bool { return o.Ready() })

	const n = 70000 // exceeds the 65536-slot sequence space at least once
	for i := 0; i < n; i++ {
		if got := o.OwnerOf(1); got != 7 {
			t.Fatalf("query %d: want 7, got %d", i, got)
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
