package protocol

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestRequestRoundTrip(t *testing.T) {
	want := Request{Op: OpInsert, FID: 0xdeadbeef}
	buf, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalRequest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusEncoding(t *testing.T) {
	for _, s := range []Status{StatusOK, StatusOpError, StatusExistenceError, StatusOwnerError, StatusOpError | StatusOwnerError} {
		got, err := DecodeStatus(EncodeStatus(s))
		if err != nil {
			t.Fatal(err)
		}
		if got != s {
			t.Fatalf("status round trip: want %v got %v", s, got)
		}
	}
}

func TestListRecordRoundTrip(t *testing.T) {
	want := ListRecord{Owner: 1001, Path: "/home/alice/secret.txt"}
	buf, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != ListRecordSize {
		t.Fatalf("want fixed size %d, got %d", ListRecordSize, len(buf))
	}
	got, err := UnmarshalListRecord(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestListRecordRejectsOverlongPath(t *testing.T) {
	long := make([]byte, MaxPathLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := ListRecord{Path: string(long)}.MarshalBinary()
	if err == nil {
		t.Fatalf("expected error for overlong path")
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	want := Datagram{Sequence: 65530, Payload: QueryPayload(42)}
	buf, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalDatagram(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadinessPayload(t *testing.T) {
	p := ReadinessPayload(4242)
	if !IsReadiness(p) {
		t.Fatalf("readiness payload not recognized as readiness")
	}
	if got := ReadinessPID(p); got != 4242 {
		t.Fatalf("want pid 4242, got %d", got)
	}

	q := QueryPayload(99)
	if IsReadiness(q) {
		t.Fatalf("ordinary query payload misidentified as readiness")
	}
}
