package remoting

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestPreambleRoundTrip(t *testing.T) {
	for _, offer := range []Capability{
		CapabilityNone,
		CapProxy,
		CapProxy | CapPipe,
		DefaultCapability(),
	} {
		var buf bytes.Buffer
		if err := writePreamble(&buf, offer); err != nil {
			t.Fatalf("writePreamble(%s) returned error: %s", offer, err)
		}
		if buf.Len() != preambleLen {
			t.Errorf("preamble for %s is %d bytes; expected %d", offer, buf.Len(), preambleLen)
		}
		got, err := readPreamble(&buf)
		if err != nil {
			t.Fatalf("readPreamble(%s) returned error: %s", offer, err)
		}
		if got != offer {
			t.Errorf("preamble round trip produced %s; expected %s", got, offer)
		}
	}
}

func TestPreambleRejectsForeignProtocol(t *testing.T) {
	// An HTTP request line is the classic accidental peer.
	if _, err := readPreamble(bytes.NewReader([]byte("GET / HTTP/1.1\r\n"))); err == nil {
		t.Error("readPreamble accepted non-protocol bytes")
	}

	var buf bytes.Buffer
	writePreamble(&buf, DefaultCapability())
	raw := buf.Bytes()
	binary.BigEndian.PutUint16(raw[4:6], 0)
	if _, err := readPreamble(bytes.NewReader(raw)); err == nil {
		t.Error("readPreamble accepted protocol version 0")
	}
}

func TestCapabilityIntersection(t *testing.T) {
	a := CapProxy | CapPipe | CapPing
	b := CapPipe | CapPing | CapCatalog
	both := a.Intersect(b)
	if both != CapPipe|CapPing {
		t.Errorf("intersection = %s; expected pipe+ping", both)
	}
	if !both.Has(CapPipe) || both.Has(CapProxy) {
		t.Errorf("Has() gave wrong answers for %s", both)
	}
	if got := CapabilityNone.String(); got != "none" {
		t.Errorf("CapabilityNone.String() = %q; expected \"none\"", got)
	}
}
