package remoting

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"
)

// fillPipeCallable runs on the peer: it opens the write end of a pipe the
// caller created and streams N deterministic pseudo-random bytes into it.
type fillPipeCallable struct {
	Sink Ref
	N    int
	Seed int64
}

func (c *fillPipeCallable) Call(cc *CallContext) (interface{}, error) {
	w, err := OpenWritePipe(cc.Channel, c.Sink)
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(w, rand.New(rand.NewSource(c.Seed)), int64(c.N)); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return c.N, nil
}

// drainReaderCallable runs on the peer: it pulls an exported reader dry and
// returns everything it read.
type drainReaderCallable struct {
	Src Ref
}

func (c *drainReaderCallable) Call(cc *CallContext) (interface{}, error) {
	r, err := OpenReader(cc.Channel, c.Src)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func init() {
	RegisterCallable(CallableKind{Name: "test.fillpipe", Version: "1", New: func() Callable { return &fillPipeCallable{} }})
	RegisterCallable(CallableKind{Name: "test.drainreader", Version: "1", New: func() Callable { return &drainReaderCallable{} }})
}

func TestPushPipeDeliversExactBytesThenEOF(t *testing.T) {
	chA, _ := newTestPair(t, ChannelConfig{}, ChannelConfig{})

	const n = 1000
	const seed = 7
	pr, ref, err := NewReadPipe(chA, 0)
	if err != nil {
		t.Fatalf("NewReadPipe() returned error: %s", err)
	}
	f, err := chA.CallAsync(&fillPipeCallable{Sink: ref, N: n, Seed: seed})
	if err != nil {
		t.Fatalf("CallAsync(fillpipe) returned error: %s", err)
	}

	got, err := io.ReadAll(pr)
	if err != nil {
		t.Fatalf("reading the pipe returned error: %s", err)
	}
	if len(got) != n {
		t.Fatalf("pipe delivered %d bytes; expected %d", len(got), n)
	}
	expected := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(expected)
	if !bytes.Equal(got, expected) {
		t.Error("pipe bytes did not arrive intact and in order")
	}

	// A second read keeps returning EOF.
	if _, err := pr.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read after EOF returned %v; expected io.EOF", err)
	}

	v, err := f.Wait()
	if err != nil {
		t.Fatalf("fill future resolved with error: %s", err)
	}
	if count, _ := v.(int); count != n {
		t.Errorf("fill future resolved to %v; expected %d", v, n)
	}
}

func TestPushPipeBackpressureStallsProducer(t *testing.T) {
	chA, _ := newTestPair(t, ChannelConfig{}, ChannelConfig{})

	// A tiny consumer buffer and a payload far larger: the producer must
	// block until the consumer drains.
	const limit = 1024
	const n = 64 * 1024
	pr, ref, err := NewReadPipe(chA, limit)
	if err != nil {
		t.Fatalf("NewReadPipe() returned error: %s", err)
	}
	f, err := chA.CallAsync(&fillPipeCallable{Sink: ref, N: n, Seed: 11})
	if err != nil {
		t.Fatalf("CallAsync(fillpipe) returned error: %s", err)
	}

	if _, _, resolved := f.WaitTimeout(300 * time.Millisecond); resolved {
		t.Fatal("producer finished while the consumer was not reading; backpressure is not working")
	}

	got, err := io.ReadAll(pr)
	if err != nil {
		t.Fatalf("reading the pipe returned error: %s", err)
	}
	if len(got) != n {
		t.Errorf("pipe delivered %d bytes; expected %d", len(got), n)
	}
	if _, err := f.Wait(); err != nil {
		t.Errorf("fill future resolved with error after drain: %s", err)
	}
}

func TestExportedReaderPullsAcrossChannel(t *testing.T) {
	chA, _ := newTestPair(t, ChannelConfig{}, ChannelConfig{})

	payload := strings.Repeat("the quick brown fox ", 500)
	ref, err := ExportReader(chA, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("ExportReader() returned error: %s", err)
	}
	result, err := chA.Call(&drainReaderCallable{Src: ref})
	if err != nil {
		t.Fatalf("Call(drainreader) returned error: %s", err)
	}
	got, ok := result.([]byte)
	if !ok {
		t.Fatalf("drain returned %T; expected []byte", result)
	}
	if string(got) != payload {
		t.Errorf("drain returned %d bytes that do not match the %d-byte source", len(got), len(payload))
	}
}

func TestPipePoisonedByChannelDeath(t *testing.T) {
	chA, chB := newTestPair(t, ChannelConfig{}, ChannelConfig{})

	pr, _, err := NewReadPipe(chA, 0)
	if err != nil {
		t.Fatalf("NewReadPipe() returned error: %s", err)
	}
	chB.Close()
	if err := chA.Join(); err != nil {
		t.Fatalf("Join returned %v; expected orderly close", err)
	}

	// No EOF ever arrived, so the reader must see a failure, not a clean
	// end of stream.
	_, err = pr.Read(make([]byte, 1))
	if err == nil || err == io.EOF {
		t.Errorf("read on a pipe orphaned by channel death returned %v; expected a terminal error", err)
	}
}

func TestPipeWriterCloseAfterChannelDeath(t *testing.T) {
	chA, chB := newTestPair(t, ChannelConfig{}, ChannelConfig{})

	_, ref, err := NewReadPipe(chA, 0)
	if err != nil {
		t.Fatalf("NewReadPipe() returned error: %s", err)
	}
	w, err := OpenWritePipe(chB, ref)
	if err != nil {
		t.Fatalf("OpenWritePipe() returned error: %s", err)
	}

	chA.Close()
	chB.Join()

	// The read end is already poisoned and the handle invalidated; closing
	// the orphaned write end is a clean no-op, not an error.
	if err := w.Close(); err != nil {
		t.Errorf("Close() on a pipe over a dead channel returned %v; expected nil", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("repeated Close() returned %v; expected nil", err)
	}
}
