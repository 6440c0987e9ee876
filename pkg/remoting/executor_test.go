package remoting

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsTasksAndWaits(t *testing.T) {
	p := NewWorkerPool(4)

	var ran int32
	const n = 32
	for i := 0; i < n; i++ {
		p.Go(func() { atomic.AddInt32(&ran, 1) })
	}
	p.Close()
	p.Wait()

	if got := atomic.LoadInt32(&ran); got != n {
		t.Errorf("pool ran %d tasks; expected %d", got, n)
	}
}

func TestWorkerPoolCloseUnblocksSaturatedSubmitters(t *testing.T) {
	p := NewWorkerPool(1)

	block := make(chan struct{})
	p.Go(func() { <-block })

	// The only worker is busy, so this submitter parks on the task channel.
	submitted := make(chan struct{})
	go func() {
		p.Go(func() {})
		close(submitted)
	}()
	time.Sleep(50 * time.Millisecond)

	// Close must get through immediately, not queue behind the stuck
	// submitter, and must release it.
	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked while the pool was saturated")
	}
	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("a blocked submitter was not released by Close")
	}

	close(block)
	p.Wait()
}
