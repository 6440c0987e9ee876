package remoting

import (
	"github.com/prep/socketpair"
)

// NewLoopbackPair creates two Channels joined back-to-back over an
// in-process socket pair: everything written by one side is read by the
// other. It is the two-endpoint harness used by tests and by in-process
// agent simulations; both Channels live in the calling process.
//
// The Stream fields of both configs are ignored and replaced with the
// socket-pair endpoints. Negotiation for the two sides runs concurrently,
// exactly as it would across a real connection.
func NewLoopbackPair(lg Logger, a, b ChannelConfig) (*Channel, *Channel, error) {
	connA, connB, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, err
	}
	if a.Name == "" {
		a.Name = "loopback-a"
	}
	if b.Name == "" {
		b.Name = "loopback-b"
	}
	a.Stream = connA
	b.Stream = connB

	type result struct {
		ch  *Channel
		err error
	}
	bReady := make(chan result, 1)
	go func() {
		ch, err := NewChannel(lg, b)
		bReady <- result{ch, err}
	}()

	chA, errA := NewChannel(lg, a)
	resB := <-bReady
	if errA != nil || resB.err != nil {
		if chA != nil {
			chA.Close()
		}
		if resB.ch != nil {
			resB.ch.Close()
		}
		if errA != nil {
			return nil, nil, errA
		}
		return nil, nil, resB.err
	}
	return chA, resB.ch, nil
}
