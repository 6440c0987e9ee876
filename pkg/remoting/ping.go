package remoting

import (
	"sync/atomic"
	"time"
)

// pinger keeps a Channel's connection warm and detects a silently dead peer.
// It sends a ping every interval; if no pong (or any other traffic-driven
// pong) arrives within three intervals the Channel is terminated with a
// timeout fault, which fails every pending call rather than letting them
// hang on a half-open connection.
type pinger struct {
	ch       *Channel
	interval time.Duration
	lastPong int64
}

func startPinger(ch *Channel, interval time.Duration) *pinger {
	p := &pinger{
		ch:       ch,
		interval: interval,
		lastPong: time.Now().UnixNano(),
	}
	go p.run()
	return p
}

func (p *pinger) notePong() {
	atomic.StoreInt64(&p.lastPong, time.Now().UnixNano())
}

func (p *pinger) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ch.terminated:
			return
		case <-ticker.C:
		}
		idle := time.Since(time.Unix(0, atomic.LoadInt64(&p.lastPong)))
		if idle > 3*p.interval {
			p.ch.terminate(p.ch.Errorf("ping timeout: no pong in %s", idle))
			return
		}
		if err := p.ch.writeCommand(&command{Op: opPing}); err != nil {
			return
		}
	}
}
