package remoting

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ChannelStats keeps per-Channel traffic counters. All updates are atomic.
type ChannelStats struct {
	commandsIn  uint64
	commandsOut uint64
	bytesIn     uint64
	bytesOut    uint64
}

func (s *ChannelStats) noteCommandIn()  { atomic.AddUint64(&s.commandsIn, 1) }
func (s *ChannelStats) noteCommandOut() { atomic.AddUint64(&s.commandsOut, 1) }

// ChannelStatsSnapshot is a point-in-time copy of a Channel's counters.
type ChannelStatsSnapshot struct {
	CommandsIn  uint64
	CommandsOut uint64
	BytesIn     uint64
	BytesOut    uint64
}

func (s *ChannelStats) snapshot() ChannelStatsSnapshot {
	return ChannelStatsSnapshot{
		CommandsIn:  atomic.LoadUint64(&s.commandsIn),
		CommandsOut: atomic.LoadUint64(&s.commandsOut),
		BytesIn:     atomic.LoadUint64(&s.bytesIn),
		BytesOut:    atomic.LoadUint64(&s.bytesOut),
	}
}

func (s ChannelStatsSnapshot) String() string {
	return fmt.Sprintf("sent %d commands (%s), received %d commands (%s)",
		s.CommandsOut, sizestr.ToString(int64(s.BytesOut)),
		s.CommandsIn, sizestr.ToString(int64(s.BytesIn)))
}

// countingStream wraps the Channel's transport to account raw bytes in both
// directions.
type countingStream struct {
	inner io.ReadWriteCloser
	stats *ChannelStats
}

func newCountingStream(inner io.ReadWriteCloser, stats *ChannelStats) io.ReadWriteCloser {
	return &countingStream{inner: inner, stats: stats}
}

func (c *countingStream) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	atomic.AddUint64(&c.stats.bytesIn, uint64(n))
	return n, err
}

func (c *countingStream) Write(p []byte) (int, error) {
	n, err := c.inner.Write(p)
	atomic.AddUint64(&c.stats.bytesOut, uint64(n))
	return n, err
}

func (c *countingStream) Close() error {
	return c.inner.Close()
}
