package peer

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats are per-connection traffic counters. Each counter is atomic so the
// sending goroutines and the receive worker never tear a value.
type Stats struct {
	startTime atomic.Int64

	PacketsSent         atomic.Uint64
	PacketsReceived     atomic.Uint64
	DataPacketsSent     atomic.Uint64
	DataPacketsReceived atomic.Uint64
	FragmentsSent       atomic.Uint64
	FragmentsReceived   atomic.Uint64
	BytesSent           atomic.Uint64
	BytesReceived       atomic.Uint64
	LostPackets         atomic.Uint64
	OutOfBoundPackets   atomic.Uint64
}

type StatsSnapshot struct {
	StartTime           time.Time
	PacketsSent         uint64
	PacketsReceived     uint64
	DataPacketsSent     uint64
	DataPacketsReceived uint64
	FragmentsSent       uint64
	FragmentsReceived   uint64
	BytesSent           uint64
	BytesReceived       uint64
	LostPackets         uint64
	OutOfBoundPackets   uint64
}

// Reset zeroes every counter and restarts the clock at now.
func (s *Stats) Reset(now time.Time) {
	s.startTime.Store(now.UnixNano())
	s.PacketsSent.Store(0)
	s.PacketsReceived.Store(0)
	s.DataPacketsSent.Store(0)
	s.DataPacketsReceived.Store(0)
	s.FragmentsSent.Store(0)
	s.FragmentsReceived.Store(0)
	s.BytesSent.Store(0)
	s.BytesReceived.Store(0)
	s.LostPackets.Store(0)
	s.OutOfBoundPackets.Store(0)
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		StartTime:           time.Unix(0, s.startTime.Load()),
		PacketsSent:         s.PacketsSent.Load(),
		PacketsReceived:     s.PacketsReceived.Load(),
		DataPacketsSent:     s.DataPacketsSent.Load(),
		DataPacketsReceived: s.DataPacketsReceived.Load(),
		FragmentsSent:       s.FragmentsSent.Load(),
		FragmentsReceived:   s.FragmentsReceived.Load(),
		BytesSent:           s.BytesSent.Load(),
		BytesReceived:       s.BytesReceived.Load(),
		LostPackets:         s.LostPackets.Load(),
		OutOfBoundPackets:   s.OutOfBoundPackets.Load(),
	}
}

// LogValue renders only the non-zero counters, plus rates and loss ratios.
func (s StatsSnapshot) LogValue() slog.Value {
	alive := time.Since(s.StartTime).Seconds()
	attrs := make([]slog.Attr, 0, 12)

	add := func(key string, v uint64) {
		if v != 0 {
			attrs = append(attrs, slog.Uint64(key, v))
		}
	}
	add("packets_sent", s.PacketsSent)
	add("packets_recv", s.PacketsReceived)
	add("data_sent", s.DataPacketsSent)
	add("data_recv", s.DataPacketsReceived)
	add("frags_sent", s.FragmentsSent)
	add("frags_recv", s.FragmentsReceived)
	add("bytes_sent", s.BytesSent)
	add("bytes_recv", s.BytesReceived)

	if alive > 0 {
		if s.BytesSent != 0 {
			attrs = append(attrs, slog.String("send_rate", fmt.Sprintf("%.0fB/s", float64(s.BytesSent)/alive)))
		}
		if s.BytesReceived != 0 {
			attrs = append(attrs, slog.String("recv_rate", fmt.Sprintf("%.0fB/s", float64(s.BytesReceived)/alive)))
		}
	}

	if s.DataPacketsReceived != 0 {
		total := float64(s.DataPacketsReceived)
		attrs = append(attrs,
			slog.String("lost", fmt.Sprintf("%d (%.2f%%)", s.LostPackets, float64(s.LostPackets)/total*100)),
			slog.String("oob", fmt.Sprintf("%d (%.2f%%)", s.OutOfBoundPackets, float64(s.OutOfBoundPackets)/total*100)),
		)
	}

	return slog.GroupValue(attrs...)
}
