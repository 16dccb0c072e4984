package types

import "time"

// ConnectionStats is a point-in-time snapshot of one Connection's traffic
// and reliability counters, pulled by the stats package at scrape time
// rather than pushed on every state change.
type ConnectionStats struct {
	Addr string

	RTTMillis     float64
	JitterMillis  float64
	BytesSent     uint64
	BytesReceived uint64
	PacketsSent   uint64
	PacketsReceived uint64

	// OutstandingAcks is how many sent packets still await a delivered/
	// dropped verdict from the peer's ack header.
	OutstandingAcks int

	// PendingHostActions is how many entity actions this side has written
	// at least once but not yet seen acknowledged, 0 on a Connection with
	// no HostWorldManager attached.
	PendingHostActions int

	LastReceivedAt time.Time
}
