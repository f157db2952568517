package torrent

import (
	"bytes"
	"time"
)

// The request unit within a piece. The final chunk of the final piece may be shorter.
const ChunkSize = 16384

type ChunkState int

const (
	ChunkUnrequested ChunkState = iota
	ChunkPending
	ChunkReceived
	// A Pending chunk that has waited longer than the chunk timeout. It's never stored, only
	// reported.
	ChunkTimedOut
)

func (s ChunkState) String() string {
	switch s {
	case ChunkUnrequested:
		return "unrequested"
	case ChunkPending:
		return "pending"
	case ChunkReceived:
		return "received"
	case ChunkTimedOut:
		return "timed out"
	}
	return "unknown"
}

// Status character used in chunk status lines.
func (s ChunkState) statusChar() byte {
	switch s {
	case ChunkPending:
		return 'P'
	case ChunkTimedOut:
		return 'T'
	case ChunkReceived:
		return '.'
	}
	return '?'
}

type chunk struct {
	state       ChunkState
	payload     []byte
	requestedAt time.Time
}

func (c *chunk) request(now time.Time) {
	c.state = ChunkPending
	c.payload = nil
	c.requestedAt = now
}

// The payload is copied: peer connections reuse their read buffers.
func (c *chunk) receive(payload []byte) {
	c.state = ChunkReceived
	c.payload = bytes.Clone(payload)
}

// Derives the reported state. A non-positive timeout disables timing out.
func (c *chunk) stateAt(now time.Time, timeout time.Duration) ChunkState {
	if c.state == ChunkPending && timeout > 0 && now.Sub(c.requestedAt) >= timeout {
		return ChunkTimedOut
	}
	return c.state
}

func (c *chunk) requested() bool {
	return c.state != ChunkUnrequested
}

func (c *chunk) received() bool {
	return c.state == ChunkReceived
}

func (c *chunk) pending(now time.Time, timeout time.Duration) bool {
	return c.stateAt(now, timeout) == ChunkPending
}

func (c *chunk) timedOut(now time.Time, timeout time.Duration) bool {
	return c.stateAt(now, timeout) == ChunkTimedOut
}
