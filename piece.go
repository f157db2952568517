package torrent

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	g "github.com/anacrolix/generics"
)

var (
	// A chunk was addressed outside the piece. This is a protocol violation by the peer or a
	// caller bug, and should end the peer session.
	ErrChunkOutOfRange = errors.New("chunk out of range")
	// AllChunks was called before every chunk was received.
	ErrIncomplete = errors.New("download incomplete")
)

func numChunks(size int64) int {
	return int(intCeilDiv(size, ChunkSize))
}

// Piece tracks the chunks of one piece. Chunks are created the first time they're touched. Piece
// is not safe for concurrent use; PieceManager serializes access to the pieces it owns.
type Piece struct {
	index int
	size  int64
	// The expected SHA-1, from the metainfo "pieces" field. Set once the piece completes.
	hash   g.Option[[sha1.Size]byte]
	chunks map[int]*chunk

	chunkTimeout time.Duration
	now          func() time.Time
}

// NewPiece returns an untouched piece of size bytes. Chunks pending longer than chunkTimeout are
// reported as timed out; zero disables that. Callers sharing a download should go through
// PieceManager instead.
func NewPiece(index int, size int64, chunkTimeout time.Duration) *Piece {
	return newPiece(index, size, chunkTimeout, nil)
}

func newPiece(index int, size int64, chunkTimeout time.Duration, now func() time.Time) *Piece {
	if now == nil {
		now = time.Now
	}
	return &Piece{
		index:        index,
		size:         size,
		chunks:       make(map[int]*chunk),
		chunkTimeout: chunkTimeout,
		now:          now,
	}
}

func (p *Piece) Index() int {
	return p.index
}

func (p *Piece) Size() int64 {
	return p.size
}

func (p *Piece) NumChunks() int {
	return numChunks(p.size)
}

func (p *Piece) SetHash(h [sha1.Size]byte) {
	p.hash = g.Some(h)
}

func (p *Piece) chunkIndex(offset int64) (int, error) {
	if offset < 0 || offset/ChunkSize >= int64(p.NumChunks()) {
		return 0, fmt.Errorf("%w: piece %d has %d chunks, offset %d", ErrChunkOutOfRange, p.index, p.NumChunks(), offset)
	}
	return int(offset / ChunkSize), nil
}

func (p *Piece) getOrCreate(ci int) *chunk {
	c, ok := p.chunks[ci]
	if !ok {
		c = new(chunk)
		p.chunks[ci] = c
	}
	return c
}

// Tracked chunk indexes in ascending order.
func (p *Piece) chunkIndexes() []int {
	return slices.Sorted(maps.Keys(p.chunks))
}

// RequestChunk marks the chunk at offset as pending. Requesting a timed out or already received
// chunk starts it over.
func (p *Piece) RequestChunk(offset int64) error {
	ci, err := p.chunkIndex(offset)
	if err != nil {
		return err
	}
	p.getOrCreate(ci).request(p.now())
	return nil
}

// ReceiveChunk stores the payload for the chunk at offset. Chunks that were never requested are
// accepted.
func (p *Piece) ReceiveChunk(offset int64, payload []byte) error {
	ci, err := p.chunkIndex(offset)
	if err != nil {
		return err
	}
	p.getOrCreate(ci).receive(payload)
	return nil
}

// ChunkState reports the state of the chunk at offset, which is Unrequested for chunks that were
// never touched.
func (p *Piece) ChunkState(offset int64) (ChunkState, error) {
	ci, err := p.chunkIndex(offset)
	if err != nil {
		return ChunkUnrequested, err
	}
	c, ok := p.chunks[ci]
	if !ok {
		return ChunkUnrequested, nil
	}
	return c.stateAt(p.now(), p.chunkTimeout), nil
}

// MissingChunk reports whether any chunk in the piece hasn't been received. Pending chunks are
// missing.
func (p *Piece) MissingChunk() bool {
	if len(p.chunks) < p.NumChunks() {
		return true
	}
	for ci := range p.NumChunks() {
		c, ok := p.chunks[ci]
		if !ok || !c.received() {
			return true
		}
	}
	return false
}

// UnrequestedChunk reports whether some chunk was never touched, or none has been requested.
func (p *Piece) UnrequestedChunk() bool {
	if len(p.chunks) < p.NumChunks() {
		return true
	}
	for _, c := range p.chunks {
		if c.requested() {
			return false
		}
	}
	return true
}

func (p *Piece) TimedOutChunk() bool {
	now := p.now()
	for _, c := range p.chunks {
		if c.timedOut(now, p.chunkTimeout) {
			return true
		}
	}
	return false
}

func (p *Piece) atLeastOneRequest() bool {
	return len(p.chunks) != 0
}

func (p *Piece) Completed() bool {
	return !p.MissingChunk()
}

// NextChunkToRequest returns the offset of the chunk after the highest tracked one, or 0 for an
// untouched piece. It assumes chunks are requested in order: gaps left by timed out or reset chunks
// are not found here.
func (p *Piece) NextChunkToRequest() (int64, error) {
	if len(p.chunks) == 0 {
		return 0, nil
	}
	next := slices.Max(slices.Collect(maps.Keys(p.chunks))) + 1
	if next >= p.NumChunks() {
		return 0, fmt.Errorf("%w: piece %d has no chunk after %d", ErrChunkOutOfRange, p.index, next-1)
	}
	return int64(next) * ChunkSize, nil
}

// Concatenated payloads of the tracked chunks in chunk order.
func (p *Piece) data() []byte {
	var buf bytes.Buffer
	buf.Grow(int(p.size))
	for _, ci := range p.chunkIndexes() {
		buf.Write(p.chunks[ci].payload)
	}
	return buf.Bytes()
}

// IntegrityCheck compares the SHA-1 of the chunk payloads with the expected hash. It fails if
// there are no chunks or the hash isn't known yet.
func (p *Piece) IntegrityCheck() bool {
	if len(p.chunks) == 0 || !p.hash.Ok {
		return false
	}
	return sha1.Sum(p.data()) == p.hash.Value
}

// ResetChunks discards every chunk so the whole piece is downloaded again.
func (p *Piece) ResetChunks() {
	clear(p.chunks)
}

// One character per tracked chunk, in chunk order.
func (p *Piece) chunkStatus() string {
	now := p.now()
	b := make([]byte, 0, len(p.chunks))
	for _, ci := range p.chunkIndexes() {
		b = append(b, p.chunks[ci].stateAt(now, p.chunkTimeout).statusChar())
	}
	return string(b)
}
