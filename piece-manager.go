package torrent

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"
	"github.com/tidwall/btree"

	"github.com/torrent-parrot/torrent/bitfield"
)

type PieceManagerOpts struct {
	Logger log.Logger
	// How long a requested chunk may stay pending before it's reported as timed out. Zero disables
	// timeouts.
	ChunkTimeout time.Duration
	// Defaults to time.Now.
	Now func() time.Time
}

// ChunkRef addresses a chunk within the transfer.
type ChunkRef struct {
	Piece  int
	Offset int64
}

// PieceManager is the single authority over piece and chunk state for one transfer. It's safe for
// concurrent use by peer connections. Pieces are created when first touched.
type PieceManager struct {
	mu sync.RWMutex
	md MetaData
	// Ordered by piece index. Absent pieces were never touched.
	pieces btree.Map[int, *Piece]
	// Pieces that completed and passed their hash check, and haven't been touched since. Only used
	// for advertising and progress; hash status queries rehash the data.
	verified roaring.Bitmap

	logger       log.Logger
	chunkTimeout time.Duration
	now          func() time.Time
}

func NewPieceManager(md MetaData, opts PieceManagerOpts) *PieceManager {
	panicif.LessThanOrEqual(md.PieceSize(), 0)
	panicif.LessThan(md.Size(), 0)
	if opts.Logger.IsZero() {
		opts.Logger = log.Default
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &PieceManager{
		md:           md,
		logger:       opts.Logger.WithNames("piece-manager"),
		chunkTimeout: opts.ChunkTimeout,
		now:          opts.Now,
	}
}

func (pm *PieceManager) PieceSize() int64 {
	return pm.md.PieceSize()
}

func (pm *PieceManager) TorrentSize() int64 {
	return pm.md.Size()
}

func (pm *PieceManager) NumPieces() int {
	return int(intCeilDiv(pm.TorrentSize(), pm.PieceSize()))
}

// Size of the piece at index. Only the final piece can be short.
func (pm *PieceManager) pieceLength(index int) int64 {
	if index == pm.NumPieces()-1 {
		return pm.TorrentSize() - int64(index)*pm.PieceSize()
	}
	return pm.PieceSize()
}

func (pm *PieceManager) checkPieceIndex(index int) error {
	if index < 0 || index >= pm.NumPieces() {
		return fmt.Errorf("%w: piece %d of %d", ErrChunkOutOfRange, index, pm.NumPieces())
	}
	return nil
}

func (pm *PieceManager) getOrCreate(index int) *Piece {
	p, ok := pm.pieces.Get(index)
	if !ok {
		p = newPiece(index, pm.pieceLength(index), pm.chunkTimeout, pm.now)
		p.SetHash(pm.md.HashForPiece(index))
		pm.pieces.Set(index, p)
	}
	return p
}

// IncompletePiece returns the lowest piece index the peer has that is missing a chunk and either
// has chunks nobody requested or a chunk whose request timed out. Selection is sequential, not
// rarest-first.
func (pm *PieceManager) IncompletePiece(peer *bitfield.BitField) (int, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, i := range peer.SetIndexes() {
		if i >= pm.NumPieces() {
			break
		}
		p := pm.getOrCreate(i)
		if !p.MissingChunk() {
			continue
		}
		if !p.UnrequestedChunk() && !p.TimedOutChunk() {
			continue
		}
		return i, true
	}
	return 0, false
}

// StartedPieceMissingChunks returns the lowest tracked piece that has had a request and still
// misses a chunk. Callers use it to finish in-flight pieces before starting new ones.
func (pm *PieceManager) StartedPieceMissingChunks() (int, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	ret := pm.startedPieceMissingChunks()
	return ret.Value, ret.Ok
}

func (pm *PieceManager) startedPieceMissingChunks() (ret g.Option[int]) {
	pm.pieces.Scan(func(i int, p *Piece) bool {
		if p.atLeastOneRequest() && p.MissingChunk() {
			ret.Set(i)
			return false
		}
		return true
	})
	return
}

// RequestChunk marks a chunk as requested from a peer. The error wraps ErrChunkOutOfRange if the
// chunk doesn't exist in the transfer.
func (pm *PieceManager) RequestChunk(piece int, offset int64) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.checkPieceIndex(piece); err != nil {
		return err
	}
	err := pm.getOrCreate(piece).RequestChunk(offset)
	if err != nil {
		return err
	}
	pm.verified.Remove(uint32(piece))
	return nil
}

// ReceiveChunk stores a chunk payload from a peer. Chunks for pieces that were never touched are
// dropped. When the piece completes it's hashed: a mismatch discards the whole piece so it's
// downloaded again.
func (pm *PieceManager) ReceiveChunk(piece int, offset int64, payload []byte) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.pieces.Get(piece)
	if !ok {
		pm.logger.Levelf(log.Debug, "dropping chunk %v of untracked piece %v", offset, piece)
		return nil
	}
	err := p.ReceiveChunk(offset, payload)
	if err != nil {
		return err
	}
	pm.verified.Remove(uint32(piece))
	if !p.Completed() {
		return nil
	}
	if p.IntegrityCheck() {
		pm.verified.Add(uint32(piece))
		return nil
	}
	pm.logger.Levelf(log.Warning, "piece %v failed hash check, discarding %v chunks", piece, p.NumChunks())
	p.ResetChunks()
	return nil
}

// NextChunkToRequest returns the offset to request next from the piece, which is normally one
// returned by IncompletePiece. The error wraps ErrChunkOutOfRange if the piece doesn't exist or
// every chunk after the highest one touched has been.
func (pm *PieceManager) NextChunkToRequest(piece int) (int64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.checkPieceIndex(piece); err != nil {
		return 0, err
	}
	return pm.getOrCreate(piece).NextChunkToRequest()
}

// ChunkState reports the state of a chunk. Chunks of untracked pieces are Unrequested.
func (pm *PieceManager) ChunkState(piece int, offset int64) (ChunkState, error) {
	if _, err := pm.ChunkLength(piece, offset); err != nil {
		return ChunkUnrequested, err
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.pieces.Get(piece)
	if !ok {
		return ChunkUnrequested, nil
	}
	return p.ChunkState(offset)
}

// LastChunk reports whether the chunk at offset is the final chunk of the final piece.
func (pm *PieceManager) LastChunk(piece int, offset int64) bool {
	last := pm.NumPieces() - 1
	return piece == last && offset/ChunkSize == int64(numChunks(pm.pieceLength(last)))-1
}

// LastChunkSize is the length of the transfer's final chunk.
func (pm *PieceManager) LastChunkSize() int64 {
	if rem := pm.TorrentSize() % ChunkSize; rem != 0 {
		return rem
	}
	return ChunkSize
}

// ChunkLength returns the number of bytes to request for the chunk at offset. Chunks at the end of
// a short piece are short.
func (pm *PieceManager) ChunkLength(piece int, offset int64) (int64, error) {
	if err := pm.checkPieceIndex(piece); err != nil {
		return 0, err
	}
	size := pm.pieceLength(piece)
	if offset < 0 || offset >= size {
		return 0, fmt.Errorf("%w: offset %d in piece %d of length %d", ErrChunkOutOfRange, offset, piece, size)
	}
	start := offset - offset%ChunkSize
	return min(ChunkSize, size-start), nil
}

// AllChunks assembles the transfer in piece order. It fails with ErrIncomplete rather than return
// partial data.
func (pm *PieceManager) AllChunks() ([]byte, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	var buf bytes.Buffer
	buf.Grow(int(pm.TorrentSize()))
	for i := range pm.NumPieces() {
		p, ok := pm.pieces.Get(i)
		if !ok || !p.Completed() {
			return nil, fmt.Errorf("%w: piece %d", ErrIncomplete, i)
		}
		buf.Write(p.data())
	}
	return buf.Bytes(), nil
}

// PendingChunks lists chunks awaiting a response, in piece then offset order. Timed out chunks
// aren't included.
func (pm *PieceManager) PendingChunks() []ChunkRef {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pendingChunks()
}

func (pm *PieceManager) pendingChunks() (ret []ChunkRef) {
	now := pm.now()
	pm.pieces.Scan(func(i int, p *Piece) bool {
		for _, ci := range p.chunkIndexes() {
			if p.chunks[ci].pending(now, pm.chunkTimeout) {
				ret = append(ret, ChunkRef{Piece: i, Offset: int64(ci) * ChunkSize})
			}
		}
		return true
	})
	return
}

func (pm *PieceManager) PendingChunksCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.pendingChunks())
}

func (pm *PieceManager) CompletedCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.completedCount()
}

func (pm *PieceManager) completedCount() (n int) {
	pm.pieces.Scan(func(_ int, p *Piece) bool {
		if p.Completed() {
			n++
		}
		return true
	})
	return
}

func (pm *PieceManager) MissingCount() int {
	return pm.NumPieces() - pm.CompletedCount()
}

// PieceIndexesFailingHash returns the tracked pieces that don't currently pass their hash check,
// which includes every piece that isn't complete. Every tracked piece is rehashed.
func (pm *PieceManager) PieceIndexesFailingHash() []int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pieceIndexesFailingHash()
}

func (pm *PieceManager) pieceIndexesFailingHash() (ret []int) {
	pm.pieces.Scan(func(i int, p *Piece) bool {
		if !p.IntegrityCheck() {
			ret = append(ret, i)
		}
		return true
	})
	return
}

func (pm *PieceManager) DownloadFinished() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.completedCount() == pm.NumPieces() && len(pm.pieceIndexesFailingHash()) == 0
}

// ChunkStatus describes the chunks of the first piece failing its hash check, one character per
// tracked chunk: P pending, T timed out, . received. It's empty if no piece is failing.
func (pm *PieceManager) ChunkStatus() string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	failing := pm.pieceIndexesFailingHash()
	if len(failing) == 0 {
		return ""
	}
	p, _ := pm.pieces.Get(failing[0])
	return p.chunkStatus()
}

// PrintStatus logs a one line summary of the transfer.
func (pm *PieceManager) PrintStatus() {
	pm.logger.Levelf(log.Info, "%s", pm.statusLine())
}

func (pm *PieceManager) statusLine() string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pending := len(pm.pendingChunks())
	completed := pm.completedCount()
	failing := pm.pieceIndexesFailingHash()
	percent := 100.0
	if pm.NumPieces() != 0 {
		percent = float64(completed) / float64(pm.NumPieces()) * 100
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[TRANSFER_STATUS] t: %d c: %d m: %d p: %d f: %d %%: %.2f%% (%s of %s)",
		pm.NumPieces(),
		completed,
		pm.NumPieces()-completed,
		pending,
		len(failing),
		percent,
		humanize.Bytes(pm.verifiedBytes()),
		humanize.Bytes(uint64(pm.TorrentSize())),
	)
	if len(failing) != 0 {
		p, _ := pm.pieces.Get(failing[0])
		fmt.Fprintf(&sb, " %d %s", failing[0], p.chunkStatus())
	}
	return sb.String()
}

func (pm *PieceManager) verifiedBytes() (n uint64) {
	it := pm.verified.Iterator()
	for it.HasNext() {
		n += uint64(pm.pieceLength(int(it.Next())))
	}
	return
}

// CompletedBitField returns the verified pieces as a BitField, for advertising to peers.
func (pm *PieceManager) CompletedBitField() *bitfield.BitField {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	bf := bitfield.New(pm.NumPieces())
	it := pm.verified.Iterator()
	for it.HasNext() {
		bf.Set(int(it.Next()))
	}
	return bf
}
