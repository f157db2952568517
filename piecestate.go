package torrent

import (
	"fmt"

	"github.com/anacrolix/missinggo"
)

// The current state of a piece.
type PieceState struct {
	// The piece passed its hash check.
	Complete bool
	// Some of the piece has been received.
	Partial bool
	// Chunks have been requested and not yet received or timed out.
	Pending bool
}

// Represents a series of consecutive pieces with the same state.
type PieceStateRun struct {
	PieceState
	Length int // How many consecutive pieces have this state.
}

// Produces a small string representing a PieceStateRun.
func (psr PieceStateRun) String() (ret string) {
	ret = fmt.Sprintf("%d", psr.Length)
	if psr.Pending {
		ret += "R"
	}
	if psr.Partial {
		ret += "P"
	}
	if psr.Complete {
		ret += "C"
	}
	return
}

func (pm *PieceManager) PieceState(index int) PieceState {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pieceState(index)
}

func (pm *PieceManager) pieceState(index int) (ret PieceState) {
	p, ok := pm.pieces.Get(index)
	if !ok {
		return
	}
	ret.Complete = pm.verified.Contains(uint32(index))
	now := pm.now()
	for _, c := range p.chunks {
		if c.received() {
			ret.Partial = !ret.Complete
		}
		if c.pending(now, pm.chunkTimeout) {
			ret.Pending = true
		}
	}
	return
}

// PieceStateRuns summarizes the state of every piece in the transfer.
func (pm *PieceManager) PieceStateRuns() (ret []PieceStateRun) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	rle := missinggo.NewRunLengthEncoder(func(el interface{}, count uint64) {
		ret = append(ret, PieceStateRun{
			PieceState: el.(PieceState),
			Length:     int(count),
		})
	})
	for index := range pm.NumPieces() {
		rle.Append(pm.pieceState(index), 1)
	}
	rle.Flush()
	return
}
