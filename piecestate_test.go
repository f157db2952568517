package torrent

import (
	"fmt"
	"testing"

	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"

	"github.com/torrent-parrot/torrent/internal/testutil"
)

func TestPieceStateRuns(t *testing.T) {
	tor := testutil.MultiChunk()
	pm := NewPieceManager(tor, PieceManagerOpts{})
	qt.Check(t, qt.Equals(fmt.Sprint(pm.PieceStateRuns()), "[4]"))
	receivePiece(t, pm, tor, 0)
	receivePiece(t, pm, tor, 1)
	require.NoError(t, pm.RequestChunk(2, 0))
	require.NoError(t, pm.RequestChunk(2, ChunkSize))
	require.NoError(t, pm.ReceiveChunk(2, 0, chunkData(tor, 2, 0)))
	qt.Check(t, qt.Equals(pm.PieceState(2), PieceState{Partial: true, Pending: true}))
	qt.Check(t, qt.Equals(pm.PieceState(3), PieceState{}))
	qt.Check(t, qt.Equals(fmt.Sprint(pm.PieceStateRuns()), "[2C 1RP 1]"))
}
