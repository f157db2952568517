package main

import (
	"os"
	"testing"

	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"

	"github.com/torrent-parrot/torrent/internal/testutil"
)

func TestVerifyGoodData(t *testing.T) {
	torrentFile, dataFile := testutil.MultiChunk().WriteFiles(t.TempDir())
	qt.Check(t, qt.IsNil(mainErr(torrentFile, dataFile, true)))
}

func TestVerifyCorruptData(t *testing.T) {
	tor := testutil.MultiChunk()
	torrentFile, dataFile := tor.WriteFiles(t.TempDir())
	b := append([]byte(nil), tor.Data...)
	b[70000]++
	require.NoError(t, os.WriteFile(dataFile, b, 0o644))
	qt.Check(t, qt.ErrorMatches(mainErr(torrentFile, dataFile, false), "data doesn't match torrent"))
}

func TestVerifyTruncatedData(t *testing.T) {
	tor := testutil.MultiChunk()
	torrentFile, dataFile := tor.WriteFiles(t.TempDir())
	require.NoError(t, os.Truncate(dataFile, 100000))
	qt.Check(t, qt.IsNotNil(mainErr(torrentFile, dataFile, false)))
}
