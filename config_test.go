package torrent

import (
	"testing"
	"time"

	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"

	"github.com/torrent-parrot/torrent/internal/testutil"
)

func TestDefaultClientConfig(t *testing.T) {
	cfg := NewDefaultClientConfig()
	qt.Check(t, qt.Equals(cfg.ListenPort, uint16(6881)))
	qt.Check(t, qt.Equals(cfg.NumWant, int32(50)))
	qt.Check(t, qt.Equals(cfg.TrackerAttemptTimeout, 1500*time.Millisecond))
	qt.Check(t, qt.Equals(cfg.TrackerRetries, 3))
	qt.Check(t, qt.Equals(cfg.ChunkTimeout, 30*time.Second))
	qt.Check(t, qt.Equals(string(cfg.PeerID[:8]), PeerIDPrefix))

	opts := cfg.TrackerOpts()
	qt.Check(t, qt.Equals(opts.PeerId, [20]byte(cfg.PeerID)))
	qt.Check(t, qt.Equals(opts.Port, uint16(6881)))
	qt.Check(t, qt.Equals(opts.Session.Retries.Value, 3))
	qt.Check(t, qt.Equals(cfg.PieceManagerOpts().ChunkTimeout, 30*time.Second))
}

func TestConfigTrackersSkipsUnusable(t *testing.T) {
	tor := testutil.Greeting()
	tor.Trackers = []string{
		"http://tracker.example/announce",
		"udp://tracker.example:1337",
		"wss://tracker.example",
	}
	md, err := NewMetaInfoData(tor.Metainfo())
	require.NoError(t, err)
	trackers := NewDefaultClientConfig().Trackers(md)
	qt.Assert(t, qt.HasLen(trackers, 1))
	qt.Check(t, qt.Equals(trackers[0].URL(), "udp://tracker.example:1337"))
	require.NoError(t, trackers[0].Close())
}
