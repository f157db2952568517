package tracker

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"

	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"

	"github.com/torrent-parrot/torrent/tracker/udp"
	udpTrackerServer "github.com/torrent-parrot/torrent/tracker/udp/server"
)

type testTorrent struct {
	infoHash [sha1.Size]byte
	size     int64
}

func (me testTorrent) InfoHash() [sha1.Size]byte { return me.infoHash }
func (me testTorrent) Size() int64               { return me.size }

func TestUnsupportedTrackerScheme(t *testing.T) {
	t.Parallel()
	_, err := New("lol://tracker.openbittorrent.com:80/announce", Opts{})
	qt.Check(t, qt.ErrorIs(err, ErrBadScheme))
	for _, u := range []string{"http://tracker.example:80/announce", "https://tracker.example/announce"} {
		_, err = New(u, Opts{})
		qt.Check(t, qt.ErrorIs(err, ErrUnsupportedScheme))
	}
}

func TestUdpUrlNeedsPort(t *testing.T) {
	_, err := New("udp://tracker.example/announce", Opts{})
	qt.Check(t, qt.IsNotNil(err))
}

func TestAnnounceUdp(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reqs := make(chan udp.AnnounceRequest, 1)
	go udpTrackerServer.RunSimple(ctx, &udpTrackerServer.Server{
		ConnTracker: &udpTrackerServer.MapConnectionTracker{},
		Peers: func(_ context.Context, req udp.AnnounceRequest) []Peer {
			reqs <- req
			return []Peer{{IP: net.IP{186, 232, 38, 137}, Port: 6881}}
		},
		Interval: 60,
	}, pc)

	opts := Opts{Port: 6881, NumWant: 50}
	copy(opts.PeerId[:], "-PC0001-000000000001")
	a, err := New("udp4://"+pc.LocalAddr().String()+"/announce", opts)
	require.NoError(t, err)
	defer a.Close()
	tor := testTorrent{size: 1 << 33}
	tor.infoHash[0] = 0xaa
	res, ok, err := a.Announce(ctx, tor)
	require.NoError(t, err)
	require.True(t, ok)
	qt.Check(t, qt.HasLen(res.Peers, 1))
	qt.Check(t, qt.Equals(res.Peers[0].String(), "186.232.38.137:6881"))
	qt.Check(t, qt.Equals(res.Interval, int32(60)))
	req := <-reqs
	qt.Check(t, qt.Equals(req.Left, int64(1<<33)))
	qt.Check(t, qt.Equals(req.InfoHash, tor.infoHash))
	qt.Check(t, qt.Equals(req.PeerId, opts.PeerId))
	qt.Check(t, qt.Equals(req.NumWant, int32(50)))
	qt.Check(t, qt.Equals(req.Port, uint16(6881)))
	qt.Check(t, qt.Equals(req.Event, AnnounceEventNone))
}

func TestDecodeCompactPeers(t *testing.T) {
	peers, err := DecodeCompactPeers([]byte{186, 232, 38, 137, 0x1a, 0xe1, 1})
	require.NoError(t, err)
	qt.Assert(t, qt.HasLen(peers, 1))
	qt.Check(t, qt.Equals(peers[0].Port, 6881))
}

func TestMergePeers(t *testing.T) {
	peers := MergePeers([]Peer{
		{IP: net.IP{10, 0, 0, 2}, Port: 1},
		{IP: net.IP{10, 0, 0, 1}, Port: 2},
		{IP: net.ParseIP("10.0.0.2"), Port: 1},
		{IP: net.IP{10, 0, 0, 1}, Port: 1},
	})
	var got []string
	for _, p := range peers {
		got = append(got, p.String())
	}
	qt.Check(t, qt.DeepEquals(got, []string{"10.0.0.1:1", "10.0.0.1:2", "10.0.0.2:1"}))
}
