package tracker

import (
	"bytes"
	"slices"
	"sort"

	"github.com/anacrolix/multiless"

	"github.com/torrent-parrot/torrent/tracker/shared"
)

type (
	Peer          = shared.Peer
	AnnounceEvent = shared.AnnounceEvent
)

const AnnounceEventNone = shared.AnnounceEventNone

// DecodeCompactPeers decodes BEP 23 compact IPv4 peers, as returned by both UDP and HTTP trackers.
// A trailing partial record is ignored.
func DecodeCompactPeers(b []byte) ([]Peer, error) {
	return shared.DecodeCompactPeers(b)
}

// MergePeers sorts peers by address and drops duplicates, such as the same peer returned by
// several trackers.
func MergePeers(peers []Peer) []Peer {
	sort.Slice(peers, func(i, j int) bool {
		l, r := peers[i], peers[j]
		return multiless.New().Cmp(
			bytes.Compare(l.IP.To16(), r.IP.To16()),
		).Int(
			l.Port, r.Port,
		).Less()
	})
	return slices.CompactFunc(peers, func(l, r Peer) bool {
		return l.IP.Equal(r.IP) && l.Port == r.Port
	})
}
