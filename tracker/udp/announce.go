package udp

import (
	"github.com/torrent-parrot/torrent/tracker/shared"
)

type AnnounceEvent = shared.AnnounceEvent

// Marshalled as binary by the Session, so be careful making changes.
type AnnounceRequest struct {
	InfoHash   InfoHash
	PeerId     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      AnnounceEvent
	// 0 lets the tracker use the packet's source address.
	IPAddress uint32
	// Overwritten by the Session with a fresh value from its Rand.
	Key     uint32
	NumWant int32
	Port    uint16
} // 82 bytes

type AnnounceResponse struct {
	Interval int32
	Leechers int32
	Seeders  int32
	Peers    []shared.Peer
}
