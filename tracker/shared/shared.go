// Package shared holds the tracker announce contract common to the UDP and HTTP transports.
package shared

import (
	"fmt"
	"net"
	"strconv"

	"github.com/anacrolix/dht/v2/krpc"
)

type AnnounceEvent int32

// See BEP 3, "event". Only AnnounceEventNone is sent by this client.
const (
	// Default event, equivalent to unspecified
	AnnounceEventNone AnnounceEvent = iota
	// Local peer just completed the torrent.
	AnnounceEventCompleted
	// Local peer has just resumed this torrent.
	AnnounceEventStarted
	// Local peer is leaving the swarm.
	AnnounceEventStopped
)

var announceEventStrings = []string{"", "completed", "started", "stopped"}

func (e AnnounceEvent) String() string {
	if e < 0 || int(e) >= len(announceEventStrings) {
		return ""
	}
	return announceEventStrings[e]
}

func (e *AnnounceEvent) UnmarshalText(text []byte) error {
	for key, str := range announceEventStrings {
		if string(text) == str {
			*e = AnnounceEvent(key)
			return nil
		}
	}
	return fmt.Errorf("unknown event %q", text)
}

// Length of one compact IPv4 peer record: 4 address octets then a big-endian port.
const CompactPeerLen = 6

// Peer is an address returned by a tracker.
type Peer struct {
	IP   net.IP
	Port int
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

func PeerFromNodeAddr(na krpc.NodeAddr) Peer {
	return Peer{IP: na.IP, Port: na.Port}
}

// DecodeCompactPeers decodes a compact IPv4 peer list. A trailing partial record is ignored.
func DecodeCompactPeers(b []byte) (peers []Peer, err error) {
	b = b[:len(b)/CompactPeerLen*CompactPeerLen]
	var nas krpc.CompactIPv4NodeAddrs
	err = nas.UnmarshalBinary(b)
	if err != nil {
		err = fmt.Errorf("unmarshalling compact peers: %w", err)
		return
	}
	peers = make([]Peer, 0, len(nas))
	for _, na := range nas {
		peers = append(peers, PeerFromNodeAddr(na))
	}
	return
}

// EncodeCompactPeers is the inverse of DecodeCompactPeers. Peers without an IPv4 address are
// skipped.
func EncodeCompactPeers(peers []Peer) ([]byte, error) {
	nas := make(krpc.CompactIPv4NodeAddrs, 0, len(peers))
	for _, p := range peers {
		ip := p.IP.To4()
		if ip == nil {
			continue
		}
		nas = append(nas, krpc.NodeAddr{IP: ip, Port: p.Port})
	}
	return nas.MarshalBinary()
}
