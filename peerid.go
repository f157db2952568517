package torrent

import (
	"encoding/hex"
	"strconv"
)

// Azureus-style client prefix for generated peer ids.
const PeerIDPrefix = "-PC0001-"

type PeerID [20]byte

func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

type intnRand interface {
	Intn(n int) int
}

// NewPeerID returns PeerIDPrefix followed by 12 random decimal digits.
func NewPeerID(r intnRand) (ret PeerID) {
	n := copy(ret[:], PeerIDPrefix)
	for i := n; i < len(ret); i++ {
		ret[i] = strconv.Itoa(r.Intn(10))[0]
	}
	return
}
