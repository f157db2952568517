// Package tracker announces torrents to trackers, choosing the transport from the announce URL.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net/url"

	"github.com/torrent-parrot/torrent/tracker/udp"
)

var (
	ErrBadScheme = errors.New("unknown scheme")
	// HTTP trackers are recognized but not implemented.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
)

// Torrent is what an announce needs from a transfer.
type Torrent interface {
	InfoHash() [sha1.Size]byte
	// Total length in bytes, announced as the amount left to download.
	Size() int64
}

type AnnounceResponse struct {
	// Seconds until the tracker wants the next announce.
	Interval int32
	Leechers int32
	Seeders  int32
	Peers    []Peer
}

// Announcer announces to a single tracker. Announce returns false without an error for failures
// that may succeed on a later attempt.
type Announcer interface {
	Announce(ctx context.Context, t Torrent) (AnnounceResponse, bool, error)
	URL() string
	Close() error
}

type Opts struct {
	PeerId  [20]byte
	Port    uint16
	NumWant int32
	// Passed through to UDP tracker sessions. Network is set from udp4 and udp6 URL schemes.
	Session udp.SessionOpts
}

func New(rawURL string, opts Opts) (Announcer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing tracker url: %w", err)
	}
	switch u.Scheme {
	case "udp", "udp4", "udp6":
		if u.Port() == "" {
			return nil, fmt.Errorf("udp tracker url %q has no port", rawURL)
		}
		if u.Scheme != "udp" {
			opts.Session.Network = u.Scheme
		}
		return newUdpAnnouncer(u, opts), nil
	case "http", "https":
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	default:
		return nil, fmt.Errorf("%w %q", ErrBadScheme, u.Scheme)
	}
}
