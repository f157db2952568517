package tracker

import (
	"context"
	"net/url"

	"github.com/torrent-parrot/torrent/tracker/udp"
)

type udpAnnouncer struct {
	url     url.URL
	opts    Opts
	session *udp.Session
}

func newUdpAnnouncer(u *url.URL, opts Opts) *udpAnnouncer {
	return &udpAnnouncer{
		url:     *u,
		opts:    opts,
		session: udp.NewSession(u.Host, opts.Session),
	}
}

func (c *udpAnnouncer) Announce(ctx context.Context, t Torrent) (res AnnounceResponse, ok bool, err error) {
	ur, ok, err := c.session.Announce(ctx, udp.AnnounceRequest{
		InfoHash: t.InfoHash(),
		PeerId:   c.opts.PeerId,
		Left:     t.Size(),
		Event:    AnnounceEventNone,
		NumWant:  c.opts.NumWant,
		Port:     c.opts.Port,
	})
	if !ok {
		return
	}
	return AnnounceResponse{
		Interval: ur.Interval,
		Leechers: ur.Leechers,
		Seeders:  ur.Seeders,
		Peers:    ur.Peers,
	}, true, nil
}

func (c *udpAnnouncer) URL() string {
	return c.url.String()
}

func (c *udpAnnouncer) Close() error {
	return c.session.Close()
}
