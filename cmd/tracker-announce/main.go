package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/tagflag"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"

	"github.com/torrent-parrot/torrent"
	"github.com/torrent-parrot/torrent/tracker"
	"github.com/torrent-parrot/torrent/tracker/udp"
)

var logger = log.Default.WithNames("main")

func main() {
	flags := struct {
		Port    int           `help:"port announced for incoming peer connections"`
		NumWant int           `help:"peers requested from each tracker"`
		Timeout time.Duration `help:"wait for each tracker response before resending"`
		Debug   bool          `help:"dump full tracker responses"`
		tagflag.StartPos
		Torrents []string `arity:"+"`
	}{
		Port:    6881,
		NumWant: 50,
		Timeout: udp.DefaultAttemptTimeout,
	}
	tagflag.Parse(&flags)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := torrent.NewDefaultClientConfig()
	cfg.Logger = logger
	cfg.ListenPort = uint16(flags.Port)
	cfg.NumWant = int32(flags.NumWant)
	cfg.TrackerAttemptTimeout = flags.Timeout

	var (
		mu    sync.Mutex
		peers []tracker.Peer
	)
	var eg errgroup.Group
	for _, arg := range flags.Torrents {
		md, err := torrent.LoadMetaData(arg)
		if err != nil {
			logger.Levelf(log.Critical, "loading %q: %v", arg, err)
			os.Exit(1)
		}
		announcers := cfg.Trackers(md)
		if len(announcers) == 0 {
			logger.Levelf(log.Warning, "%q has no udp trackers", arg)
		}
		for _, a := range announcers {
			eg.Go(func() error {
				defer a.Close()
				res, ok, err := a.Announce(ctx, md)
				switch {
				case err != nil:
					logger.Levelf(log.Error, "announcing %v to %q: %v", md.InfoHash(), a.URL(), err)
				case !ok:
					logger.Levelf(log.Warning, "no response from %q", a.URL())
				default:
					if flags.Debug {
						logger.Levelf(log.Info, "tracker response from %q: %s", a.URL(), spew.Sdump(res))
					}
					logger.Levelf(log.Info, "%q: %v peers, %v seeders, %v leechers, next announce in %v",
						a.URL(), len(res.Peers), res.Seeders, res.Leechers, time.Duration(res.Interval)*time.Second)
					mu.Lock()
					peers = append(peers, res.Peers...)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	eg.Wait()
	for _, p := range tracker.MergePeers(peers) {
		fmt.Println(p)
	}
}
