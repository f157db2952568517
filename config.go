package torrent

import (
	"math/rand"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	"github.com/torrent-parrot/torrent/tracker"
	"github.com/torrent-parrot/torrent/tracker/udp"
)

// Probably not safe to modify this after it's been used to create PieceManagers or trackers. Rand
// is shared, so creation from multiple goroutines must be synchronized by the caller.
type ClientConfig struct {
	Logger log.Logger
	// Source for peer ids, transaction ids and announce keys. Deterministic sources are useful in
	// tests.
	Rand   *rand.Rand
	PeerID PeerID

	// The port announced to trackers for incoming peer connections.
	ListenPort uint16 `long:"listen-port"`
	// Peers requested from each tracker per announce.
	NumWant int32 `long:"num-want"`
	// How long to wait for each tracker response before resending.
	TrackerAttemptTimeout time.Duration `long:"tracker-attempt-timeout"`
	// Resends after the first attempt of a tracker exchange.
	TrackerRetries int `long:"tracker-retries"`
	// How long a chunk request may stay unanswered before it's considered lost and the chunk can
	// be requested again.
	ChunkTimeout time.Duration `long:"chunk-timeout"`
}

func NewDefaultClientConfig() *ClientConfig {
	cc := &ClientConfig{
		Logger:                log.Default,
		Rand:                  rand.New(rand.NewSource(time.Now().UnixNano())),
		ListenPort:            6881,
		NumWant:               50,
		TrackerAttemptTimeout: udp.DefaultAttemptTimeout,
		TrackerRetries:        udp.DefaultRetries,
		ChunkTimeout:          30 * time.Second,
	}
	cc.PeerID = NewPeerID(cc.Rand)
	return cc
}

func (cfg *ClientConfig) PieceManagerOpts() PieceManagerOpts {
	return PieceManagerOpts{
		Logger:       cfg.Logger,
		ChunkTimeout: cfg.ChunkTimeout,
	}
}

func (cfg *ClientConfig) TrackerOpts() tracker.Opts {
	return tracker.Opts{
		PeerId:  cfg.PeerID,
		Port:    cfg.ListenPort,
		NumWant: cfg.NumWant,
		Session: udp.SessionOpts{
			Logger: cfg.Logger,
			// Sessions run concurrently, and *rand.Rand isn't safe for that.
			Rand:           rand.New(rand.NewSource(cfg.Rand.Int63())),
			AttemptTimeout: cfg.TrackerAttemptTimeout,
			Retries:        g.Some(cfg.TrackerRetries),
		},
	}
}

// NewTracker returns an Announcer for the tracker at url.
func (cfg *ClientConfig) NewTracker(url string) (tracker.Announcer, error) {
	return tracker.New(url, cfg.TrackerOpts())
}

// Trackers returns an Announcer for each tracker of md that this client can talk to. Trackers
// that can't be used are logged and skipped.
func (cfg *ClientConfig) Trackers(md *MetaInfoData) (ret []tracker.Announcer) {
	for _, url := range md.Trackers() {
		a, err := cfg.NewTracker(url)
		if err != nil {
			cfg.Logger.Levelf(log.Debug, "skipping tracker %q: %v", url, err)
			continue
		}
		ret = append(ret, a)
	}
	return
}
