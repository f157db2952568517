package udp

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	g "github.com/anacrolix/generics"
	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrent-parrot/torrent/tracker/shared"
)

// Returns queued values in order, then repeats the last.
type seqRand []uint32

func (me *seqRand) Uint32() uint32 {
	v := (*me)[0]
	if len(*me) > 1 {
		*me = (*me)[1:]
	}
	return v
}

func newSeqRand(vs ...uint32) *seqRand {
	r := seqRand(vs)
	return &r
}

// Answers each datagram with whatever respond returns. n counts received datagrams from 0.
func startTracker(t *testing.T, respond func(n int, req []byte) [][]byte) (addr string, received *atomic.Int32) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	received = new(atomic.Int32)
	go func() {
		b := make([]byte, 1500)
		for {
			n, from, err := pc.ReadFrom(b)
			if err != nil {
				return
			}
			count := received.Add(1) - 1
			for _, resp := range respond(int(count), append([]byte(nil), b[:n]...)) {
				pc.WriteTo(resp, from)
			}
		}
	}()
	return pc.LocalAddr().String(), received
}

func words(ws ...uint32) (b []byte) {
	for _, w := range ws {
		b = binary.BigEndian.AppendUint32(b, w)
	}
	return
}

func reqTid(req []byte) uint32 {
	return binary.BigEndian.Uint32(req[12:])
}

func reqAction(req []byte) Action {
	return Action(binary.BigEndian.Uint32(req[8:]))
}

var testConnId uint64 = 0x92804b684d0725d8

func connectResponse(tid uint32) []byte {
	return words(0, tid, uint32(testConnId>>32), uint32(testConnId))
}

func announceResponse(tid uint32, peers ...byte) []byte {
	return append(words(1, tid, 1800, 1, 2), peers...)
}

// Plays a well-behaved tracker: connects, then announces returning one peer.
func wellBehaved(_ int, req []byte) [][]byte {
	if reqAction(req) == ActionConnect {
		return [][]byte{connectResponse(reqTid(req))}
	}
	return [][]byte{announceResponse(reqTid(req), 186, 232, 38, 137, 0x1a, 0xe1)}
}

func newTestSession(addr string, r Rand) *Session {
	return NewSession(addr, SessionOpts{
		Network:        "udp4",
		Rand:           r,
		AttemptTimeout: 50 * time.Millisecond,
	})
}

func testAnnounceRequest() AnnounceRequest {
	req := AnnounceRequest{
		Left:    5<<32 | 7,
		NumWant: 50,
		Port:    6881,
	}
	copy(req.InfoHash[:], "01234567890123456789")
	copy(req.PeerId[:], "-PC0001-123456789012")
	return req
}

func TestConnect(t *testing.T) {
	var mu sync.Mutex
	var sent []byte
	addr, _ := startTracker(t, func(_ int, req []byte) [][]byte {
		mu.Lock()
		sent = req
		mu.Unlock()
		return [][]byte{connectResponse(63040)}
	})
	s := newTestSession(addr, newSeqRand(63040))
	defer s.Close()
	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	mu.Lock()
	qt.Check(t, qt.DeepEquals(sent, words(0x417, 0x27101980, 0, 63040)))
	mu.Unlock()
	id, ok := s.ConnectionId()
	qt.Check(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(id, ConnectionId(testConnId)))
	qt.Check(t, qt.Equals(s.State(), Connected))
}

func TestConnectTransactionIdMismatch(t *testing.T) {
	addr, _ := startTracker(t, func(int, []byte) [][]byte {
		return [][]byte{connectResponse(43702)}
	})
	s := newTestSession(addr, newSeqRand(63040))
	defer s.Close()
	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	qt.Check(t, qt.IsFalse(ok))
	_, ok = s.ConnectionId()
	qt.Check(t, qt.IsFalse(ok))
	qt.Check(t, qt.Equals(s.State(), Disconnected))
}

func TestConnectUnexpectedActionIsFatal(t *testing.T) {
	addr, _ := startTracker(t, func(_ int, req []byte) [][]byte {
		return [][]byte{words(1, reqTid(req), 0, 0)}
	})
	s := newTestSession(addr, newSeqRand(7))
	defer s.Close()
	ok, err := s.Connect(context.Background())
	qt.Check(t, qt.IsFalse(ok))
	qt.Check(t, qt.ErrorIs(err, ErrProtocol))
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	qt.Check(t, qt.Equals(pe.Got, ActionAnnounce))
	qt.Check(t, qt.Equals(pe.Want, ActionConnect))
	qt.Check(t, qt.Equals(s.State(), Disconnected))
}

func TestConnectErrorResponse(t *testing.T) {
	addr, _ := startTracker(t, func(_ int, req []byte) [][]byte {
		return [][]byte{append(words(3, reqTid(req)), "go away\x00"...)}
	})
	s := newTestSession(addr, newSeqRand(7))
	defer s.Close()
	_, err := s.Connect(context.Background())
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	qt.Check(t, qt.Equals(pe.Message, "go away\x00"))
	qt.Check(t, qt.ErrorMatches(err, "tracker error response to connect: `go away`"))
}

func TestConnectShortResponse(t *testing.T) {
	addr, _ := startTracker(t, func(_ int, req []byte) [][]byte {
		return [][]byte{words(0, reqTid(req), 1)}
	})
	s := newTestSession(addr, newSeqRand(7))
	defer s.Close()
	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	qt.Check(t, qt.IsFalse(ok))
}

func TestConnectRetriesWithSameTransactionId(t *testing.T) {
	var mu sync.Mutex
	var tids []uint32
	addr, received := startTracker(t, func(n int, req []byte) [][]byte {
		mu.Lock()
		tids = append(tids, reqTid(req))
		mu.Unlock()
		if n < 2 {
			return nil
		}
		return [][]byte{connectResponse(reqTid(req))}
	})
	s := newTestSession(addr, newSeqRand(99, 100))
	defer s.Close()
	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	qt.Check(t, qt.Equals(received.Load(), int32(3)))
	mu.Lock()
	defer mu.Unlock()
	qt.Check(t, qt.DeepEquals(tids, []uint32{99, 99, 99}))
}

func TestConnectGivesUpAfterRetries(t *testing.T) {
	addr, received := startTracker(t, func(int, []byte) [][]byte { return nil })
	s := newTestSession(addr, newSeqRand(1))
	defer s.Close()
	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	qt.Check(t, qt.IsFalse(ok))
	assert.Eventually(t, func() bool { return received.Load() == 4 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	qt.Check(t, qt.Equals(received.Load(), int32(4)))
}

func TestConfiguredRetries(t *testing.T) {
	addr, received := startTracker(t, func(int, []byte) [][]byte { return nil })
	s := NewSession(addr, SessionOpts{
		Network:        "udp4",
		Rand:           newSeqRand(1),
		AttemptTimeout: 20 * time.Millisecond,
		Retries:        g.Some(0),
	})
	defer s.Close()
	ok, _ := s.Connect(context.Background())
	qt.Check(t, qt.IsFalse(ok))
	time.Sleep(100 * time.Millisecond)
	qt.Check(t, qt.Equals(received.Load(), int32(1)))
}

func TestConnectRefused(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()
	s := newTestSession(addr, newSeqRand(1))
	defer s.Close()
	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	qt.Check(t, qt.IsFalse(ok))
}

func TestDialFailure(t *testing.T) {
	s := NewSession("tracker.invalid:1337", SessionOpts{
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, &net.DNSError{Err: "no such host", Name: "tracker.invalid", IsNotFound: true}
		},
	})
	defer s.Close()
	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	qt.Check(t, qt.IsFalse(ok))
	_, _, err = s.Announce(context.Background(), testAnnounceRequest())
	require.NoError(t, err)
}

func TestAnnounce(t *testing.T) {
	var mu sync.Mutex
	var announce []byte
	addr, _ := startTracker(t, func(n int, req []byte) [][]byte {
		if reqAction(req) == ActionAnnounce {
			mu.Lock()
			announce = req
			mu.Unlock()
		}
		return wellBehaved(n, req)
	})
	s := newTestSession(addr, newSeqRand(1, 19553, 321))
	defer s.Close()
	res, ok, err := s.Announce(context.Background(), testAnnounceRequest())
	require.NoError(t, err)
	require.True(t, ok)
	qt.Assert(t, qt.HasLen(res.Peers, 1))
	qt.Check(t, qt.Equals(res.Peers[0].IP.String(), "186.232.38.137"))
	qt.Check(t, qt.Equals(res.Peers[0].Port, 6881))
	qt.Check(t, qt.Equals(res.Interval, int32(1800)))
	qt.Check(t, qt.Equals(res.Leechers, int32(1)))
	qt.Check(t, qt.Equals(res.Seeders, int32(2)))
	qt.Check(t, qt.Equals(s.State(), AnnounceComplete))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, announce, 98)
	u32 := func(off int) uint32 { return binary.BigEndian.Uint32(announce[off:]) }
	qt.Check(t, qt.Equals(uint64(u32(0))<<32|uint64(u32(4)), testConnId))
	qt.Check(t, qt.Equals(u32(8), uint32(1)))
	qt.Check(t, qt.Equals(u32(12), uint32(19553)))
	qt.Check(t, qt.Equals(string(announce[16:36]), "01234567890123456789"))
	qt.Check(t, qt.Equals(string(announce[36:56]), "-PC0001-123456789012"))
	qt.Check(t, qt.Equals(u32(56), uint32(0)))
	qt.Check(t, qt.Equals(u32(60), uint32(0)))
	qt.Check(t, qt.Equals(u32(64), uint32(5)))
	qt.Check(t, qt.Equals(u32(68), uint32(7)))
	qt.Check(t, qt.Equals(u32(72), uint32(0)))
	qt.Check(t, qt.Equals(u32(76), uint32(0)))
	qt.Check(t, qt.Equals(u32(80), uint32(0)))
	qt.Check(t, qt.Equals(u32(84), uint32(0)))
	qt.Check(t, qt.Equals(u32(88), uint32(321)))
	qt.Check(t, qt.Equals(u32(92), uint32(50)))
	qt.Check(t, qt.Equals(binary.BigEndian.Uint16(announce[96:]), uint16(6881)))
}

func TestAnnounceReusesConnectionId(t *testing.T) {
	var connects atomic.Int32
	addr, _ := startTracker(t, func(n int, req []byte) [][]byte {
		if reqAction(req) == ActionConnect {
			connects.Add(1)
		}
		return wellBehaved(n, req)
	})
	now := time.Unix(1000, 0)
	s := NewSession(addr, SessionOpts{
		Network:        "udp4",
		AttemptTimeout: 50 * time.Millisecond,
		Now:            func() time.Time { return now },
	})
	defer s.Close()
	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.Announce(context.Background(), testAnnounceRequest())
	require.NoError(t, err)
	require.True(t, ok)
	qt.Check(t, qt.Equals(connects.Load(), int32(1)))
	now = now.Add(2 * time.Minute)
	_, ok, err = s.Announce(context.Background(), testAnnounceRequest())
	require.NoError(t, err)
	require.True(t, ok)
	qt.Check(t, qt.Equals(connects.Load(), int32(2)))
}

func announceOnlyTracker(t *testing.T, announce func(tid uint32) []byte) string {
	addr, _ := startTracker(t, func(n int, req []byte) [][]byte {
		if reqAction(req) == ActionConnect {
			return wellBehaved(n, req)
		}
		return [][]byte{announce(reqTid(req))}
	})
	return addr
}

func TestAnnounceShortResponse(t *testing.T) {
	for _, tc := range []struct {
		name string
		resp func(tid uint32) []byte
	}{
		{"shorter than header", func(tid uint32) []byte { return words(1, tid, 1800) }},
		{"header only", func(tid uint32) []byte { return announceResponse(tid) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSession(announceOnlyTracker(t, tc.resp), nil)
			defer s.Close()
			_, ok, err := s.Announce(context.Background(), testAnnounceRequest())
			require.NoError(t, err)
			qt.Check(t, qt.IsFalse(ok))
			qt.Check(t, qt.Equals(s.State(), Disconnected))
		})
	}
}

func TestAnnounceTransactionIdMismatch(t *testing.T) {
	s := newTestSession(announceOnlyTracker(t, func(tid uint32) []byte {
		return announceResponse(tid+1, 1, 2, 3, 4, 5, 6)
	}), nil)
	defer s.Close()
	_, ok, err := s.Announce(context.Background(), testAnnounceRequest())
	require.NoError(t, err)
	qt.Check(t, qt.IsFalse(ok))
}

func TestAnnounceUnexpectedActionIsFatal(t *testing.T) {
	s := newTestSession(announceOnlyTracker(t, func(tid uint32) []byte {
		return append(words(0, tid, 1800, 1, 2), 1, 2, 3, 4, 5, 6)
	}), nil)
	defer s.Close()
	_, ok, err := s.Announce(context.Background(), testAnnounceRequest())
	qt.Check(t, qt.IsFalse(ok))
	qt.Check(t, qt.ErrorIs(err, ErrProtocol))
}

func TestAnnounceIgnoresPartialPeerRecord(t *testing.T) {
	s := newTestSession(announceOnlyTracker(t, func(tid uint32) []byte {
		return announceResponse(tid, 10, 0, 0, 1, 0, 80, 10, 0)
	}), nil)
	defer s.Close()
	res, ok, err := s.Announce(context.Background(), testAnnounceRequest())
	require.NoError(t, err)
	require.True(t, ok)
	qt.Check(t, qt.DeepEquals(res.Peers, []shared.Peer{{IP: net.IP{10, 0, 0, 1}, Port: 80}}))
}

func TestCloseAbortsExchange(t *testing.T) {
	addr, _ := startTracker(t, func(int, []byte) [][]byte { return nil })
	s := NewSession(addr, SessionOpts{
		Network:        "udp4",
		AttemptTimeout: 10 * time.Second,
	})
	time.AfterFunc(50*time.Millisecond, func() { s.Close() })
	started := time.Now()
	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	qt.Check(t, qt.IsFalse(ok))
	qt.Check(t, qt.IsTrue(time.Since(started) < 5*time.Second))
	ok, _ = s.Connect(context.Background())
	qt.Check(t, qt.IsFalse(ok))
}

func TestContextCancelAbortsExchange(t *testing.T) {
	addr, _ := startTracker(t, func(int, []byte) [][]byte { return nil })
	s := NewSession(addr, SessionOpts{
		Network:        "udp4",
		AttemptTimeout: 10 * time.Second,
	})
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	started := time.Now()
	ok, err := s.Connect(ctx)
	require.NoError(t, err)
	qt.Check(t, qt.IsFalse(ok))
	qt.Check(t, qt.IsTrue(time.Since(started) < 5*time.Second))
}

// Lets a test act in the window between an attempt's ctx check and its read deadline being set.
type deadlineHookConn struct {
	net.Conn
	onSetReadDeadline func(time.Time)
}

func (me *deadlineHookConn) SetReadDeadline(t time.Time) error {
	me.onSetReadDeadline(t)
	return me.Conn.SetReadDeadline(t)
}

func TestCancelBeforeReadDeadlineAbortsExchange(t *testing.T) {
	addr, _ := startTracker(t, func(int, []byte) [][]byte { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	aborted := make(chan struct{})
	var abortOnce sync.Once
	s := NewSession(addr, SessionOpts{
		Network:        "udp4",
		AttemptTimeout: 10 * time.Second,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, address)
			if err != nil {
				return nil, err
			}
			return &deadlineHookConn{
				Conn: conn,
				onSetReadDeadline: func(t time.Time) {
					if t.Before(time.Unix(2, 0)) {
						abortOnce.Do(func() { close(aborted) })
						return
					}
					// Cancel, and let the abort's deadline land before this one replaces it.
					cancel()
					<-aborted
				},
			}, nil
		},
	})
	defer s.Close()
	started := time.Now()
	ok, err := s.Connect(ctx)
	require.NoError(t, err)
	qt.Check(t, qt.IsFalse(ok))
	qt.Check(t, qt.IsTrue(time.Since(started) < 5*time.Second))
}
