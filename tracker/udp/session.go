package udp

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/torrent-parrot/torrent/tracker/shared"
)

const (
	DefaultAttemptTimeout = 1500 * time.Millisecond
	// Retries after the first attempt of an exchange.
	DefaultRetries = 3
	// BEP 15: a connection id may be used for one minute after it's received.
	connectionIdLifetime = time.Minute
	// IP limits packet size to 64KiB.
	maxPacketLen = 0x10000
)

var tracer = otel.Tracer("torrent.tracker.udp")

type State int32

const (
	Disconnected State = iota
	Connected
	AnnounceComplete
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case AnnounceComplete:
		return "announce complete"
	}
	return "unknown"
}

// Rand supplies transaction ids and announce keys. *math/rand.Rand satisfies it.
type Rand interface {
	Uint32() uint32
}

type SessionOpts struct {
	// The network to use, such as "udp", "udp4", "udp6". Defaults to "udp".
	Network string
	Logger  log.Logger
	// Defaults to a time-seeded math/rand source.
	Rand           Rand
	AttemptTimeout time.Duration
	// Retries after the first attempt. Defaults to DefaultRetries.
	Retries g.Option[int]
	// Used to age connection ids.
	Now func() time.Time
	// Opens the socket. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Session speaks the UDP tracker protocol with one tracker. Exchanges are serialized, so at most
// one transaction id is awaiting a response on the socket at any time.
type Session struct {
	host   string
	opts   SessionOpts
	logger log.Logger

	// Held for the duration of an exchange.
	mu           sync.Mutex
	connId       ConnectionId
	connIdIssued time.Time
	buf          []byte

	state atomic.Int32

	connMu sync.Mutex
	conn   net.Conn
	closed chansync.SetOnce
}

// NewSession creates a Session for the tracker at host ("host:port"). The socket is opened on the
// first exchange.
func NewSession(host string, opts SessionOpts) *Session {
	if opts.Network == "" {
		opts.Network = "udp"
	}
	if opts.Logger.IsZero() {
		opts.Logger = log.Default
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if !opts.Retries.Ok {
		opts.Retries = g.Some(DefaultRetries)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	return &Session{
		host:   host,
		opts:   opts,
		logger: opts.Logger.WithNames("udp-tracker"),
	}
}

func (s *Session) Host() string {
	return s.host
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// ConnectionId returns the id from the last successful connect, if there was one and no failure
// since.
func (s *Session) ConnectionId() (id ConnectionId, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connId, !s.connIdIssued.IsZero()
}

// Close aborts any exchange in flight and releases the socket. Further exchanges fail.
func (s *Session) Close() error {
	if !s.closed.Set() {
		return nil
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Session) connIdValid() bool {
	return !s.connIdIssued.IsZero() && s.opts.Now().Sub(s.connIdIssued) < connectionIdLifetime
}

func (s *Session) disconnect() {
	s.connId = 0
	s.connIdIssued = time.Time{}
	s.setState(Disconnected)
}

func (s *Session) newTransactionId() TransactionId {
	return TransactionId(s.opts.Rand.Uint32())
}

// Connect obtains a connection id. It returns false without an error for failures worth retrying
// later: timeouts, socket errors, cancellation and transaction id mismatches. A *ProtocolError is
// returned if the tracker answers with the wrong action.
func (s *Session) Connect(ctx context.Context) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) (ok bool, err error) {
	ctx, span := tracer.Start(ctx, "Session.Connect", trace.WithAttributes(attribute.String("host", s.host)))
	defer func() { endSpan(span, ok, err) }()
	s.disconnect()
	tid := s.newTransactionId()
	s.logger.Levelf(log.Debug, "sending connect with transaction id %v to %q", tid, s.host)
	resp, ok := s.exchange(ctx, mustMarshal(RequestHeader{
		ConnectionId:  ConnectRequestConnectionId,
		Action:        ActionConnect,
		TransactionId: tid,
	}))
	if !ok {
		return
	}
	ok = false
	r := bytes.NewReader(resp)
	var h ResponseHeader
	if Read(r, &h) != nil {
		s.logger.Levelf(log.Warning, "connect response from %q only %v bytes long", s.host, len(resp))
		return
	}
	if !s.checkResponse(h, tid, ActionConnect, resp, &err) {
		return
	}
	var cr ConnectionResponse
	if Read(r, &cr) != nil {
		s.logger.Levelf(log.Warning, "connect response from %q only %v bytes long", s.host, len(resp))
		return
	}
	s.connId = cr.ConnectionId
	s.connIdIssued = s.opts.Now()
	s.setState(Connected)
	return true, nil
}

// Announce requests peers for req.InfoHash, connecting first if there's no valid connection id.
// Failures are reported as for Connect. Responses too short to carry a peer are failures.
func (s *Session) Announce(ctx context.Context, req AnnounceRequest) (res AnnounceResponse, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, span := tracer.Start(ctx, "Session.Announce", trace.WithAttributes(
		attribute.String("host", s.host),
		attribute.Int("num_want", int(req.NumWant)),
	))
	defer func() { endSpan(span, ok, err) }()
	if !s.connIdValid() {
		ok, err = s.connect(ctx)
		if !ok {
			return
		}
	}
	tid := s.newTransactionId()
	req.Key = s.opts.Rand.Uint32()
	resp, ok := s.exchange(ctx, mustMarshal(RequestHeader{
		ConnectionId:  s.connId,
		Action:        ActionAnnounce,
		TransactionId: tid,
	}, req))
	if !ok {
		s.disconnect()
		return
	}
	ok = false
	if len(resp) <= announceRespHeaderLen {
		s.logger.Levelf(log.Warning, "announce response from %q only %v bytes long: %x", s.host, len(resp), resp)
		s.disconnect()
		return
	}
	r := bytes.NewReader(resp)
	var h ResponseHeader
	var ah AnnounceResponseHeader
	// Can't fail, the length is checked above.
	Read(r, &h)
	Read(r, &ah)
	if !s.checkResponse(h, tid, ActionAnnounce, resp, &err) {
		return
	}
	peers, decodeErr := shared.DecodeCompactPeers(resp[announceRespHeaderLen:])
	if decodeErr != nil {
		s.logger.Levelf(log.Warning, "decoding peers from %q: %v", s.host, decodeErr)
		s.disconnect()
		return
	}
	s.logger.Levelf(log.Debug, "%q returned %v peers, interval %v, %v leechers, %v seeders",
		s.host, len(peers), ah.Interval, ah.Leechers, ah.Seeders)
	s.setState(AnnounceComplete)
	return AnnounceResponse{
		Interval: ah.Interval,
		Leechers: ah.Leechers,
		Seeders:  ah.Seeders,
		Peers:    peers,
	}, true, nil
}

// Validates a response header. A transaction id mismatch is a silent failure, an unexpected action
// sets *err.
func (s *Session) checkResponse(h ResponseHeader, tid TransactionId, want Action, resp []byte, err *error) bool {
	if h.TransactionId != tid {
		s.logger.Levelf(log.Debug, "%q answered transaction id %v, expected %v", s.host, h.TransactionId, tid)
		s.disconnect()
		return false
	}
	if h.Action != want {
		pe := &ProtocolError{Want: want, Got: h.Action}
		if h.Action == ActionError {
			pe.Message = string(resp[responseHeaderLen:])
		}
		s.disconnect()
		*err = pe
		return false
	}
	return true
}

func (s *Session) socket(ctx context.Context) (net.Conn, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed.IsSet() {
		return nil, net.ErrClosed
	}
	if s.conn == nil {
		conn, err := s.opts.Dial(ctx, s.opts.Network, s.host)
		if err != nil {
			return nil, err
		}
		s.conn = conn
	}
	return s.conn, nil
}

type attemptOutcome int

const (
	attemptOk attemptOutcome = iota
	attemptTimedOut
	attemptFailed
)

// Sends req and waits for a response, resending after each timeout until the retries are spent.
func (s *Session) exchange(ctx context.Context, req []byte) (resp []byte, ok bool) {
	conn, err := s.socket(ctx)
	if err != nil {
		s.logger.Levelf(log.Warning, "opening socket to %q: %v", s.host, err)
		return
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()
	attempts := s.opts.Retries.Value + 1
	for n := range attempts {
		var outcome attemptOutcome
		outcome, resp = s.attempt(ctx, conn, req)
		switch outcome {
		case attemptOk:
			return resp, true
		case attemptTimedOut:
			s.logger.Levelf(log.Debug, "attempt %v/%v to %q timed out", n+1, attempts, s.host)
		case attemptFailed:
			return nil, false
		}
	}
	s.logger.Levelf(log.Warning, "no response from %q after %v attempts", s.host, attempts)
	return nil, false
}

func (s *Session) attempt(ctx context.Context, conn net.Conn, req []byte) (attemptOutcome, []byte) {
	if ctx.Err() != nil || s.closed.IsSet() {
		return attemptFailed, nil
	}
	_, err := conn.Write(req)
	if err != nil {
		s.logger.Levelf(log.Warning, "writing to %q: %v", s.host, err)
		return attemptFailed, nil
	}
	deadline := time.Now().Add(s.opts.AttemptTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	// An abort that landed since the check above had its deadline overwritten.
	if ctx.Err() != nil || s.closed.IsSet() {
		return attemptFailed, nil
	}
	if s.buf == nil {
		s.buf = make([]byte, maxPacketLen)
	}
	n, err := conn.Read(s.buf)
	if err != nil {
		if ctx.Err() != nil || s.closed.IsSet() {
			s.logger.Levelf(log.Debug, "exchange with %q abandoned: %v", s.host, err)
			return attemptFailed, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return attemptTimedOut, nil
		}
		s.logger.Levelf(log.Warning, "reading from %q: %v", s.host, err)
		return attemptFailed, nil
	}
	return attemptOk, bytes.Clone(s.buf[:n])
}

func endSpan(span trace.Span, ok bool, err error) {
	switch {
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
	case !ok:
		span.SetStatus(codes.Error, "recoverable failure")
	}
	span.End()
}
