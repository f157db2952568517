// Package udpTrackerServer answers UDP tracker connect and announce requests from a fixed peer
// source. It's enough of a tracker to exercise Session end to end.
package udpTrackerServer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/torrent-parrot/torrent/tracker/shared"
	"github.com/torrent-parrot/torrent/tracker/udp"
)

type ConnectionTrackerAddr = string

type ConnectionTracker interface {
	Add(ctx context.Context, addr ConnectionTrackerAddr, id udp.ConnectionId) error
	Check(ctx context.Context, addr ConnectionTrackerAddr, id udp.ConnectionId) (bool, error)
}

// PeerSource returns the peers to hand out for an announce.
type PeerSource func(ctx context.Context, req udp.AnnounceRequest) []shared.Peer

type Server struct {
	ConnTracker  ConnectionTracker
	SendResponse func(ctx context.Context, data []byte, addr net.Addr) (int, error)
	Peers        PeerSource
	// Announce interval in seconds returned to clients.
	Interval int32
	Logger   log.Logger
}

type RequestSourceAddr = net.Addr

var tracer = otel.Tracer("torrent.tracker.udp.server")

func (me *Server) HandleRequest(
	ctx context.Context,
	source RequestSourceAddr,
	body []byte,
) (err error) {
	ctx, span := tracer.Start(ctx, "Server.HandleRequest",
		trace.WithAttributes(attribute.Int("payload.len", len(body))))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	var h udp.RequestHeader
	var r bytes.Reader
	r.Reset(body)
	err = udp.Read(&r, &h)
	if err != nil {
		err = fmt.Errorf("reading request header: %w", err)
		return err
	}
	switch h.Action {
	case udp.ActionConnect:
		if h.ConnectionId != udp.ConnectRequestConnectionId {
			return fmt.Errorf("bad connect magic %x", h.ConnectionId)
		}
		err = me.handleConnect(ctx, source, h.TransactionId)
	case udp.ActionAnnounce:
		err = me.handleAnnounce(ctx, source, h.ConnectionId, h.TransactionId, &r)
	default:
		err = fmt.Errorf("unimplemented")
	}
	if err != nil {
		err = fmt.Errorf("handling action %v: %w", h.Action, err)
	}
	return err
}

func (me *Server) handleAnnounce(
	ctx context.Context,
	source RequestSourceAddr,
	connId udp.ConnectionId,
	tid udp.TransactionId,
	r *bytes.Reader,
) error {
	ok, err := me.ConnTracker.Check(ctx, source.String(), connId)
	if err != nil {
		err = fmt.Errorf("checking conn id: %w", err)
		return err
	}
	if !ok {
		return me.sendError(ctx, source, tid, "Connection ID missmatch.\x00")
	}
	var req udp.AnnounceRequest
	err = udp.Read(r, &req)
	if err != nil {
		return err
	}
	var peers []shared.Peer
	if me.Peers != nil {
		peers = me.Peers(ctx, req)
	}
	if req.NumWant >= 0 && int(req.NumWant) < len(peers) {
		peers = peers[:req.NumWant]
	}
	var buf bytes.Buffer
	err = udp.Write(&buf, udp.ResponseHeader{
		Action:        udp.ActionAnnounce,
		TransactionId: tid,
	})
	if err != nil {
		return err
	}
	err = udp.Write(&buf, udp.AnnounceResponseHeader{
		Interval: me.Interval,
		Seeders:  int32(len(peers)),
	})
	if err != nil {
		return err
	}
	b, err := shared.EncodeCompactPeers(peers)
	if err != nil {
		err = fmt.Errorf("marshalling compact peers: %w", err)
		return err
	}
	buf.Write(b)
	return me.send(ctx, buf.Bytes(), source)
}

func (me *Server) handleConnect(ctx context.Context, source RequestSourceAddr, tid udp.TransactionId) error {
	connId := randomConnectionId()
	err := me.ConnTracker.Add(ctx, source.String(), connId)
	if err != nil {
		err = fmt.Errorf("recording conn id: %w", err)
		return err
	}
	var buf bytes.Buffer
	udp.Write(&buf, udp.ResponseHeader{
		Action:        udp.ActionConnect,
		TransactionId: tid,
	})
	udp.Write(&buf, udp.ConnectionResponse{ConnectionId: connId})
	return me.send(ctx, buf.Bytes(), source)
}

func (me *Server) sendError(ctx context.Context, source RequestSourceAddr, tid udp.TransactionId, msg string) error {
	var buf bytes.Buffer
	udp.Write(&buf, udp.ResponseHeader{
		Action:        udp.ActionError,
		TransactionId: tid,
	})
	buf.WriteString(msg)
	return me.send(ctx, buf.Bytes(), source)
}

func (me *Server) send(ctx context.Context, b []byte, addr net.Addr) error {
	n, err := me.SendResponse(ctx, b, addr)
	if err != nil {
		return err
	}
	if n < len(b) {
		err = io.ErrShortWrite
	}
	return err
}

func randomConnectionId() udp.ConnectionId {
	var b [8]byte
	_, err := rand.Read(b[:])
	if err != nil {
		panic(err)
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// Remembers the last connection id issued to each address.
type MapConnectionTracker struct {
	mu  sync.Mutex
	ids map[ConnectionTrackerAddr]udp.ConnectionId
}

func (me *MapConnectionTracker) Add(_ context.Context, addr ConnectionTrackerAddr, id udp.ConnectionId) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.ids == nil {
		me.ids = make(map[ConnectionTrackerAddr]udp.ConnectionId)
	}
	me.ids[addr] = id
	return nil
}

func (me *MapConnectionTracker) Check(_ context.Context, addr ConnectionTrackerAddr, id udp.ConnectionId) (bool, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	got, ok := me.ids[addr]
	return ok && got == id, nil
}

// RunSimple serves requests arriving on pc until it fails or ctx is done. Requests are handled one
// at a time.
func RunSimple(ctx context.Context, s *Server, pc net.PacketConn) error {
	if s.SendResponse == nil {
		s.SendResponse = func(_ context.Context, data []byte, addr net.Addr) (int, error) {
			return pc.WriteTo(data, addr)
		}
	}
	logger := s.Logger
	if logger.IsZero() {
		logger = log.Default
	}
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()
	var b [1500]byte
	for {
		n, addr, err := pc.ReadFrom(b[:])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		err = s.HandleRequest(ctx, addr, append([]byte(nil), b[:n]...))
		if err != nil {
			logger.Levelf(log.Warning, "error handling %v byte request from %v: %v", n, addr, err)
		}
	}
}
