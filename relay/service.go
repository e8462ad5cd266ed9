// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/PatrykHegenberg/caesar-transfer/internal/corelog"
	"github.com/PatrykHegenberg/caesar-transfer/internal/worker"
	"github.com/PatrykHegenberg/caesar-transfer/relay/metrics"
	"github.com/PatrykHegenberg/caesar-transfer/relay/ratelimit"
	"github.com/PatrykHegenberg/caesar-transfer/transport"
	"github.com/PatrykHegenberg/caesar-transfer/wire"
	"github.com/google/uuid"
	logging "gopkg.in/op/go-logging.v1"
)

// connState is a peer connection's position in its state machine:
// Connecting -> AwaitingJoin -> Joined -> (Paired -> Forwarding)* -> Closed.
type connState int

const (
	stateConnecting connState = iota
	stateAwaitingJoin
	stateJoined
	statePaired
	stateClosed
)

const outboxDepth = 64

// Limiter is the subset of ratelimit.Limiter the Service depends on,
// satisfied by *ratelimit.Limiter; nil disables rate limiting.
type Limiter interface {
	Allow(addr string) (bool, error)
}

// Service runs the relay's per-connection state machine over the
// shared Registry.
type Service struct {
	registry *Registry
	limiter  Limiter
	log      *logging.Logger
}

// NewService constructs a Service. limiter may be nil to disable
// per-address join throttling.
func NewService(registry *Registry, limiter Limiter, logBackend *corelog.Backend) *Service {
	return &Service{
		registry: registry,
		limiter:  limiter,
		log:      logBackend.GetLogger("relay"),
	}
}

// connHandler drives one connection's state machine and implements
// Sink so the Registry can deliver frames and pairing notices to it.
type connHandler struct {
	svc  *Service
	conn transport.Conn
	w    worker.Worker

	id     uuid.UUID
	outbox chan []byte
	role   wire.Role
	name   string
	room   *Room

	// state is read and written from both this connection's own
	// goroutine and, via Paired, the partner connection's goroutine
	// (Registry.Join calls Paired synchronously on the pairing caller's
	// stack while holding the room's lock), so it must be atomic.
	state atomic.Int32
}

func (h *connHandler) getState() connState  { return connState(h.state.Load()) }
func (h *connHandler) setState(s connState) { h.state.Store(int32(s)) }

// HandleConn runs the connection to completion; it returns once the
// connection has reached Closed. remoteAddr is used for rate limiting.
// Every connection is tagged with a random correlation ID so its log
// lines can be grepped out of a busy relay's output even before it has
// joined a room (and thus before h.name means anything).
func (s *Service) HandleConn(ctx context.Context, conn transport.Conn, remoteAddr string) {
	h := &connHandler{
		svc:    s,
		conn:   conn,
		id:     uuid.New(),
		outbox: make(chan []byte, outboxDepth),
	}
	h.w.Go(func() { h.writeLoop(ctx) })
	h.run(ctx, remoteAddr)
	h.teardown()
	h.w.Halt()
}

func (h *connHandler) writeLoop(ctx context.Context) {
	for {
		select {
		case <-h.w.HaltCh():
			return
		case payload := <-h.outbox:
			if err := h.conn.Send(ctx, payload); err != nil {
				return
			}
		}
	}
}

func (h *connHandler) run(ctx context.Context, remoteAddr string) {
	h.setState(stateAwaitingJoin)

	raw, err := h.conn.Receive(ctx)
	if err != nil {
		h.svc.log.Debugf("conn %s: closed before join: %v", h.id, err)
		return
	}
	ctrl, err := wire.DecodeControl(raw)
	if err != nil || ctrl.Kind != wire.KindJoin {
		h.svc.log.Warningf("conn %s: bad request from %s: %v", h.id, remoteAddr, err)
		return
	}

	if h.svc.limiter != nil {
		allowed, err := h.svc.limiter.Allow(remoteAddr)
		if err != nil {
			h.svc.log.Errorf("ratelimit error for %s: %v", remoteAddr, err)
			return
		}
		if !allowed {
			metrics.JoinsRateLimited.Inc()
			h.sendJoinAck(ctx, wire.StatusNameInUse)
			return
		}
	}

	h.role = ctrl.Role
	h.name = ctrl.Name

	room, paired, err := h.svc.registry.Join(h.name, h.role, h)
	if err != nil {
		status := statusFor(err)
		metrics.JoinsTotal.WithLabelValues(string(h.role), string(status)).Inc()
		h.sendJoinAck(ctx, status)
		return
	}
	h.room = room
	h.setState(stateJoined)
	metrics.JoinsTotal.WithLabelValues(string(h.role), string(wire.StatusOK)).Inc()
	metrics.RoomsActive.Set(float64(h.svc.registry.Len()))
	h.svc.log.Infof("conn %s: %s joined %q", h.id, h.role, h.name)

	if !h.sendJoinAck(ctx, wire.StatusOK) {
		return
	}

	// If this join completed the pairing, the registry notified the
	// waiting partner through its sink; this connection's own Paired
	// message is sent here, directly, so it cannot overtake the JoinAck
	// just written above.
	if paired {
		h.setState(statePaired)
		encoded, perr := wire.EncodeControl(&wire.Control{
			Kind:     wire.KindPaired,
			RoomSalt: encodeSalt(room.Salt),
		})
		if perr != nil {
			h.svc.log.Errorf("encode paired: %v", perr)
			return
		}
		if err := h.conn.Send(ctx, encoded); err != nil {
			return
		}
	}

	h.forwardLoop(ctx)
}

func (h *connHandler) sendJoinAck(ctx context.Context, status wire.JoinStatus) bool {
	encoded, err := wire.EncodeControl(&wire.Control{Kind: wire.KindJoinAck, Status: status})
	if err != nil {
		h.svc.log.Errorf("encode join_ack: %v", err)
		return false
	}
	if err := h.conn.Send(ctx, encoded); err != nil {
		return false
	}
	return status == wire.StatusOK
}

func (h *connHandler) forwardLoop(ctx context.Context) {
	for {
		raw, err := h.conn.Receive(ctx)
		if err != nil {
			return
		}

		if h.getState() != statePaired {
			if ctrl, cerr := wire.DecodeControl(raw); cerr == nil && ctrl.Kind == wire.KindLeave {
				return
			}
		}

		if err := h.svc.registry.Forward(h.room, h.role, raw); err != nil {
			h.svc.log.Debugf("conn %s: forward failed for %q: %v", h.id, h.name, err)
			return
		}
		metrics.FramesForwardedTotal.Inc()
		metrics.FramesForwardedBytes.Add(float64(len(raw)))
	}
}

func (h *connHandler) teardown() {
	if h.getState() == stateClosed {
		return
	}
	h.setState(stateClosed)
	h.conn.Close()
	if h.room != nil {
		h.svc.registry.Leave(h.room, h.role)
		metrics.RoomsClosedTotal.WithLabelValues("disconnect").Inc()
		metrics.RoomsActive.Set(float64(h.svc.registry.Len()))
	}
}

// Deliver implements Sink: it enqueues payload for this connection's
// writer task. On the forwarding path no registry or room lock is held
// here (Forward releases both before calling; only Paired, called from
// Registry.Join, reaches Deliver with the room lock held), so blocking
// on a full outbox is cooperative backpressure: the forwarding peer's reader stalls until this
// connection's writer drains a slot or the handler halts.
func (h *connHandler) Deliver(payload []byte) error {
	select {
	case h.outbox <- payload:
		return nil
	case <-h.w.HaltCh():
		return errors.New("relay: connection halted")
	}
}

// Close implements Sink: it closes the underlying transport so this
// connection's blocked Receive call returns and its loops can unwind
// into teardown.
func (h *connHandler) Close() {
	h.conn.Close()
}

// Paired implements Sink: it emits the wire-level Paired control
// message carrying the room's freshness salt.
func (h *connHandler) Paired(salt [32]byte) {
	h.setState(statePaired)
	encoded, err := wire.EncodeControl(&wire.Control{
		Kind:     wire.KindPaired,
		RoomSalt: encodeSalt(salt),
	})
	if err != nil {
		h.svc.log.Errorf("encode paired: %v", err)
		return
	}
	_ = h.Deliver(encoded)
}

func statusFor(err error) wire.JoinStatus {
	switch {
	case errors.Is(err, ErrNameInUse):
		return wire.StatusNameInUse
	case errors.Is(err, ErrNoSuchTransfer):
		return wire.StatusNoSuchTransfer
	case errors.Is(err, ErrAlreadyPaired):
		return wire.StatusAlreadyPaired
	default:
		return wire.StatusNoSuchTransfer
	}
}

var _ Limiter = (*ratelimit.Limiter)(nil)
