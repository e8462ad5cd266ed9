// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session drives the peer session protocol: handshake, key
// agreement, file-list negotiation, chunked encrypted transfer, and
// progress signalling, end-to-end over a transport.Conn the relay is
// forwarding opaquely between the two peers.
//
// The negotiation steps (join, PAKE, handshake, list/approve) are a
// strict request/reply sequence and run on the caller's goroutine.
// Chunk transfer is where concurrency actually matters: the sender
// splits into three cooperative tasks backed by internal/worker.Worker.
// A pipeline task (disk read, encrypt, enqueue) runs on the calling
// goroutine, a writer task drains the outbox to the wire, and a reader
// task watches for the peer's Abort or the closing Ack. creditWindow throttles the pipeline task once enough
// bytes are outstanding, but the reader task never shares that queue,
// so a mid-transfer Abort is observed promptly instead of only after
// the last chunk.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PatrykHegenberg/caesar-transfer/crypto/pake"
	"github.com/PatrykHegenberg/caesar-transfer/internal/worker"
	"github.com/PatrykHegenberg/caesar-transfer/relay"
	"github.com/PatrykHegenberg/caesar-transfer/transport"
	"github.com/PatrykHegenberg/caesar-transfer/wire"
)

// Session-layer errors, the subset of the protocol's failure modes not
// already owned by relay/wire/pake/chunkcipher.
var (
	ErrUnexpectedPacket    = errors.New("session: unexpected packet")
	ErrSessionAborted      = errors.New("session: aborted by peer")
	ErrDestinationConflict = errors.New("session: destination conflict")
	ErrSizeMismatch        = errors.New("session: size mismatch")
	ErrHashMismatch        = errors.New("session: hash mismatch")
	ErrListTooLarge        = errors.New("session: list too large")
	ErrInvalidFilename     = errors.New("session: invalid filename")
	ErrUnknownVersion      = errors.New("session: unknown protocol version")
	ErrTimeout             = errors.New("session: timeout")
)

const (
	// joinTimeout bounds the join handshake with the relay.
	joinTimeout = 10 * time.Second
	// pakeTimeout bounds PAKE completion, including the wait for the
	// peer to show up at all.
	pakeTimeout = 30 * time.Second
	// liveness is the inter-chunk liveness timeout: this long with no
	// progress terminates the session.
	liveness = 60 * time.Second
	// maxUnackedBytes is the sender's credit-based backpressure ceiling:
	// pause sending once this many bytes are in flight.
	maxUnackedBytes = 4 << 20
	// outboxDepth matches the relay's per-connection queue capacity.
	outboxDepth = 64
	// heartbeatInterval is how often the receiver emits a Progress
	// packet during an otherwise-silent transfer so the sender's
	// liveness timer does not fire while chunks are still flowing the
	// other way.
	heartbeatInterval = 20 * time.Second
)

// ProgressFunc is the local progress hook: the session invokes it
// synchronously after each chunk. UI adaptation is an external
// collaborator; this package only calls it.
type ProgressFunc func(fileIndex int, bytesDone, bytesTotal uint64)

func noProgress(int, uint64, uint64) {}

// Logger is the subset of *logging.Logger a session needs, satisfied by
// gopkg.in/op/go-logging.v1's *Logger (internal/corelog.Backend.GetLogger).
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{})   {}
func (nopLogger) Infof(string, ...interface{})    {}
func (nopLogger) Warningf(string, ...interface{}) {}
func (nopLogger) Errorf(string, ...interface{})   {}

// joinRelay sends Join{role, name} and waits for JoinAck, translating a
// non-ok status into the matching relay sentinel error.
func joinRelay(ctx context.Context, conn transport.Conn, role wire.Role, name string) error {
	jctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	encoded, err := wire.EncodeControl(&wire.Control{Kind: wire.KindJoin, Role: role, Name: name})
	if err != nil {
		return fmt.Errorf("session: encode join: %w", err)
	}
	if err := conn.Send(jctx, encoded); err != nil {
		return fmt.Errorf("session: send join: %w", err)
	}

	raw, err := conn.Receive(jctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return fmt.Errorf("session: receive join_ack: %w", err)
	}
	ctrl, err := wire.DecodeControl(raw)
	if err != nil || ctrl.Kind != wire.KindJoinAck {
		return fmt.Errorf("session: expected join_ack: %w", ErrUnexpectedPacket)
	}
	switch ctrl.Status {
	case wire.StatusOK:
		return nil
	case wire.StatusNameInUse:
		return relay.ErrNameInUse
	case wire.StatusNoSuchTransfer:
		return relay.ErrNoSuchTransfer
	case wire.StatusAlreadyPaired:
		return relay.ErrAlreadyPaired
	default:
		return fmt.Errorf("session: unknown join_ack status %q", ctrl.Status)
	}
}

// awaitPaired blocks for the relay's Paired control message (sent to
// both peers once the second one joins) and returns the room's
// freshness salt.
func awaitPaired(ctx context.Context, conn transport.Conn) ([32]byte, error) {
	pctx, cancel := context.WithTimeout(ctx, pakeTimeout)
	defer cancel()

	raw, err := conn.Receive(pctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return [32]byte{}, ErrTimeout
		}
		return [32]byte{}, fmt.Errorf("session: receive paired: %w", err)
	}
	ctrl, err := wire.DecodeControl(raw)
	if err != nil || ctrl.Kind != wire.KindPaired {
		return [32]byte{}, fmt.Errorf("session: expected paired: %w", ErrUnexpectedPacket)
	}
	return relay.DecodeSalt(ctrl.RoomSalt)
}

// connExchanger adapts a transport.Conn to pake.Exchanger: send then
// receive, for the two round trips pake.Run performs.
type connExchanger struct {
	ctx  context.Context
	conn transport.Conn
}

func (e *connExchanger) Exchange(message []byte) ([]byte, error) {
	if err := e.conn.Send(e.ctx, message); err != nil {
		return nil, fmt.Errorf("session: pake send: %w", err)
	}
	reply, err := e.conn.Receive(e.ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("session: pake receive: %w", err)
	}
	return reply, nil
}

// runPAKE executes the key agreement over conn, bounded by pakeTimeout.
// Both Sender and Receiver call this identically: pake.Run's two-message
// exchange is symmetric, there is no distinct initiator/responder role.
func runPAKE(ctx context.Context, conn transport.Conn, name string, salt [32]byte, payload []byte) (*pake.Result, error) {
	pctx, cancel := context.WithTimeout(ctx, pakeTimeout)
	defer cancel()
	exch := &connExchanger{ctx: pctx, conn: conn}
	return pake.Run(rand.Reader, exch, name, salt, payload)
}

// sendPacket encodes and sends p as an opaque relay payload.
func sendPacket(ctx context.Context, conn transport.Conn, p wire.Packet) error {
	if err := conn.Send(ctx, wire.Encode(p)); err != nil {
		return fmt.Errorf("session: send %T: %w", p, err)
	}
	return nil
}

// receivePacket reads and decodes the next opaque peer packet, bounded
// by the inter-chunk liveness timeout.
func receivePacket(ctx context.Context, conn transport.Conn, maxFrame int) (wire.Packet, error) {
	lctx, cancel := context.WithTimeout(ctx, liveness)
	defer cancel()
	raw, err := conn.Receive(lctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return wire.Decode(raw, maxFrame)
}

// sendAbort best-effort notifies the peer of a fatal local error before
// the caller tears down the connection.
func sendAbort(ctx context.Context, conn transport.Conn, reason string) {
	actx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = sendPacket(actx, conn, &wire.Abort{Reason: reason})
}

// sanitizeFilename rejects names containing path separators, null
// bytes, or traversal components before the receiver will write them.
func sanitizeFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidFilename)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: contains null byte", ErrInvalidFilename)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: contains path separator", ErrInvalidFilename)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: traversal component", ErrInvalidFilename)
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("%w: not a bare basename", ErrInvalidFilename)
	}
	return nil
}

// progressState is the latest progress snapshot, updated by the
// receive loop and read by the heartbeat task.
type progressState struct {
	fileIndex  atomic.Uint64
	bytesDone  atomic.Uint64
	bytesTotal atomic.Uint64
}

func (st *progressState) set(fileIndex int, done, total uint64) {
	st.fileIndex.Store(uint64(fileIndex))
	st.bytesDone.Store(done)
	st.bytesTotal.Store(total)
}

// startHeartbeat runs a background task that sends the current progress
// snapshot every heartbeatInterval until halted. Repeating an unchanged
// snapshot is deliberate: the packet exists to reset the peer's
// liveness timer, not to report new bytes.
func startHeartbeat(ctx context.Context, conn transport.Conn, st *progressState) *worker.Worker {
	w := new(worker.Worker)
	w.Go(func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.HaltCh():
				return
			case <-ticker.C:
				p := &wire.Progress{
					FileIndex:  st.fileIndex.Load(),
					BytesDone:  st.bytesDone.Load(),
					BytesTotal: st.bytesTotal.Load(),
				}
				if err := sendPacket(ctx, conn, p); err != nil {
					return
				}
			}
		}
	})
	return w
}

// creditWindow implements the sender's credit-based backpressure:
// Acquire blocks the pipeline task once more than maxUnackedBytes are
// outstanding; Release is called by the writer task once a chunk has
// actually gone out over the wire.
type creditWindow struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inflight int64
	max      int64
	closed   bool
}

func newCreditWindow(max int64) *creditWindow {
	w := &creditWindow{max: max}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Acquire blocks until there is room for n more outstanding bytes, or
// the window is closed.
func (w *creditWindow) Acquire(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.closed && w.inflight > 0 && w.inflight+n > w.max {
		w.cond.Wait()
	}
	w.inflight += n
}

// Release frees n bytes of credit, waking any blocked Acquire.
func (w *creditWindow) Release(n int64) {
	w.mu.Lock()
	w.inflight -= n
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Close unblocks every waiting Acquire, used on session teardown.
func (w *creditWindow) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
}
