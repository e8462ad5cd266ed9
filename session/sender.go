// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/PatrykHegenberg/caesar-transfer/config"
	"github.com/PatrykHegenberg/caesar-transfer/crypto/chunkcipher"
	"github.com/PatrykHegenberg/caesar-transfer/internal/worker"
	"github.com/PatrykHegenberg/caesar-transfer/transport"
	"github.com/PatrykHegenberg/caesar-transfer/wire"
)

// Sender drives the sender side of the peer session protocol:
// handshake, key agreement, file-list negotiation, and chunked
// encrypted transfer.
type Sender struct {
	cfg *config.Config
	log Logger
}

// NewSender constructs a Sender. log may be nil, in which case log
// output is discarded.
func NewSender(cfg *config.Config, log Logger) *Sender {
	if log == nil {
		log = nopLogger{}
	}
	return &Sender{cfg: cfg, log: log}
}

// Result summarizes a completed sender or receiver session.
type Result struct {
	FilesSent int
	BytesSent int64
}

// Send runs the full sender session over an already-dialed conn: it
// joins the relay room as Sender under name, performs PAKE, negotiates
// the file list, and streams every path in paths as encrypted chunks.
// onProgress, if non-nil, is invoked synchronously after each chunk.
func (s *Sender) Send(ctx context.Context, conn transport.Conn, name string, paths []string, onProgress ProgressFunc) (*Result, error) {
	if onProgress == nil {
		onProgress = noProgress
	}

	if err := joinRelay(ctx, conn, wire.RoleSender, name); err != nil {
		return nil, err
	}
	s.log.Infof("joined %q as sender, awaiting receiver", name)

	salt, err := awaitPaired(ctx, conn)
	if err != nil {
		return nil, err
	}
	s.log.Infof("%q paired", name)

	var seed [32]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, fmt.Errorf("session: generate session seed: %w", err)
	}

	kex, err := runPAKE(ctx, conn, name, salt, seed[:])
	if err != nil {
		sendAbort(ctx, conn, "key agreement failed")
		return nil, err
	}

	cipher, err := chunkcipher.New(kex.SessionKey, chunkcipher.SenderToReceiver)
	if err != nil {
		return nil, err
	}

	if err := sendPacket(ctx, conn, &wire.Handshake{
		Version:     s.cfg.ProtocolVersion,
		SessionSeed: seed,
	}); err != nil {
		return nil, err
	}

	resp, err := receivePacket(ctx, conn, wire.DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	hr, ok := resp.(*wire.HandshakeResponse)
	if !ok {
		sendAbort(ctx, conn, "expected handshake response")
		return nil, fmt.Errorf("session: %w: got %T", ErrUnexpectedPacket, resp)
	}
	if hr.AcceptedVersion != s.cfg.ProtocolVersion {
		sendAbort(ctx, conn, "protocol version mismatch")
		return nil, fmt.Errorf("%w: receiver accepted %d, we speak %d", ErrUnknownVersion, hr.AcceptedVersion, s.cfg.ProtocolVersion)
	}

	entries, sizes, err := statFiles(paths)
	if err != nil {
		return nil, err
	}

	if err := sendPacket(ctx, conn, &wire.List{Files: entries}); err != nil {
		return nil, err
	}

	approval, err := receivePacket(ctx, conn, wire.DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	if abort, ok := approval.(*wire.Abort); ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionAborted, abort.Reason)
	}
	if _, ok := approval.(*wire.Approve); !ok {
		sendAbort(ctx, conn, "expected approve or abort")
		return nil, fmt.Errorf("%w: got %T", ErrUnexpectedPacket, approval)
	}

	result, err := s.runTransfer(ctx, conn, cipher, paths, sizes, onProgress)
	if err != nil {
		sendAbort(ctx, conn, err.Error())
		return nil, err
	}

	s.log.Infof("transfer %q complete: %d files, %d bytes", name, result.FilesSent, result.BytesSent)
	return result, nil
}

// queuedPacket is one outbox entry: pkt is what goes on the wire, credit
// is how many plaintext bytes to release from the creditWindow once the
// write actually completes (zero for non-Chunk packets).
type queuedPacket struct {
	pkt    wire.Packet
	credit int64
}

// runTransfer drives the chunked-transfer phase as three cooperative
// tasks: a pipeline task
// (this goroutine) reading, encrypting, and enqueuing chunks; a writer
// task draining the outbox to the wire and releasing credit once each
// write actually lands; and a reader task watching for an early Abort
// or the final Ack concurrently, so a receiver-side decrypt failure
// partway through a large file is noticed immediately rather than only
// after the last chunk.
func (s *Sender) runTransfer(ctx context.Context, conn transport.Conn, cipher *chunkcipher.Cipher, paths []string, sizes []uint64, onProgress ProgressFunc) (*Result, error) {
	credit := newCreditWindow(maxUnackedBytes)
	outbox := make(chan queuedPacket, outboxDepth)
	errCh := make(chan error, 2)
	ackCh := make(chan uint64, 1)

	var w worker.Worker
	w.Go(func() { s.writeLoop(ctx, conn, outbox, credit, errCh) })
	w.Go(func() { s.readLoop(ctx, conn, w.HaltCh(), ackCh, errCh) })

	defer func() {
		credit.Close()
		close(outbox)
		w.Halt()
	}()

	result := &Result{}
	var seq uint64
	var lastFileIndex uint64
	for i, path := range paths {
		select {
		case err := <-errCh:
			return nil, err
		default:
		}
		n, err := s.pipelineFile(cipher, credit, outbox, errCh, seq, i, path, sizes[i], onProgress)
		if err != nil {
			return nil, err
		}
		seq = n
		lastFileIndex = uint64(i)
		result.FilesSent++
		result.BytesSent += int64(sizes[i])
	}

	select {
	case outbox <- queuedPacket{pkt: &wire.TransferEnd{}}:
	case err := <-errCh:
		return nil, err
	}

	select {
	case fileIndex := <-ackCh:
		if fileIndex != lastFileIndex {
			return nil, fmt.Errorf("session: %w: ack for file %d, expected %d", ErrUnexpectedPacket, fileIndex, lastFileIndex)
		}
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeLoop is the network-write task: it drains outbox to the wire in
// order and releases each chunk's credit only once the write actually
// completes, so a slow receiver (whose transport backpressure stalls
// conn.Send) throttles the pipeline task without ever touching the
// read path.
func (s *Sender) writeLoop(ctx context.Context, conn transport.Conn, outbox <-chan queuedPacket, credit *creditWindow, errCh chan<- error) {
	for q := range outbox {
		if err := sendPacket(ctx, conn, q.pkt); err != nil {
			if q.credit > 0 {
				credit.Release(q.credit)
			}
			select {
			case errCh <- err:
			default:
			}
			return
		}
		if q.credit > 0 {
			credit.Release(q.credit)
		}
	}
}

// readLoop is the network-read task: it owns every inbound receive for
// the duration of the transfer, watching for the peer's Abort, an
// occasional Progress heartbeat (ignored), or the terminal Ack. It
// selects on haltCh between reads so Halt returns promptly once the
// pipeline task is done with the connection, rather than blocking on
// the liveness timeout.
func (s *Sender) readLoop(ctx context.Context, conn transport.Conn, haltCh <-chan struct{}, ackCh chan<- uint64, errCh chan<- error) {
	type recvResult struct {
		pkt wire.Packet
		err error
	}
	for {
		resultCh := make(chan recvResult, 1)
		go func() {
			pkt, err := receivePacket(ctx, conn, wire.DefaultMaxFrameSize)
			resultCh <- recvResult{pkt, err}
		}()

		var res recvResult
		select {
		case res = <-resultCh:
		case <-haltCh:
			return
		}

		if res.err != nil {
			select {
			case errCh <- res.err:
			default:
			}
			return
		}
		switch p := res.pkt.(type) {
		case *wire.Progress:
			continue
		case *wire.Abort:
			select {
			case errCh <- fmt.Errorf("%w: %s", ErrSessionAborted, p.Reason):
			default:
			}
			return
		case *wire.Ack:
			ackCh <- p.FileIndex
			return
		default:
			select {
			case errCh <- fmt.Errorf("session: %w: got %T mid-transfer", ErrUnexpectedPacket, res.pkt):
			default:
			}
			return
		}
	}
}

func statFiles(paths []string) ([]wire.FileEntry, []uint64, error) {
	entries := make([]wire.FileEntry, len(paths))
	sizes := make([]uint64, len(paths))
	for i, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, nil, fmt.Errorf("session: stat %s: %w", p, err)
		}
		if fi.Size() < 0 {
			return nil, nil, fmt.Errorf("session: negative size for %s", p)
		}
		entries[i] = wire.FileEntry{Name: filepath.Base(p), Size: uint64(fi.Size())}
		sizes[i] = uint64(fi.Size())
	}
	return entries, sizes, nil
}

// pipelineFile is the pipeline task for one file: it reads,
// encrypts, and enqueues chunks onto outbox for the writer task to send,
// then its FileEnd packet. credit.Acquire and a full outbox are what
// block this goroutine; the connection's own read path (readLoop) runs
// independently, so a slow or misbehaving receiver can never prevent an
// incoming Abort from being noticed mid-file.
// pipelineFile returns the updated session-wide sequence counter:
// chunkcipher's nonce space spans the whole session, not one file, so
// seq must carry over rather than reset at each file boundary.
func (s *Sender) pipelineFile(cipher *chunkcipher.Cipher, credit *creditWindow, outbox chan<- queuedPacket, errCh <-chan error, seq uint64, fileIndex int, path string, size uint64, onProgress ProgressFunc) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return seq, fmt.Errorf("session: open %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	chunkSize := s.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	buf := make([]byte, chunkSize)

	var offset uint64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			plaintext := buf[:n]
			hasher.Write(plaintext)

			credit.Acquire(int64(n))
			ciphertext, tag, err := cipher.Seal(seq, plaintext)
			if err != nil {
				credit.Release(int64(n))
				return seq, fmt.Errorf("session: encrypt chunk: %w", err)
			}
			q := queuedPacket{
				pkt: &wire.Chunk{
					FileIndex:  uint64(fileIndex),
					Offset:     offset,
					Ciphertext: ciphertext,
					AuthTag:    tag,
				},
				credit: int64(n),
			}
			select {
			case outbox <- q:
			case err := <-errCh:
				credit.Release(int64(n))
				return seq, err
			}
			seq++
			offset += uint64(n)
			onProgress(fileIndex, offset, size)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return seq, fmt.Errorf("session: read %s: %w", path, readErr)
		}
	}

	if offset != size {
		return seq, fmt.Errorf("session: %w: %s read %d bytes, expected %d", ErrSizeMismatch, path, offset, size)
	}

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	select {
	case outbox <- queuedPacket{pkt: &wire.FileEnd{FileIndex: uint64(fileIndex), FileHash: hash}}:
	case err := <-errCh:
		return seq, err
	}
	return seq, nil
}
