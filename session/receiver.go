// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/PatrykHegenberg/caesar-transfer/config"
	"github.com/PatrykHegenberg/caesar-transfer/crypto/chunkcipher"
	"github.com/PatrykHegenberg/caesar-transfer/transport"
	"github.com/PatrykHegenberg/caesar-transfer/wire"
)

// Receiver drives the receiver side of the peer session protocol:
// key agreement, list validation and approval, chunked decryption and
// verification, and completion acknowledgement.
type Receiver struct {
	cfg *config.Config
	log Logger
}

// NewReceiver constructs a Receiver. log may be nil, in which case log
// output is discarded.
func NewReceiver(cfg *config.Config, log Logger) *Receiver {
	if log == nil {
		log = nopLogger{}
	}
	return &Receiver{cfg: cfg, log: log}
}

// Receive runs the full receiver session over an already-dialed conn:
// it joins the relay room as Receiver under name, performs PAKE,
// validates and approves the incoming file list, and writes every file
// into cfg.DestinationDir.
func (r *Receiver) Receive(ctx context.Context, conn transport.Conn, name string, onProgress ProgressFunc) (*Result, error) {
	if onProgress == nil {
		onProgress = noProgress
	}

	if err := joinRelay(ctx, conn, wire.RoleReceiver, name); err != nil {
		return nil, err
	}
	r.log.Infof("joined %q as receiver, awaiting pairing", name)

	salt, err := awaitPaired(ctx, conn)
	if err != nil {
		return nil, err
	}

	kex, err := runPAKE(ctx, conn, name, salt, nil)
	if err != nil {
		return nil, err
	}

	cipher, err := chunkcipher.New(kex.SessionKey, chunkcipher.SenderToReceiver)
	if err != nil {
		return nil, err
	}

	hs, err := receivePacket(ctx, conn, wire.DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	handshake, ok := hs.(*wire.Handshake)
	if !ok {
		return nil, fmt.Errorf("session: %w: expected handshake, got %T", ErrUnexpectedPacket, hs)
	}
	if err := sendPacket(ctx, conn, &wire.HandshakeResponse{AcceptedVersion: r.cfg.ProtocolVersion}); err != nil {
		return nil, err
	}
	if handshake.Version != r.cfg.ProtocolVersion {
		return nil, fmt.Errorf("%w: sender speaks %d, we speak %d", ErrUnknownVersion, handshake.Version, r.cfg.ProtocolVersion)
	}

	lp, err := receivePacket(ctx, conn, wire.DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	list, ok := lp.(*wire.List)
	if !ok {
		return nil, fmt.Errorf("session: %w: expected list, got %T", ErrUnexpectedPacket, lp)
	}

	if err := r.validateList(list); err != nil {
		sendPacket(ctx, conn, &wire.Abort{Reason: err.Error()})
		return nil, err
	}
	if err := sendPacket(ctx, conn, &wire.Approve{}); err != nil {
		return nil, err
	}

	// The receiver sends nothing of its own during the transfer phase,
	// so a long transfer would starve the sender's liveness timer
	// without a periodic heartbeat going the other way.
	st := &progressState{}
	hb := startHeartbeat(ctx, conn, st)
	defer hb.Halt()
	reportProgress := func(fileIndex int, done, total uint64) {
		st.set(fileIndex, done, total)
		onProgress(fileIndex, done, total)
	}

	result := &Result{}
	var lastFileIndex uint64
	var seq uint64
	for i, entry := range list.Files {
		n, err := r.receiveFile(ctx, conn, cipher, seq, i, entry, reportProgress)
		if err != nil {
			if !errors.Is(err, ErrSessionAborted) {
				sendAbort(ctx, conn, err.Error())
			}
			return nil, err
		}
		seq = n
		lastFileIndex = uint64(i)
		result.FilesSent++
		result.BytesSent += int64(entry.Size)
	}

	end, err := receivePacket(ctx, conn, wire.DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	if _, ok := end.(*wire.TransferEnd); !ok {
		sendAbort(ctx, conn, "expected transfer_end")
		return nil, fmt.Errorf("session: %w: expected transfer_end, got %T", ErrUnexpectedPacket, end)
	}
	if err := sendPacket(ctx, conn, &wire.Ack{FileIndex: lastFileIndex}); err != nil {
		return nil, err
	}

	r.log.Infof("transfer %q complete: %d files, %d bytes", name, result.FilesSent, result.BytesSent)
	return result, nil
}

func (r *Receiver) validateList(list *wire.List) error {
	var total uint64
	for _, f := range list.Files {
		if err := sanitizeFilename(f.Name); err != nil {
			return err
		}
		if total+f.Size < total {
			return fmt.Errorf("%w: announced sizes overflow", ErrListTooLarge)
		}
		total += f.Size
	}
	if r.cfg.MaxListBytes > 0 && total > uint64(r.cfg.MaxListBytes) {
		return fmt.Errorf("%w: %d bytes exceeds ceiling of %d", ErrListTooLarge, total, r.cfg.MaxListBytes)
	}
	return nil
}

// destinationPath resolves the on-disk path for entry, applying the
// configured conflict policy: fail, overwrite, or pick a free
// "<name> (n)" variant when RenameOnConflict is set.
func (r *Receiver) destinationPath(name string) (string, error) {
	path := filepath.Join(r.cfg.DestinationDir, name)
	if r.cfg.Overwrite {
		return path, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return path, nil
		}
		return "", fmt.Errorf("session: stat %s: %w", path, err)
	}
	if !r.cfg.RenameOnConflict {
		return "", fmt.Errorf("%w: %s", ErrDestinationConflict, path)
	}
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for n := 1; ; n++ {
		candidate := filepath.Join(r.cfg.DestinationDir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}

// receiveFile consumes entry's chunk stream, writes it to disk, and
// verifies size and hash on FileEnd. On any fatal error the partially
// written file is deleted (default policy) or renamed with a ".part"
// suffix when KeepPartial is set. seq is the session-wide chunk sequence
// counter carried over from the previous file (chunkcipher's nonce
// space is session-wide, not per file); it returns the counter's value
// after this file so the caller can thread it into the next one.
func (r *Receiver) receiveFile(ctx context.Context, conn transport.Conn, cipher *chunkcipher.Cipher, seq uint64, fileIndex int, entry wire.FileEntry, onProgress ProgressFunc) (uint64, error) {
	dest, err := r.destinationPath(entry.Name)
	if err != nil {
		return seq, err
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return seq, fmt.Errorf("session: open %s: %w", dest, err)
	}

	hasher := sha256.New()
	var written uint64
	fail := func(cause error) (uint64, error) {
		f.Close()
		r.cleanupPartial(dest)
		return seq, cause
	}

	for {
		pkt, err := receivePacket(ctx, conn, wire.DefaultMaxFrameSize)
		if err != nil {
			return fail(err)
		}
		switch p := pkt.(type) {
		case *wire.Chunk:
			if p.FileIndex != uint64(fileIndex) {
				return fail(fmt.Errorf("session: %w: chunk for file %d during file %d", ErrUnexpectedPacket, p.FileIndex, fileIndex))
			}
			if p.Offset != written {
				return fail(fmt.Errorf("session: %w: chunk at offset %d, expected %d", chunkcipher.ErrOutOfOrderChunk, p.Offset, written))
			}
			plaintext, err := cipher.Open(seq, p.Ciphertext, p.AuthTag)
			if err != nil {
				return fail(err)
			}
			if _, err := f.WriteAt(plaintext, int64(p.Offset)); err != nil {
				return fail(fmt.Errorf("session: write %s: %w", dest, err))
			}
			hasher.Write(plaintext)
			seq++
			written += uint64(len(plaintext))
			onProgress(fileIndex, written, entry.Size)

		case *wire.Progress:
			// heartbeat; either side may echo a progress packet purely
			// to reset the other's liveness timer.
			continue

		case *wire.FileEnd:
			if p.FileIndex != uint64(fileIndex) {
				return fail(fmt.Errorf("session: %w: file_end for file %d during file %d", ErrUnexpectedPacket, p.FileIndex, fileIndex))
			}
			if written != entry.Size {
				return fail(fmt.Errorf("%w: %s wrote %d bytes, expected %d", ErrSizeMismatch, dest, written, entry.Size))
			}
			sum := hasher.Sum(nil)
			if subtle.ConstantTimeCompare(sum, p.FileHash[:]) != 1 {
				return fail(fmt.Errorf("%w: %s", ErrHashMismatch, dest))
			}
			if err := f.Sync(); err != nil {
				return fail(fmt.Errorf("session: fsync %s: %w", dest, err))
			}
			if err := f.Close(); err != nil {
				return seq, fmt.Errorf("session: close %s: %w", dest, err)
			}
			return seq, nil

		case *wire.Abort:
			return fail(fmt.Errorf("%w: %s", ErrSessionAborted, p.Reason))

		default:
			return fail(fmt.Errorf("session: %w: got %T mid-file", ErrUnexpectedPacket, pkt))
		}
	}
}

func (r *Receiver) cleanupPartial(path string) {
	if r.cfg.KeepPartial {
		_ = os.Rename(path, path+".part")
		return
	}
	_ = os.Remove(path)
}
