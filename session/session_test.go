// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PatrykHegenberg/caesar-transfer/config"
	"github.com/PatrykHegenberg/caesar-transfer/crypto/chunkcipher"
	"github.com/PatrykHegenberg/caesar-transfer/internal/corelog"
	"github.com/PatrykHegenberg/caesar-transfer/relay"
	"github.com/PatrykHegenberg/caesar-transfer/transport"
	"github.com/PatrykHegenberg/caesar-transfer/wire"
)

// tamperFirstChunkConn wraps a transport.Conn and flips the last byte
// (part of the AEAD auth tag) of the first Chunk packet it observes,
// simulating a man-in-the-middle bit flip.
type tamperFirstChunkConn struct {
	transport.Conn
	tampered bool
}

func (c *tamperFirstChunkConn) Receive(ctx context.Context) ([]byte, error) {
	raw, err := c.Conn.Receive(ctx)
	if err != nil || c.tampered || len(raw) == 0 || wire.Tag(raw[0]) != wire.TagChunk {
		return raw, err
	}
	c.tampered = true
	tampered := append([]byte{}, raw...)
	tampered[len(tampered)-1] ^= 0xFF
	return tampered, nil
}

func testLogBackend(t *testing.T) *corelog.Backend {
	t.Helper()
	b, err := corelog.New("", "ERROR", true)
	require.NoError(t, err)
	return b
}

// newTestRelay spins up a real relay.Service over httptest, the same
// way transport_test.go exercises the websocket transport, so the
// session tests run the whole stack (join, pairing, opaque forwarding)
// rather than a mocked Conn.
func newTestRelay(t *testing.T) (wsURL string, registry *relay.Registry) {
	t.Helper()
	registry = relay.NewRegistry()
	svc := relay.NewService(registry, nil, testLogBackend(t))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r)
		if err != nil {
			return
		}
		svc.HandleConn(r.Context(), conn, r.RemoteAddr)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), registry
}

func dialTest(t *testing.T, ctx context.Context, wsURL string) transport.Conn {
	t.Helper()
	conn, err := transport.Dial(ctx, wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testConfig(destDir string) *config.Config {
	cfg := config.Default()
	cfg.DestinationDir = destDir
	return cfg
}

func writeTestFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestSendReceiveRoundTripSingleFile(t *testing.T) {
	wsURL, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	content := []byte("the quick brown fox jumps over the lazy dog")
	path := writeTestFile(t, srcDir, "message.txt", content)

	name := "round-trip-single-file"

	senderCfg := testConfig("")
	receiverCfg := testConfig(dstDir)

	sender := NewSender(senderCfg, nil)
	receiver := NewReceiver(receiverCfg, nil)

	senderResultCh := make(chan *Result, 1)
	senderErrCh := make(chan error, 1)
	go func() {
		conn := dialTest(t, ctx, wsURL)
		r, err := sender.Send(ctx, conn, name, []string{path}, nil)
		senderResultCh <- r
		senderErrCh <- err
	}()

	conn := dialTest(t, ctx, wsURL)
	result, err := receiver.Receive(ctx, conn, name, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesSent)
	require.Equal(t, int64(len(content)), result.BytesSent)

	require.NoError(t, <-senderErrCh)
	senderResult := <-senderResultCh
	require.Equal(t, 1, senderResult.FilesSent)

	got, err := os.ReadFile(filepath.Join(dstDir, "message.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestSendReceiveRoundTripMultipleFilesAndZeroByte(t *testing.T) {
	// Regression test: chunkcipher's sequence counter is session-wide,
	// not per file, so a second or third file must not reset it.
	wsURL, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	small := []byte("a")
	large := make([]byte, 200*1024) // spans multiple chunks at the default 64 KiB chunk size
	for i := range large {
		large[i] = byte(i)
	}

	paths := []string{
		writeTestFile(t, srcDir, "a-small.txt", small),
		writeTestFile(t, srcDir, "b-empty.txt", nil),
		writeTestFile(t, srcDir, "c-large.bin", large),
	}

	name := "round-trip-multi-file"
	sender := NewSender(testConfig(""), nil)
	receiver := NewReceiver(testConfig(dstDir), nil)

	senderErrCh := make(chan error, 1)
	go func() {
		conn := dialTest(t, ctx, wsURL)
		_, err := sender.Send(ctx, conn, name, paths, nil)
		senderErrCh <- err
	}()

	conn := dialTest(t, ctx, wsURL)
	result, err := receiver.Receive(ctx, conn, name, nil)
	require.NoError(t, err)
	require.Equal(t, 3, result.FilesSent)

	require.NoError(t, <-senderErrCh)

	gotSmall, err := os.ReadFile(filepath.Join(dstDir, "a-small.txt"))
	require.NoError(t, err)
	require.Equal(t, small, gotSmall)

	gotEmpty, err := os.ReadFile(filepath.Join(dstDir, "b-empty.txt"))
	require.NoError(t, err)
	require.Empty(t, gotEmpty)

	gotLarge, err := os.ReadFile(filepath.Join(dstDir, "c-large.bin"))
	require.NoError(t, err)
	require.Equal(t, large, gotLarge)
}

func TestReceiveFailsOnNoSuchTransfer(t *testing.T) {
	wsURL, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTest(t, ctx, wsURL)
	receiver := NewReceiver(testConfig(t.TempDir()), nil)
	_, err := receiver.Receive(ctx, conn, "nobody-sent-this-name", nil)
	require.ErrorIs(t, err, relay.ErrNoSuchTransfer)
}

func TestSendFailsOnNameCollision(t *testing.T) {
	wsURL, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srcDir := t.TempDir()
	path := writeTestFile(t, srcDir, "f.txt", []byte("x"))
	name := "taken-name"

	firstConn := dialTest(t, ctx, wsURL)
	first := NewSender(testConfig(""), nil)
	doneCh := make(chan struct{})
	go func() {
		// First sender holds the room open (PendingReceiver) for the
		// duration of the test by never getting a receiver.
		first.Send(ctx, firstConn, name, []string{path}, nil)
		close(doneCh)
	}()
	time.Sleep(50 * time.Millisecond) // let the first join land

	secondConn := dialTest(t, ctx, wsURL)
	second := NewSender(testConfig(""), nil)
	_, err := second.Send(ctx, secondConn, name, []string{path}, nil)
	require.ErrorIs(t, err, relay.ErrNameInUse)
}

func TestDestinationPathConflictPolicies(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "dup.txt")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0o644))

	t.Run("default rejects", func(t *testing.T) {
		r := NewReceiver(testConfig(dir), nil)
		_, err := r.destinationPath("dup.txt")
		require.ErrorIs(t, err, ErrDestinationConflict)
	})

	t.Run("overwrite reuses the path", func(t *testing.T) {
		cfg := testConfig(dir)
		cfg.Overwrite = true
		r := NewReceiver(cfg, nil)
		path, err := r.destinationPath("dup.txt")
		require.NoError(t, err)
		require.Equal(t, existing, path)
	})

	t.Run("rename on conflict picks a fresh suffix", func(t *testing.T) {
		cfg := testConfig(dir)
		cfg.RenameOnConflict = true
		r := NewReceiver(cfg, nil)
		path, err := r.destinationPath("dup.txt")
		require.NoError(t, err)
		require.Equal(t, filepath.Join(dir, "dup (1).txt"), path)
	})
}

func TestSanitizeFilenameRejectsTraversal(t *testing.T) {
	for _, bad := range []string{"", "..", ".", "../etc/passwd", "a/b", "a\\b", "a\x00b"} {
		require.Error(t, sanitizeFilename(bad), "expected rejection for %q", bad)
	}
	require.NoError(t, sanitizeFilename("ok-name.txt"))
}

func TestCreditWindowBlocksPastCeiling(t *testing.T) {
	w := newCreditWindow(10)
	w.Acquire(10)

	releasedCh := make(chan struct{})
	go func() {
		w.Acquire(1) // must block until Release
		close(releasedCh)
	}()

	select {
	case <-releasedCh:
		t.Fatal("Acquire returned before credit was released")
	case <-time.After(50 * time.Millisecond):
	}

	w.Release(10)
	select {
	case <-releasedCh:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestCreditWindowCloseUnblocksWaiters(t *testing.T) {
	w := newCreditWindow(1)
	w.Acquire(1)

	doneCh := make(chan struct{})
	go func() {
		w.Acquire(1)
		close(doneCh)
	}()

	time.Sleep(20 * time.Millisecond)
	w.Close()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock a waiting Acquire")
	}
}

// TestTamperedChunkFailsDecryptAndCleansUpPartial: a man-in-the-middle
// flips bits in a Chunk's ciphertext
// (here, every bit of the last auth tag byte). The receiver must fail with ErrDecryptFailed,
// delete the partial output, and the sender must observe the resulting
// Abort.
func TestTamperedChunkFailsDecryptAndCleansUpPartial(t *testing.T) {
	wsURL, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	content := make([]byte, 200*1024) // spans several chunks at the default size
	for i := range content {
		content[i] = byte(i)
	}
	path := writeTestFile(t, srcDir, "payload.bin", content)
	name := "tamper-mid-transfer"

	sender := NewSender(testConfig(""), nil)
	receiver := NewReceiver(testConfig(dstDir), nil)

	senderErrCh := make(chan error, 1)
	go func() {
		conn := dialTest(t, ctx, wsURL)
		_, err := sender.Send(ctx, conn, name, []string{path}, nil)
		senderErrCh <- err
	}()

	rawConn := dialTest(t, ctx, wsURL)
	conn := &tamperFirstChunkConn{Conn: rawConn}
	_, err := receiver.Receive(ctx, conn, name, nil)
	require.ErrorIs(t, err, chunkcipher.ErrDecryptFailed)

	_, statErr := os.Stat(filepath.Join(dstDir, "payload.bin"))
	require.True(t, os.IsNotExist(statErr), "partial output must be removed on decrypt failure")

	require.Error(t, <-senderErrCh)
}

// TestSenderDisconnectMidTransferCleansUpPartial: the sender's
// transport closes partway through a file. The
// receiver must observe the closed connection, delete the partial file,
// and surface an error rather than hang on the 60s liveness timeout.
func TestSenderDisconnectMidTransferCleansUpPartial(t *testing.T) {
	wsURL, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	content := make([]byte, 500*1024) // several chunks, so a mid-transfer close lands mid-file
	for i := range content {
		content[i] = byte(i)
	}
	path := writeTestFile(t, srcDir, "big.bin", content)
	name := "sender-vanishes"

	sender := NewSender(testConfig(""), nil)
	receiver := NewReceiver(testConfig(dstDir), nil)

	var closeOnce sync.Once
	senderConn := dialTest(t, ctx, wsURL)
	progress := func(fileIndex int, bytesDone, bytesTotal uint64) {
		if bytesDone > 0 && bytesDone < bytesTotal {
			closeOnce.Do(func() { senderConn.Close() })
		}
	}

	go func() {
		_, _ = sender.Send(ctx, senderConn, name, []string{path}, progress)
	}()

	conn := dialTest(t, ctx, wsURL)
	_, err := receiver.Receive(ctx, conn, name, nil)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dstDir, "big.bin"))
	require.True(t, os.IsNotExist(statErr), "partial output must be removed when the sender vanishes")
}
