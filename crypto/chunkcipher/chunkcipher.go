// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package chunkcipher authenticates and encrypts the per-file chunk
// stream with the IETF ChaCha20-Poly1305 construction, whose 12-byte
// nonce suits a monotonic per-chunk counter rather than a random one.
//
// Each direction of a session gets its own derived subkey so sender and
// receiver never reuse a (key, nonce) pair under the shared session
// key, and the nonce is simply the big-endian chunk sequence number.
// Callers must present sequence numbers in strictly increasing order;
// chunkcipher will not decrypt an out-of-order or repeated chunk.
package chunkcipher

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Direction selects which of the two per-session subkeys a Cipher uses.
type Direction bool

const (
	SenderToReceiver Direction = false
	ReceiverToSender Direction = true
)

var (
	// ErrOutOfOrderChunk is returned when a chunk's sequence number is
	// not exactly one greater than the last one processed.
	ErrOutOfOrderChunk = errors.New("chunkcipher: out-of-order chunk")

	// ErrDecryptFailed is returned when authentication fails, meaning
	// the ciphertext or tag was tampered with in transit.
	ErrDecryptFailed = errors.New("chunkcipher: decrypt failed")
)

// Cipher seals or opens one direction of chunk traffic for a session.
type Cipher struct {
	aead        cipher.AEAD
	lastSeq     uint64
	haveLastSeq bool
}

// New derives a direction-specific subkey from sessionKey and returns a
// Cipher ready to seal or open chunks in strictly increasing sequence
// order, starting from sequence number 0.
func New(sessionKey [32]byte, dir Direction) (*Cipher, error) {
	label := "caesar-transfer-chunk-sender-to-receiver"
	if dir == ReceiverToSender {
		label = "caesar-transfer-chunk-receiver-to-sender"
	}

	h := hkdf.New(func() hash.Hash { return sha256.New() }, sessionKey[:], nil, []byte(label))
	var subKey [32]byte
	if _, err := io.ReadFull(h, subKey[:]); err != nil {
		return nil, fmt.Errorf("chunkcipher: derive subkey: %w", err)
	}

	aead, err := chacha20poly1305.New(subKey[:])
	if err != nil {
		return nil, fmt.Errorf("chunkcipher: init aead: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts and authenticates plaintext for the given chunk
// sequence number. seq must be exactly one greater than the sequence
// number of the previous call (or zero, for the first call).
func (c *Cipher) Seal(seq uint64, plaintext []byte) (ciphertext []byte, authTag [16]byte, err error) {
	if err := c.checkSequence(seq); err != nil {
		return nil, authTag, err
	}
	nonce := nonceFor(seq, c.aead.NonceSize())
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	overhead := c.aead.Overhead()
	ct := sealed[:len(sealed)-overhead]
	copy(authTag[:], sealed[len(sealed)-overhead:])
	c.advance(seq)
	return ct, authTag, nil
}

// Open authenticates and decrypts a chunk's ciphertext for the given
// sequence number, returning ErrDecryptFailed on any tampering and
// ErrOutOfOrderChunk if seq does not continue the expected sequence.
func (c *Cipher) Open(seq uint64, ciphertext []byte, authTag [16]byte) ([]byte, error) {
	if err := c.checkSequence(seq); err != nil {
		return nil, err
	}
	nonce := nonceFor(seq, c.aead.NonceSize())
	sealed := append(append([]byte{}, ciphertext...), authTag[:]...)
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	c.advance(seq)
	return plaintext, nil
}

func (c *Cipher) checkSequence(seq uint64) error {
	if !c.haveLastSeq {
		if seq != 0 {
			return fmt.Errorf("%w: expected sequence 0, got %d", ErrOutOfOrderChunk, seq)
		}
		return nil
	}
	if seq != c.lastSeq+1 {
		return fmt.Errorf("%w: expected sequence %d, got %d", ErrOutOfOrderChunk, c.lastSeq+1, seq)
	}
	return nil
}

func (c *Cipher) advance(seq uint64) {
	c.lastSeq = seq
	c.haveLastSeq = true
}

func nonceFor(seq uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], seq)
	return nonce
}
