// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pake implements the password-authenticated key agreement
// between the two peers: both derive the same session key if and only
// if they used identical transfer names.
//
// The construction follows the PANDA exchange: an argon2id-derived
// password key blinds an ephemeral X25519 public key in the first
// message, and a secretbox-sealed confirmation in the second message
// lets each side detect tampering or a mismatched password before
// trusting the derived key. It runs directly over the relay-forwarded,
// ordered duplex channel between the two peers, so there is no
// meeting-place indirection and no message padding.
package pake

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

func newSHA256() hash.Hash { return sha256.New() }

// ErrKeyMismatch is returned when the two sides' transfer names did not
// match, or an active attacker tampered with the exchange.
var ErrKeyMismatch = errors.New("pake: key mismatch")

const confirmLabel = "caesar-transfer-pake-confirmation"

// Exchanger delivers one message to the peer and returns the peer's
// corresponding reply. The session layer implements this over the
// relay-forwarded packet stream; a round-trip blocks until the peer's
// reply for that round has arrived, but the underlying transport's send
// and receive paths must be independent so that two peers calling
// Exchange concurrently do not deadlock.
type Exchanger interface {
	Exchange(message []byte) ([]byte, error)
}

// Result is the outcome of a completed key agreement.
type Result struct {
	// SessionKey is the 32-byte symmetric key shared only between the
	// two peers. Never exposed to the relay.
	SessionKey [32]byte

	// PeerPayload is whatever the peer passed as payload to Run.
	PeerPayload []byte
}

// Run executes the two-message key agreement described above and
// returns the derived session key. transferName is the shared
// low-entropy secret; roomSalt is the per-room freshness value the
// relay hands out in its Paired control message, so that repeated use
// of one transfer name does not produce a repeatable transcript.
// payload is an optional
// caller-supplied blob (e.g. protocol version bytes) authenticated and
// exchanged alongside the confirmation round.
func Run(rnd io.Reader, exch Exchanger, transferName string, roomSalt [32]byte, payload []byte) (*Result, error) {
	key := derivePasswordKey(transferName, roomSalt)

	var dhPriv, dhPub [32]byte
	if _, err := io.ReadFull(rnd, dhPriv[:]); err != nil {
		return nil, fmt.Errorf("pake: generate ephemeral key: %w", err)
	}
	curve25519.ScalarBaseMult(&dhPub, &dhPriv)

	peerPub, err := exchangeRound1(rnd, exch, &key, &dhPub)
	if err != nil {
		return nil, err
	}

	var sharedSecret [32]byte
	curve25519.ScalarMult(&sharedSecret, &dhPriv, peerPub)
	if isAllZero(sharedSecret[:]) {
		return nil, fmt.Errorf("%w: shared secret is the all-zero point", ErrKeyMismatch)
	}

	sessionKey, err := deriveSessionKey(sharedSecret, roomSalt)
	if err != nil {
		return nil, err
	}

	peerPayload, err := exchangeRound2(rnd, exch, sessionKey, payload)
	if err != nil {
		return nil, err
	}

	return &Result{SessionKey: sessionKey, PeerPayload: peerPayload}, nil
}

func derivePasswordKey(transferName string, roomSalt [32]byte) [32]byte {
	data := argon2.IDKey([]byte(transferName), roomSalt[:], 3, 32*1024, 4, 32)
	var key [32]byte
	copy(key[:], data)
	return key
}

// exchangeRound1 seals the local ephemeral public key with the
// password-derived key and sends it to the peer, returning the peer's
// decrypted public key. A failure to open the peer's message means the
// two sides used different transfer names or the message was tampered
// with in transit.
func exchangeRound1(rnd io.Reader, exch Exchanger, key *[32]byte, dhPub *[32]byte) (*[32]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rnd, nonce[:]); err != nil {
		return nil, fmt.Errorf("pake: nonce: %w", err)
	}
	message1 := make([]byte, 0, 24+32+secretbox.Overhead)
	message1 = append(message1, nonce[:]...)
	message1 = secretbox.Seal(message1, dhPub[:], &nonce, key)

	reply, err := exch.Exchange(message1)
	if err != nil {
		return nil, fmt.Errorf("pake: round 1 exchange: %w", err)
	}
	if len(reply) < 24+secretbox.Overhead {
		return nil, fmt.Errorf("%w: round 1 reply too short", ErrKeyMismatch)
	}
	var peerNonce [24]byte
	copy(peerNonce[:], reply[:24])
	opened, ok := secretbox.Open(nil, reply[24:], &peerNonce, key)
	if !ok || len(opened) != 32 {
		return nil, fmt.Errorf("%w: cannot authenticate peer's first message", ErrKeyMismatch)
	}
	var peerPub [32]byte
	copy(peerPub[:], opened)
	return &peerPub, nil
}

// exchangeRound2 exchanges a confirmation sealed under the derived
// session key, plus the caller's payload, proving both sides reached
// the same shared secret.
func exchangeRound2(rnd io.Reader, exch Exchanger, sessionKey [32]byte, payload []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rnd, nonce[:]); err != nil {
		return nil, fmt.Errorf("pake: nonce: %w", err)
	}
	plaintext := append([]byte(confirmLabel), payload...)
	message2 := make([]byte, 0, 24+len(plaintext)+secretbox.Overhead)
	message2 = append(message2, nonce[:]...)
	message2 = secretbox.Seal(message2, plaintext, &nonce, &sessionKey)

	reply, err := exch.Exchange(message2)
	if err != nil {
		return nil, fmt.Errorf("pake: round 2 exchange: %w", err)
	}
	if len(reply) < 24+secretbox.Overhead {
		return nil, fmt.Errorf("%w: round 2 reply too short", ErrKeyMismatch)
	}
	var peerNonce [24]byte
	copy(peerNonce[:], reply[:24])
	opened, ok := secretbox.Open(nil, reply[24:], &peerNonce, &sessionKey)
	if !ok || len(opened) < len(confirmLabel) {
		return nil, fmt.Errorf("%w: cannot authenticate peer's confirmation", ErrKeyMismatch)
	}
	if subtle.ConstantTimeCompare(opened[:len(confirmLabel)], []byte(confirmLabel)) != 1 {
		return nil, fmt.Errorf("%w: confirmation label mismatch", ErrKeyMismatch)
	}
	return opened[len(confirmLabel):], nil
}

func deriveSessionKey(sharedSecret [32]byte, roomSalt [32]byte) ([32]byte, error) {
	h := hkdf.New(newSHA256, sharedSecret[:], roomSalt[:], []byte("caesar-transfer-session-key"))
	var out [32]byte
	if _, err := io.ReadFull(h, out[:]); err != nil {
		return out, fmt.Errorf("pake: derive session key: %w", err)
	}
	return out, nil
}

func isAllZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
