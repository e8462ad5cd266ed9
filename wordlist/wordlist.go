// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wordlist implements the transfer-name generator: a short,
// human-pronounceable identifier sampled from a compact adjective/noun
// list and joined with hyphens, e.g. "brave-quiet-otter".
//
// Entropy comes from crypto/rand. The name doubles as the low-entropy
// secret for the key agreement, so a guessable math/rand sequence would
// hand an observer the whole session.
package wordlist

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// ErrAllocationFailed is returned by Generate when every attempt
// collided with a name already in use.
var ErrAllocationFailed = errors.New("wordlist: name allocation failed")

// DefaultAttempts is the default retry ceiling N before a caller gives
// up and reports ErrAllocationFailed.
const DefaultAttempts = 8

// New returns a fresh "adjective-adjective-noun" transfer name, reading
// randomness from rnd (typically crypto/rand.Reader; a deterministic
// reader may be substituted in tests).
func New(rnd io.Reader) (string, error) {
	a1, err := pick(rnd, adjectives)
	if err != nil {
		return "", err
	}
	a2, err := pick(rnd, adjectives)
	if err != nil {
		return "", err
	}
	n, err := pick(rnd, nouns)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{a1, a2, n}, "-"), nil
}

func pick(rnd io.Reader, words []string) (string, error) {
	idx, err := rand.Int(rnd, big.NewInt(int64(len(words))))
	if err != nil {
		return "", fmt.Errorf("wordlist: pick word: %w", err)
	}
	return words[idx.Int64()], nil
}

// Exists reports whether a candidate name is already taken; Generate
// uses it to retry on collision.
type Exists func(name string) bool

// Generate produces a name not currently reported live by exists,
// regenerating on collision up to attempts times before failing with
// ErrAllocationFailed.
func Generate(rnd io.Reader, exists Exists, attempts int) (string, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	for i := 0; i < attempts; i++ {
		name, err := New(rnd)
		if err != nil {
			return "", err
		}
		if exists == nil || !exists(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: after %d attempts", ErrAllocationFailed, attempts)
}

var adjectives = []string{
	"brave", "calm", "proud", "quiet", "swift", "sharp", "bright", "bold",
	"gentle", "lucky", "quick", "silent", "happy", "clever", "eager", "fancy",
	"fuzzy", "golden", "humble", "jolly", "kind", "lively", "mighty", "noble",
	"plain", "rapid", "royal", "sturdy", "tidy", "vivid", "witty", "zealous",
	"amber", "coral", "dusty", "early", "faint", "giant", "hasty", "icy",
	"jumpy", "loyal", "merry", "odd", "polite", "rough", "shy", "tame",
	"urban", "warm", "wild", "young",
}

var nouns = []string{
	"otter", "lime", "falcon", "maple", "comet", "harbor", "ember", "canyon",
	"willow", "beacon", "cedar", "delta", "ferry", "granite", "heron", "island",
	"jasper", "kettle", "lantern", "meadow", "nectar", "orchid", "pebble", "quartz",
	"raven", "summit", "tundra", "umber", "valley", "walnut", "yonder", "zephyr",
	"anchor", "basin", "cinder", "dune", "elm", "fjord", "glacier", "hollow",
	"inlet", "juniper", "knoll", "lagoon", "mesa", "nook", "pine", "ridge",
	"shore", "thicket",
}
