// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wordlist

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHasThreeHyphenatedWords(t *testing.T) {
	name, err := New(rand.Reader)
	require.NoError(t, err)
	parts := strings.Split(name, "-")
	require.Len(t, parts, 3)
	for _, p := range parts {
		require.NotEmpty(t, p)
		require.Equal(t, strings.ToLower(p), p)
	}
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	seen := map[string]bool{}
	calls := 0
	exists := func(name string) bool {
		calls++
		if len(seen) < 2 {
			seen[name] = true
			return true
		}
		return false
	}

	name, err := Generate(rand.Reader, exists, 8)
	require.NoError(t, err)
	require.NotEmpty(t, name)
}

func TestGenerateFailsAfterAttemptsExhausted(t *testing.T) {
	exists := func(string) bool { return true }
	_, err := Generate(rand.Reader, exists, 3)
	require.ErrorIs(t, err, ErrAllocationFailed)
}

func TestGenerateDefaultAttempts(t *testing.T) {
	calls := 0
	exists := func(string) bool {
		calls++
		return true
	}
	_, err := Generate(rand.Reader, exists, 0)
	require.ErrorIs(t, err, ErrAllocationFailed)
	require.Equal(t, DefaultAttempts, calls)
}
