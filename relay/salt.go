// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

func randomSalt() ([32]byte, error) {
	var salt [32]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return salt, fmt.Errorf("relay: generate room salt: %w", err)
	}
	return salt, nil
}

func encodeSalt(salt [32]byte) string {
	return base64.StdEncoding.EncodeToString(salt[:])
}

// DecodeSalt parses the base64 RoomSalt field of a Paired control
// message, as consumed by the session layer.
func DecodeSalt(encoded string) ([32]byte, error) {
	var salt [32]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return salt, fmt.Errorf("relay: decode room salt: %w", err)
	}
	if len(raw) != 32 {
		return salt, fmt.Errorf("relay: room salt has wrong length %d", len(raw))
	}
	copy(salt[:], raw)
	return salt, nil
}
