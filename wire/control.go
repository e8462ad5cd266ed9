// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the protocol's two framings: textual
// tagged-union control messages exchanged between a peer and the relay
// (this file), and the compact binary peer-to-peer packet format
// tunneled opaquely through the relay (packet.go).
//
// Control messages use a canonical JSON encoding produced through
// github.com/ugorji/go/codec's JsonHandle, with ErrorIfNoField set so a
// field typo surfaces as a decode error rather than silently vanishing.
package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"
)

// ErrMalformedFrame is returned whenever a control or packet frame
// cannot be decoded: an unknown type tag, a length prefix past the
// configured ceiling, or a missing required field.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Role identifies which side of a transfer a peer is playing.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// JoinStatus is the coarse result the relay reports for a Join request.
type JoinStatus string

const (
	StatusOK             JoinStatus = "ok"
	StatusNameInUse      JoinStatus = "name-in-use"
	StatusNoSuchTransfer JoinStatus = "no-such-transfer"
	StatusAlreadyPaired  JoinStatus = "already-paired"
)

// ControlKind discriminates the tagged union of relay control messages.
type ControlKind string

const (
	KindJoin    ControlKind = "join"
	KindJoinAck ControlKind = "join_ack"
	KindPaired  ControlKind = "paired"
	KindLeave   ControlKind = "leave"
)

// Control is the tagged-union record for peer<->relay control traffic.
// Fields not relevant to Kind are left zero.
type Control struct {
	Kind ControlKind `codec:"kind"`

	// Join
	Role Role   `codec:"role,omitempty"`
	Name string `codec:"name,omitempty"`

	// JoinAck
	Status JoinStatus `codec:"status,omitempty"`

	// Paired. RoomSalt is the room-freshness salt: 32 random bytes,
	// base64-encoded, fed into pake.Run as roomSalt so repeated use
	// of one transfer name does not produce a repeatable PAKE
	// transcript.
	RoomSalt string `codec:"room_salt,omitempty"`
}

func jsonHandle() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	h.ErrorIfNoField = true
	return h
}

// EncodeControl serializes a Control message to canonical JSON.
func EncodeControl(c *Control) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, jsonHandle())
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("wire: encode control: %w", err)
	}
	return out, nil
}

// DecodeControl parses a Control message, failing with ErrMalformedFrame
// on any structural problem.
func DecodeControl(b []byte) (*Control, error) {
	var c Control
	dec := codec.NewDecoderBytes(bytes.TrimRight(b, "\x00"), jsonHandle())
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if c.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	}
	switch c.Kind {
	case KindJoin:
		if c.Name == "" || (c.Role != RoleSender && c.Role != RoleReceiver) {
			return nil, fmt.Errorf("%w: join missing role/name", ErrMalformedFrame)
		}
	case KindJoinAck:
		switch c.Status {
		case StatusOK, StatusNameInUse, StatusNoSuchTransfer, StatusAlreadyPaired:
		default:
			return nil, fmt.Errorf("%w: join_ack bad status", ErrMalformedFrame)
		}
	case KindPaired, KindLeave:
		// no required fields beyond Kind
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedFrame, c.Kind)
	}
	return &c, nil
}
