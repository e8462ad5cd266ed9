// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripAllPacketTypes(t *testing.T) {
	packets := []Packet{
		&Handshake{Version: 1, SessionSeed: [32]byte{1, 2, 3}},
		&HandshakeResponse{AcceptedVersion: 1},
		&List{Files: []FileEntry{{Name: "a.bin", Size: 0}, {Name: "b.bin", Size: 160000}}},
		&Approve{},
		&Abort{Reason: "decrypt failed"},
		&Chunk{FileIndex: 2, Offset: 65536, Ciphertext: []byte("hello"), AuthTag: [16]byte{9}},
		&FileEnd{FileIndex: 2, FileHash: [32]byte{7}},
		&TransferEnd{},
		&Ack{FileIndex: 0},
		&Progress{FileIndex: 1, BytesDone: 100, BytesTotal: 200},
	}

	for _, p := range packets {
		encoded := Encode(p)
		require.Equal(t, byte(p.Tag()), encoded[0])

		decoded, err := Decode(encoded, DefaultMaxFrameSize)
		require.NoError(t, err)
		require.Equal(t, p, decoded)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte{99, 1, 2, 3}, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeEmptyFrame(t *testing.T) {
	_, err := Decode(nil, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeTruncatedHandshake(t *testing.T) {
	encoded := Encode(&Handshake{Version: 1})
	_, err := Decode(encoded[:len(encoded)-5], DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsOversizeLength(t *testing.T) {
	encoded := Encode(&Abort{Reason: "small"})
	_, err := Decode(encoded, 2)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	encoded := Encode(&Approve{})
	encoded = append(encoded, 0xff)
	_, err := Decode(encoded, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestControlRoundTrip(t *testing.T) {
	c := &Control{Kind: KindJoin, Role: RoleSender, Name: "brave-otter-lime"}
	encoded, err := EncodeControl(c)
	require.NoError(t, err)

	decoded, err := DecodeControl(encoded)
	require.NoError(t, err)
	require.Equal(t, c, decoded)
}

func TestControlJoinAckStatuses(t *testing.T) {
	for _, status := range []JoinStatus{StatusOK, StatusNameInUse, StatusNoSuchTransfer, StatusAlreadyPaired} {
		c := &Control{Kind: KindJoinAck, Status: status}
		encoded, err := EncodeControl(c)
		require.NoError(t, err)
		decoded, err := DecodeControl(encoded)
		require.NoError(t, err)
		require.Equal(t, status, decoded.Status)
	}
}

func TestControlRejectsUnknownKind(t *testing.T) {
	_, err := DecodeControl([]byte(`{"kind":"bogus"}`))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestControlRejectsMissingJoinFields(t *testing.T) {
	_, err := DecodeControl([]byte(`{"kind":"join"}`))
	require.ErrorIs(t, err, ErrMalformedFrame)
}
