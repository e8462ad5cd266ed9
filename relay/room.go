// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements the rendezvous and opaque-forwarding
// service: a room registry keyed by transfer name, pairing at most one
// sender and one receiver per room, forwarding frames between them
// without ever parsing their contents.
//
// The registry is a name -> *Room map guarded by a single mutex for
// mutation, with each room's own state touched only under its own short
// critical section, so that forwarding a payload never holds the
// registry lock.
package relay

import (
	"errors"
	"sync"

	"github.com/PatrykHegenberg/caesar-transfer/wire"
)

// State is a room's position in its lifecycle: created pending a
// receiver, paired, then closed.
type State int

const (
	PendingReceiver State = iota
	Paired
	Closed
)

var (
	ErrNameInUse      = errors.New("relay: name in use")
	ErrNoSuchTransfer = errors.New("relay: no such transfer")
	ErrAlreadyPaired  = errors.New("relay: already paired")
)

// Sink is a room's handle to one peer's outbound queue. Forward writes
// to it without ever touching the registry lock.
type Sink interface {
	// Deliver enqueues payload for delivery to the peer that owns this
	// sink. It must not block indefinitely; implementations backed by
	// a transport.Conn typically run their own writer task draining a
	// bounded queue.
	Deliver(payload []byte) error

	// Close notifies the peer side is gone, e.g. so a connection's
	// reader/writer tasks can unwind.
	Close()

	// Paired notifies the peer that its room has just paired, carrying
	// the room's freshness salt so the connection handler can emit the
	// wire-level Paired control message.
	Paired(salt [32]byte)
}

// Room is the relay-side state for one pending or paired transfer name.
type Room struct {
	mu sync.Mutex

	Name  string
	state State

	senderSink   Sink
	receiverSink Sink

	// Salt is handed to both peers once paired, via the Paired control
	// message's RoomSalt field, and fed into the key agreement so
	// repeated use of one transfer name does not produce a repeatable
	// transcript.
	Salt [32]byte
}

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// sinkFor and partnerSinkFor must be called with r.mu held.
func (r *Room) sinkFor(role wire.Role) Sink {
	if role == wire.RoleSender {
		return r.senderSink
	}
	return r.receiverSink
}

func (r *Room) partnerSinkFor(role wire.Role) Sink {
	if role == wire.RoleSender {
		return r.receiverSink
	}
	return r.senderSink
}

// Registry holds the name -> Room mapping for all live transfers.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	// newSalt produces a room's freshness salt; overridable in tests.
	newSalt func() ([32]byte, error)
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		newSalt: randomSalt,
	}
}

// Join creates a room if name is free and role is Sender, attaches as
// receiver if a room exists in PendingReceiver and role is Receiver,
// and fails otherwise.
// The returned bool reports whether this call paired the room (i.e. the
// caller is the second peer to join).
func (reg *Registry) Join(name string, role wire.Role, sink Sink) (*Room, bool, error) {
	reg.mu.Lock()

	room, exists := reg.rooms[name]

	if role == wire.RoleSender {
		if exists {
			reg.mu.Unlock()
			return nil, false, ErrNameInUse
		}
		salt, err := reg.newSalt()
		if err != nil {
			reg.mu.Unlock()
			return nil, false, err
		}
		room = &Room{Name: name, state: PendingReceiver, senderSink: sink, Salt: salt}
		reg.rooms[name] = room
		reg.mu.Unlock()
		return room, false, nil
	}

	// role == Receiver
	if !exists {
		reg.mu.Unlock()
		return nil, false, ErrNoSuchTransfer
	}
	reg.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	switch room.state {
	case PendingReceiver:
		room.receiverSink = sink
		room.state = Paired
		// Only the waiting sender is notified through its sink; the
		// joining receiver learns it paired from the returned flag, so
		// its connection can order JoinAck before Paired on the wire.
		room.senderSink.Paired(room.Salt)
		return room, true, nil
	case Paired:
		return nil, false, ErrAlreadyPaired
	default: // Closed; treat as if it never existed
		return nil, false, ErrNoSuchTransfer
	}
}

// Forward writes payload to the opposite peer's sink. It takes a handle
// to the partner's sink and releases the room lock (and never touches
// the registry lock) before writing, so a slow or blocked peer cannot
// stall unrelated rooms.
func (reg *Registry) Forward(room *Room, from wire.Role, payload []byte) error {
	room.mu.Lock()
	if room.state == Closed {
		room.mu.Unlock()
		return nil
	}
	partner := room.partnerSinkFor(from)
	room.mu.Unlock()

	if partner == nil {
		return nil
	}
	if err := partner.Deliver(payload); err != nil {
		reg.closeRoom(room, from)
		return err
	}
	return nil
}

// Leave drops the role's sink, closes the room, and signals the peer on
// the other side.
func (reg *Registry) Leave(room *Room, role wire.Role) {
	reg.closeRoom(room, role)
}

func (reg *Registry) closeRoom(room *Room, leavingRole wire.Role) {
	room.mu.Lock()
	if room.state == Closed {
		room.mu.Unlock()
		return
	}
	room.state = Closed
	partner := room.partnerSinkFor(leavingRole)
	room.mu.Unlock()

	if partner != nil {
		partner.Close()
	}

	reg.mu.Lock()
	if reg.rooms[room.Name] == room {
		delete(reg.rooms, room.Name)
	}
	reg.mu.Unlock()
}

// Contains reports whether name currently maps to a live room; its
// signature fits wordlist.Exists for a registry-side collision check.
func (reg *Registry) Contains(name string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.rooms[name]
	return ok
}

// Len reports the number of active rooms, exposed for metrics.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
