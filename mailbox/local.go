// Copyright © 2023 AMIS Technologies
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mailbox

import (
	"context"
	"sync"
)

// Hub wires a fixed set of in-memory Mailboxes together for tests and for
// running every participant of a run as goroutines in a single process.
// Each participant gets a buffered channel holding (sender, payload)
// envelopes addressed to it.
type Hub struct {
	mu    sync.Mutex
	boxes map[string]*localMailbox
}

// NewHub creates an empty hub. Call Mailbox for each participant id before
// any of them start sending.
func NewHub() *Hub {
	return &Hub{boxes: make(map[string]*localMailbox)}
}

// Mailbox returns the Mailbox for id, creating it if this is the first
// call for that id.
func (h *Hub) Mailbox(id string) *localMailbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	box, ok := h.boxes[id]
	if !ok {
		box = &localMailbox{
			id:     id,
			hub:    h,
			inbox:  make(chan Envelope, 256),
			closed: make(chan struct{}),
		}
		h.boxes[id] = box
	}
	return box
}

func (h *Hub) lookup(id string) (*localMailbox, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	box, ok := h.boxes[id]
	return box, ok
}

type localMailbox struct {
	id    string
	hub   *Hub
	inbox chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func (m *localMailbox) Send(ctx context.Context, recipientID string, payload interface{}) error {
	recipient, ok := m.hub.lookup(recipientID)
	if !ok {
		recipient = m.hub.Mailbox(recipientID)
	}
	env := Envelope{From: m.id, Payload: payload}
	select {
	case recipient.inbox <- env:
		return nil
	case <-recipient.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *localMailbox) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-m.inbox:
		if !ok {
			return Envelope{}, ErrClosed
		}
		return env, nil
	case <-m.closed:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (m *localMailbox) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Lossy wraps a Mailbox so tests can simulate peer-to-peer and
// peer-to-FP message loss: the first N sends to a given recipient are
// silently dropped instead of delivered.
type Lossy struct {
	Mailbox
	mu   sync.Mutex
	drop map[string]int
}

// NewLossy wraps inner. Nothing is dropped until DropNext is called.
func NewLossy(inner Mailbox) *Lossy {
	return &Lossy{Mailbox: inner, drop: make(map[string]int)}
}

// DropNext arranges for the next n sends to recipientID to be silently
// discarded rather than delivered.
func (l *Lossy) DropNext(recipientID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drop[recipientID] += n
}

func (l *Lossy) Send(ctx context.Context, recipientID string, payload interface{}) error {
	l.mu.Lock()
	remaining := l.drop[recipientID]
	if remaining > 0 {
		l.drop[recipientID] = remaining - 1
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.Mailbox.Send(ctx, recipientID, payload)
}
