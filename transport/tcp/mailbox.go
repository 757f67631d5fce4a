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

package tcp

import (
	"context"
	"encoding/gob"
	"errors"
	"net"
	"time"

	"github.com/escapedmpc/escaped/mailbox"
)

// Mailbox dials a rendezvous Server on demand for every Send and Recv
// call. It holds no persistent connection and no local buffering; all
// ordering and loss behavior comes from the server's per-participant
// queue.
type Mailbox struct {
	selfID      string
	addr        string
	dialTimeout time.Duration
	pollEvery   time.Duration
	closed      chan struct{}
}

// NewMailbox returns a Mailbox that identifies itself as selfID when
// pushing and pulls from selfID's queue on the rendezvous at addr.
func NewMailbox(selfID, addr string) *Mailbox {
	return &Mailbox{
		selfID:      selfID,
		addr:        addr,
		dialTimeout: 5 * time.Second,
		pollEvery:   200 * time.Millisecond,
		closed:      make(chan struct{}),
	}
}

func (m *Mailbox) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	d := net.Dialer{Timeout: m.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return wireResponse{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := gob.NewEncoder(conn).Encode(req); err != nil {
		return wireResponse{}, err
	}
	var resp wireResponse
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return wireResponse{}, err
	}
	if resp.Err != "" {
		return wireResponse{}, errors.New(resp.Err)
	}
	return resp, nil
}

// Send pushes payload onto recipientID's queue on the rendezvous,
// flattened into its gob-encodable wire form.
func (m *Mailbox) Send(ctx context.Context, recipientID string, payload interface{}) error {
	wire, err := toWire(payload)
	if err != nil {
		return err
	}
	_, err = m.roundTrip(ctx, wireRequest{Op: opPush, To: recipientID, From: m.selfID, Payload: wire})
	return err
}

// Recv polls this mailbox's own queue until an envelope is available,
// ctx is cancelled, or Close is called.
func (m *Mailbox) Recv(ctx context.Context) (mailbox.Envelope, error) {
	for {
		select {
		case <-m.closed:
			return mailbox.Envelope{}, mailbox.ErrClosed
		case <-ctx.Done():
			return mailbox.Envelope{}, ctx.Err()
		default:
		}

		resp, err := m.roundTrip(ctx, wireRequest{Op: opPull, Self: m.selfID})
		if err != nil {
			return mailbox.Envelope{}, err
		}
		if !resp.Empty {
			return mailbox.Envelope{From: resp.From, Payload: fromWire(resp.Payload)}, nil
		}

		select {
		case <-m.closed:
			return mailbox.Envelope{}, mailbox.ErrClosed
		case <-ctx.Done():
			return mailbox.Envelope{}, ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

// Close unblocks any pending Recv call. It does not close a TCP
// connection since Mailbox keeps none open between calls.
func (m *Mailbox) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}
