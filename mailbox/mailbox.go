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

// Package mailbox defines the abstract per-participant delivery endpoint
// the peer and function-party engines consume. Any substrate satisfying
// FIFO-per-sender delivery, permitted duplicates and possible
// losses works; concrete implementations live in transport/tcp (a real
// rendezvous + TCP reference deployment) and in this package (an
// in-memory implementation used for tests and single-process demos).
package mailbox

import (
	"context"
	"errors"
)

// ErrClosed is returned by Recv once a Mailbox has been closed; messages
// still queued at that point are not guaranteed to be delivered first.
// The in-memory Send also returns it when the recipient is closed.
var ErrClosed = errors.New("mailbox: closed")

// Envelope pairs an inbound message with the identifier of whoever sent it.
type Envelope struct {
	From    string
	Payload interface{}
}

// Mailbox is the consumer-facing transport contract. Send enqueues a
// message for delivery to recipient and returns once handed to the
// transport (not once delivered). Recv blocks until the next message
// arrives or ctx is cancelled; there is FIFO ordering for a fixed
// (sender, receiver) pair but no ordering across senders, and no
// transport-level delivery guarantee — engines compensate with timeouts
// and idempotent retries.
type Mailbox interface {
	Send(ctx context.Context, recipientID string, payload interface{}) error
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}
