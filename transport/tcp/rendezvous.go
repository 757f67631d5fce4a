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
	"net"
	"sync"

	"github.com/getamis/sirius/log"
)

// Server is the rendezvous process: it holds one FIFO queue per
// participant identifier and serves push/pull requests over TCP.
// Queues for the client IDs given to NewServer exist from the start,
// mirroring Connserver's fixed client_ids roster; a push to any other
// ID creates that ID's queue on the fly.
type Server struct {
	ln     net.Listener
	logger log.Logger

	mu     sync.Mutex
	queues map[string][]queuedEnvelope
}

type queuedEnvelope struct {
	From    string
	Payload interface{}
}

// NewServer binds addr and pre-creates an empty queue for every
// participant ID (every input peer plus the function party).
func NewServer(addr string, participantIDs []string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:     ln,
		logger: log.New("component", "rendezvous"),
		queues: make(map[string][]queuedEnvelope, len(participantIDs)),
	}
	for _, id := range participantIDs {
		s.queues[id] = nil
	}
	return s, nil
}

// Addr returns the address the server is actually bound to, useful when
// constructed with port 0 for tests.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection carries exactly one request/response frame.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	var req wireRequest
	if err := dec.Decode(&req); err != nil {
		s.logger.Warn("Failed to decode request", "err", err)
		return
	}

	var resp wireResponse
	switch req.Op {
	case opPush:
		s.mu.Lock()
		s.queues[req.To] = append(s.queues[req.To], queuedEnvelope{From: req.From, Payload: req.Payload})
		s.mu.Unlock()
		resp.OK = true
	case opPull:
		s.mu.Lock()
		q := s.queues[req.Self]
		if len(q) == 0 {
			resp.Empty = true
		} else {
			resp.From = q[0].From
			resp.Payload = q[0].Payload
			s.queues[req.Self] = q[1:]
		}
		s.mu.Unlock()
		resp.OK = true
	default:
		resp.Err = "unknown op"
	}

	if err := enc.Encode(resp); err != nil {
		s.logger.Warn("Failed to encode response", "err", err)
	}
}
