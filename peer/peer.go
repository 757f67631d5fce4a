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

// Package peer implements the input-party state machine: it masks its
// own row block, exchanges masked data with every other peer, and
// answers the function party's request schedule with Gram fragments.
package peer

import (
	"context"
	"math/rand"
	"time"

	"github.com/getamis/sirius/log"
	"gonum.org/v1/gonum/mat"

	"github.com/escapedmpc/escaped/mailbox"
	"github.com/escapedmpc/escaped/mask"
	"github.com/escapedmpc/escaped/message"
)

// DefaultFPID is the function party's participant identifier, used to
// distinguish FP-originated requests from peer-to-peer messages on the
// mailbox.
const DefaultFPID = "function_party"

// DataSource supplies a peer's row block and, if labels were requested,
// its label vector. Concrete implementations load from CSV (see
// DataSourceFromCSV) or hold an in-memory matrix for tests.
type DataSource interface {
	OwnData() *mat.Dense
	OwnLabels() []float64
}

// UserDefHandler answers a ReqUserDef request. It is a pass-through
// extension point; the core never calls it unless the function party
// schedules a UserDef request.
type UserDefHandler func(req message.PFRequestMsg) string

// Config carries per-run, per-peer parameters.
type Config struct {
	SelfID  string
	Peers   []string // every other input peer's identifier
	FPID    string   // defaults to DefaultFPID if empty
	RandMin float64
	RandMax float64
	Timeout time.Duration
}

func (c Config) fpID() string {
	if c.FPID == "" {
		return DefaultFPID
	}
	return c.FPID
}

type pendingFragment struct {
	Type     message.DataType
	Fragment message.PeerGram
}

// Engine is one peer's protocol state machine. It is not safe for
// concurrent use; Run drives a single-threaded cooperative loop.
type Engine struct {
	cfg     Config
	mb      mailbox.Mailbox
	data    DataSource
	userDef UserDefHandler
	logger  log.Logger
	rng     *rand.Rand

	state    *mask.State
	pending  []pendingFragment
	awaiting map[string]bool

	lastFPMsg   *message.PFDataMsg
	lastFPReqID uint64

	lastTimeoutCheck time.Time
	teardown         bool
}

// New constructs a peer engine. rng may be nil, in which case a
// time-seeded source is used.
func New(cfg Config, mb mailbox.Mailbox, data DataSource, userDef UserDefHandler, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		cfg:      cfg,
		mb:       mb,
		data:     data,
		userDef:  userDef,
		logger:   log.New("self", cfg.SelfID),
		rng:      rng,
		awaiting: make(map[string]bool, len(cfg.Peers)),
	}
}

// Run executes the peer's entire lifecycle: sample the mask, exchange
// masked data with every peer, then answer function-party requests until
// a Teardown request arrives or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	state, err := mask.NewState(e.data.OwnData(), e.cfg.RandMin, e.cfg.RandMax, e.rng)
	if err != nil {
		return err
	}
	e.state = state
	e.lastTimeoutCheck = time.Now()

	for _, p := range e.cfg.Peers {
		e.awaiting[p] = true
		if err := e.shareMaskedData(ctx, p); err != nil {
			return err
		}
	}

	for !e.teardown {
		env, err := e.mb.Recv(ctx)
		if err != nil {
			return err
		}
		switch {
		case env.From == e.cfg.fpID():
			if err := e.handleFPRequest(ctx, env.Payload); err != nil {
				return err
			}
		case e.isPeer(env.From):
			if err := e.handlePeerMsg(ctx, env.From, env.Payload); err != nil {
				return err
			}
		default:
			e.logger.Warn("Got message from unknown sender", "from", env.From)
		}
	}
	return nil
}

func (e *Engine) isPeer(id string) bool {
	for _, p := range e.cfg.Peers {
		if p == id {
			return true
		}
	}
	return false
}

// shareMaskedData sends this peer's role-appropriate masked message to
// peer: AliceMasked if this peer is Alice with respect to peer, BobMasked
// otherwise.
func (e *Engine) shareMaskedData(ctx context.Context, peer string) error {
	role, err := mask.AssignRole(e.cfg.SelfID, peer)
	if err != nil {
		return err
	}
	switch role {
	case mask.RoleAlice:
		return e.mb.Send(ctx, peer, message.AliceMasked{
			MaskedData:      e.state.MaskedData,
			PartialUnmasker: e.state.PartialUnmasker,
		})
	default:
		return e.mb.Send(ctx, peer, message.BobMasked{MaskedData: e.state.MaskedData})
	}
}

// handlePeerMsg processes an AliceMasked, BobMasked or Request message
// from another input peer.
func (e *Engine) handlePeerMsg(ctx context.Context, sender string, payload interface{}) error {
	switch msg := payload.(type) {
	case message.Request:
		e.logger.Info("Got resend request, resharing masked data", "peer", sender)
		return e.shareMaskedData(ctx, sender)
	case message.AliceMasked:
		if !e.awaiting[sender] {
			e.logger.Info("Got data again, ignoring", "peer", sender)
			return nil
		}
		component, unmasker := e.state.BobFragment(msg.MaskedData, msg.PartialUnmasker)
		e.pending = append(e.pending, pendingFragment{
			Type: message.DataBobGram,
			Fragment: message.PeerGram{
				PairingID: message.PairingID{Alice: sender, Bob: e.cfg.SelfID},
				Component: component,
				Unmasker:  unmasker,
			},
		})
		e.awaiting[sender] = false
		return nil
	case message.BobMasked:
		if !e.awaiting[sender] {
			e.logger.Info("Got data again, ignoring", "peer", sender)
			return nil
		}
		component, unmasker := e.state.AliceFragment(msg.MaskedData)
		e.pending = append(e.pending, pendingFragment{
			Type: message.DataAliceGram,
			Fragment: message.PeerGram{
				PairingID: message.PairingID{Alice: e.cfg.SelfID, Bob: sender},
				Component: component,
				Unmasker:  unmasker,
			},
		})
		e.awaiting[sender] = false
		return nil
	default:
		e.logger.Warn("Got unexpected peer-to-peer message", "peer", sender)
		return nil
	}
}

// handleFPRequest processes a PFRequestMsg from the function party,
// first running the opportunistic timeout check that resends masked
// data to any peer still not heard from.
func (e *Engine) handleFPRequest(ctx context.Context, payload interface{}) error {
	e.timeoutCheck(ctx)

	req, ok := payload.(message.PFRequestMsg)
	if !ok {
		e.logger.Warn("Got malformed function-party message, ignoring")
		return nil
	}

	switch {
	case req.RequestID < e.lastFPReqID:
		e.logger.Debug("Stale request, ignoring", "requestId", req.RequestID)
		return nil
	case req.RequestID == e.lastFPReqID:
		e.logger.Info("Duplicate request, resending last response", "requestId", req.RequestID)
		return e.sendToFP(ctx, *e.lastFPMsg)
	}

	switch req.Type {
	case message.ReqYourGram:
		return e.reply(ctx, req.RequestID, message.PFDataMsg{
			RequestID: req.RequestID,
			Type:      message.DataOwnGram,
			Gram:      e.state.OwnGram,
		})
	case message.ReqNextPeerGram:
		if len(e.pending) == 0 {
			e.logger.Info("No gram fragment ready yet, FP will retry", "requestId", req.RequestID)
			return nil
		}
		next := e.pending[0]
		e.pending = e.pending[1:]
		frag := next.Fragment
		return e.reply(ctx, req.RequestID, message.PFDataMsg{
			RequestID: req.RequestID,
			Type:      next.Type,
			Fragment:  &frag,
		})
	case message.ReqLabel:
		return e.reply(ctx, req.RequestID, message.PFDataMsg{
			RequestID: req.RequestID,
			Type:      message.DataLabel,
			Label:     e.data.OwnLabels(),
		})
	case message.ReqUserDef:
		var answer string
		if e.userDef != nil {
			answer = e.userDef(req)
		}
		return e.reply(ctx, req.RequestID, message.PFDataMsg{
			RequestID: req.RequestID,
			Type:      message.DataUserDef,
			UserDef:   answer,
		})
	case message.ReqTeardown:
		e.logger.Info("Got teardown request")
		e.teardown = true
		return nil
	default:
		e.logger.Warn("Got unexpected request type, will do nothing", "type", req.Type)
		return nil
	}
}

func (e *Engine) reply(ctx context.Context, reqID uint64, msg message.PFDataMsg) error {
	e.lastFPMsg = &msg
	e.lastFPReqID = reqID
	return e.sendToFP(ctx, msg)
}

func (e *Engine) sendToFP(ctx context.Context, msg message.PFDataMsg) error {
	return e.mb.Send(ctx, e.cfg.fpID(), msg)
}

// timeoutCheck resends a Request to any peer this engine is still
// awaiting masked data from, if more than Timeout has elapsed since the
// last check. It is invoked opportunistically whenever a request from
// the function party arrives.
func (e *Engine) timeoutCheck(ctx context.Context) {
	now := time.Now()
	if now.Sub(e.lastTimeoutCheck) > e.cfg.Timeout {
		for p, waiting := range e.awaiting {
			if waiting {
				if err := e.mb.Send(ctx, p, message.Request{}); err != nil {
					e.logger.Warn("Failed to resend request to peer", "peer", p, "err", err)
					continue
				}
				e.logger.Info("Timeout, resending request to peer", "peer", p)
			}
		}
	}
	e.lastTimeoutCheck = now
}
