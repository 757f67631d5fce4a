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

// Package fp implements the function-party state machine: it drives a
// planned request schedule against every peer, accumulates the
// Gram fragments they return, and assembles the full Gram matrix.
package fp

import (
	"context"
	"time"

	"github.com/getamis/sirius/log"
	"gonum.org/v1/gonum/mat"

	"github.com/escapedmpc/escaped/mailbox"
	"github.com/escapedmpc/escaped/mask"
	"github.com/escapedmpc/escaped/message"
)

// UserDefHandler observes a peer's answer to a UserDef request. It is a
// pass-through extension point; the core schedule never emits ReqUserDef
// unless Config.UserDefSpecs is non-empty.
type UserDefHandler func(sender string, msg message.PFDataMsg)

// Config carries one run's fixed parameters.
type Config struct {
	Peers        []string
	FPID         string // defaults to peer.DefaultFPID if empty
	Timeout      time.Duration
	Labels       bool
	UserDefSpecs []string // one ReqUserDef request per entry, in order
}

const defaultFPID = "function_party"

func (c Config) fpID() string {
	if c.FPID == "" {
		return defaultFPID
	}
	return c.FPID
}

type peerState struct {
	curReqID    uint64
	lastRequest time.Time
	stillActive bool
}

type fragmentAccumulator struct {
	component *mat.Dense
	unmasker  *mat.Dense
}

// Engine is the function party's protocol state machine.
type Engine struct {
	cfg     Config
	mb      mailbox.Mailbox
	userDef UserDefHandler
	logger  log.Logger

	schedule    map[uint64]message.PFRequestMsg
	nbRequests  uint64
	teardownReq message.PFRequestMsg

	peerStates map[string]*peerState
	parts      map[message.PairingID]*fragmentAccumulator
	labelParts map[string][]float64

	self chan message.SelfMsg

	pollInterval time.Duration
}

// New constructs a function-party engine for one run.
func New(cfg Config, mb mailbox.Mailbox, userDef UserDefHandler) *Engine {
	poll := cfg.Timeout / 4
	if poll < time.Millisecond {
		poll = time.Millisecond
	}
	return &Engine{
		cfg:          cfg,
		mb:           mb,
		userDef:      userDef,
		logger:       log.New("self", cfg.fpID()),
		parts:        make(map[message.PairingID]*fragmentAccumulator),
		labelParts:   make(map[string][]float64),
		self:         make(chan message.SelfMsg, len(cfg.Peers)+2),
		pollInterval: poll,
	}
}

// planSchedule builds the fixed, identical request sequence issued to
// every peer.
func (e *Engine) planSchedule() {
	var types []message.ReqType
	types = append(types, message.ReqYourGram)
	for i := 0; i < len(e.cfg.Peers)-1; i++ {
		types = append(types, message.ReqNextPeerGram)
	}
	if e.cfg.Labels {
		types = append(types, message.ReqLabel)
	}
	for range e.cfg.UserDefSpecs {
		types = append(types, message.ReqUserDef)
	}

	e.schedule = make(map[uint64]message.PFRequestMsg, len(types))
	userDefIdx := 0
	for i, t := range types {
		reqID := uint64(i + 1)
		req := message.PFRequestMsg{RequestID: reqID, Type: t}
		if t == message.ReqUserDef {
			req.Spec = e.cfg.UserDefSpecs[userDefIdx]
			userDefIdx++
		}
		e.schedule[reqID] = req
	}
	e.nbRequests = uint64(len(types))
	e.teardownReq = message.PFRequestMsg{RequestID: e.nbRequests + 1, Type: message.ReqTeardown}
}

// Run drives the schedule to completion: every peer answers every
// scheduled request (retried under loss), then Teardown is issued and
// Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.planSchedule()

	e.peerStates = make(map[string]*peerState, len(e.cfg.Peers))
	now := time.Now()
	for _, p := range e.cfg.Peers {
		e.peerStates[p] = &peerState{lastRequest: now, stillActive: true}
	}

	for _, p := range e.cfg.Peers {
		e.self <- message.SelfMsg{Type: message.SelfStartConv, Peer: p}
	}
	e.self <- message.SelfMsg{Type: message.SelfTimeoutCheck}

	incoming := make(chan mailbox.Envelope)
	recvErr := make(chan error, 1)
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go func() {
		for {
			env, err := e.mb.Recv(recvCtx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case incoming <- env:
			case <-recvCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case sm := <-e.self:
			done, err := e.handleSelf(ctx, sm)
			if err != nil {
				return err
			}
			if done {
				e.logger.Info("The function party successfully gathered all data from the input peers.")
				return nil
			}
		case env := <-incoming:
			if err := e.handleData(ctx, env.From, env.Payload); err != nil {
				return err
			}
		case err := <-recvErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) handleSelf(ctx context.Context, sm message.SelfMsg) (done bool, err error) {
	switch sm.Type {
	case message.SelfStartConv:
		e.logger.Info("Starting conversation", "peer", sm.Peer)
		return false, e.sendNext(ctx, 0, sm.Peer)

	case message.SelfTimeoutCheck:
		now := time.Now()
		anyActive := false
		for p, ps := range e.peerStates {
			if !ps.stillActive {
				continue
			}
			anyActive = true
			if now.Sub(ps.lastRequest) > e.cfg.Timeout {
				req := e.schedule[ps.curReqID]
				if err := e.mb.Send(ctx, p, req); err != nil {
					e.logger.Warn("Failed to resend request", "peer", p, "err", err)
					continue
				}
				ps.lastRequest = time.Now()
				e.logger.Info("Timeout, resending request", "peer", p, "requestId", req.RequestID)
			}
		}
		if anyActive {
			e.scheduleTimeoutCheck(ctx)
		} else {
			e.self <- message.SelfMsg{Type: message.SelfEndOnlinePhase}
		}
		return false, nil

	case message.SelfEndOnlinePhase:
		e.logger.Info("Ending online phase")
		for _, p := range e.cfg.Peers {
			if err := e.mb.Send(ctx, p, e.teardownReq); err != nil {
				return false, err
			}
		}
		return true, nil
	default:
		return false, nil
	}
}

// scheduleTimeoutCheck re-enqueues a TimeoutCheck self-message after
// pollInterval, off the main loop goroutine so the select in Run is never
// blocked waiting on it.
func (e *Engine) scheduleTimeoutCheck(ctx context.Context) {
	go func() {
		t := time.NewTimer(e.pollInterval)
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case e.self <- message.SelfMsg{Type: message.SelfTimeoutCheck}:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

// sendNext sends the next scheduled request to peer, advancing its
// per-peer request cursor, or marks it inactive once reqID equals the
// last scheduled request.
func (e *Engine) sendNext(ctx context.Context, reqID uint64, peer string) error {
	ps := e.peerStates[peer]
	if reqID == e.nbRequests {
		ps.stillActive = false
		e.logger.Info("Conversation finished", "peer", peer)
		return nil
	}
	req := e.schedule[reqID+1]
	if err := e.mb.Send(ctx, peer, req); err != nil {
		return err
	}
	ps.curReqID = reqID + 1
	ps.lastRequest = time.Now()
	return nil
}

// handleData processes a PFDataMsg from a peer.
func (e *Engine) handleData(ctx context.Context, sender string, payload interface{}) error {
	msg, ok := payload.(message.PFDataMsg)
	if !ok {
		e.logger.Warn("Got malformed peer message, ignoring", "peer", sender)
		return nil
	}
	ps, ok := e.peerStates[sender]
	if !ok {
		e.logger.Warn("Got message from unregistered peer, ignoring", "peer", sender)
		return nil
	}
	if ps.curReqID > msg.RequestID {
		e.logger.Debug("Got stale data again, ignoring", "peer", sender, "requestId", msg.RequestID)
		return nil
	}

	switch msg.Type {
	case message.DataOwnGram:
		r, c := msg.Gram.Dims()
		zeros := mat.NewDense(r, c, nil)
		id := message.PairingID{Alice: sender, Bob: sender}
		e.parts[id] = &fragmentAccumulator{component: msg.Gram, unmasker: zeros}

	case message.DataAliceGram, message.DataBobGram:
		if msg.Fragment == nil {
			e.logger.Warn("Got gram message with no fragment, ignoring", "peer", sender)
			return nil
		}
		id := msg.Fragment.PairingID
		existing, ok := e.parts[id]
		var component, unmasker *mat.Dense
		if ok {
			component, unmasker = mask.Combine(existing.component, existing.unmasker, msg.Fragment.Component, msg.Fragment.Unmasker)
		} else {
			component, unmasker = msg.Fragment.Component, msg.Fragment.Unmasker
		}
		e.parts[id] = &fragmentAccumulator{component: component, unmasker: unmasker}

	case message.DataLabel:
		e.labelParts[sender] = msg.Label

	case message.DataUserDef:
		if e.userDef != nil {
			e.userDef(sender, msg)
		}

	default:
		e.logger.Warn("Got message with unknown type, not advancing", "peer", sender, "type", msg.Type)
		return nil
	}

	return e.sendNext(ctx, msg.RequestID, sender)
}

// LabelParts returns the labels collected from every peer that answered a
// ReqLabel request, keyed by peer id.
func (e *Engine) LabelParts() map[string][]float64 {
	return e.labelParts
}

// GetDotProduct assembles the Gram matrix over peers, concatenating
// row-blocks in the given peer order. If peers is nil, Config.Peers
// order is used.
func (e *Engine) GetDotProduct(peers []string) (*mat.Dense, error) {
	if peers == nil {
		peers = e.cfg.Peers
	}
	rowBlocks := make([][]*mat.Dense, len(peers))
	for i, p1 := range peers {
		rowBlocks[i] = make([]*mat.Dense, len(peers))
		for j, p2 := range peers {
			block, err := e.block(p1, p2)
			if err != nil {
				return nil, err
			}
			rowBlocks[i][j] = block
		}
	}
	return assemble(rowBlocks), nil
}

// block returns the reconstructed sub-block for the ordered pair
// (p1, p2), falling back to the transpose of (p2, p1) when only the
// mirror key is populated — the sender of the NextPeerGram fragments may
// have produced either key depending on each peer's Alice/Bob role.
func (e *Engine) block(p1, p2 string) (*mat.Dense, error) {
	id := message.PairingID{Alice: p1, Bob: p2}
	if acc, ok := e.parts[id]; ok {
		return mask.FinalBlock(acc.component, acc.unmasker), nil
	}
	mirror := message.PairingID{Alice: p2, Bob: p1}
	if acc, ok := e.parts[mirror]; ok {
		final := mask.FinalBlock(acc.component, acc.unmasker)
		r, c := final.Dims()
		transposed := mat.NewDense(c, r, nil)
		transposed.Copy(final.T())
		return transposed, nil
	}
	return nil, ErrMissingFragment{P1: p1, P2: p2}
}

func assemble(rowBlocks [][]*mat.Dense) *mat.Dense {
	if len(rowBlocks) == 0 {
		return mat.NewDense(0, 0, nil)
	}
	rowHeights := make([]int, len(rowBlocks))
	colWidths := make([]int, len(rowBlocks[0]))
	for i, row := range rowBlocks {
		r, _ := row[0].Dims()
		rowHeights[i] = r
	}
	for j := range colWidths {
		_, c := rowBlocks[0][j].Dims()
		colWidths[j] = c
	}

	totalRows, totalCols := 0, 0
	for _, h := range rowHeights {
		totalRows += h
	}
	for _, w := range colWidths {
		totalCols += w
	}

	out := mat.NewDense(totalRows, totalCols, nil)
	rowOffset := 0
	for i, row := range rowBlocks {
		colOffset := 0
		for j, block := range row {
			dst := out.Slice(rowOffset, rowOffset+rowHeights[i], colOffset, colOffset+colWidths[j]).(*mat.Dense)
			dst.Copy(block)
			colOffset += colWidths[j]
		}
		rowOffset += rowHeights[i]
	}
	return out
}

// ErrMissingFragment is returned by GetDotProduct if neither ordering of a
// requested pair has been accumulated yet.
type ErrMissingFragment struct {
	P1, P2 string
}

func (e ErrMissingFragment) Error() string {
	return "fp: no gram fragment accumulated yet for pair (" + e.P1 + ", " + e.P2 + ")"
}
