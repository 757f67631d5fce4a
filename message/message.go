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

// Package message defines the wire-level tagged unions exchanged between
// peers and the function party: peer-to-peer masked-data messages (PPMsg),
// function-party requests (PFRequestMsg) and the peer's data responses
// (PFDataMsg), plus the function party's own internal self-messages.
package message

import "gonum.org/v1/gonum/mat"

// ReqType enumerates the requests a function party can issue to a peer.
type ReqType int32

const (
	ReqYourGram ReqType = iota + 1
	ReqNextPeerGram
	ReqLabel
	ReqUserDef
	ReqTeardown
)

func (t ReqType) String() string {
	switch t {
	case ReqYourGram:
		return "YourGram"
	case ReqNextPeerGram:
		return "NextPeerGram"
	case ReqLabel:
		return "Label"
	case ReqUserDef:
		return "UserDef"
	case ReqTeardown:
		return "Teardown"
	default:
		return "Unknown"
	}
}

// DataType enumerates the kinds of data a peer sends back to the function party.
type DataType int32

const (
	DataOwnGram DataType = iota + 1
	DataAliceGram
	DataBobGram
	DataLabel
	DataUserDef
)

func (t DataType) String() string {
	switch t {
	case DataOwnGram:
		return "OwnGram"
	case DataAliceGram:
		return "AliceGram"
	case DataBobGram:
		return "BobGram"
	case DataLabel:
		return "Label"
	case DataUserDef:
		return "UserDef"
	default:
		return "Unknown"
	}
}

// PPType enumerates peer-to-peer message kinds.
type PPType int32

const (
	PPAliceMasked PPType = iota + 1
	PPBobMasked
	PPRequest
)

// PairingID identifies an ordered (Alice, Bob) pair whose cross-block the
// function party is assembling.
type PairingID struct {
	Alice string
	Bob   string
}

// AliceMasked is sent by the Alice side of a peer pair to the Bob side: the
// additively masked rows plus the partial unmasker.
type AliceMasked struct {
	MaskedData      *mat.Dense
	PartialUnmasker *mat.Dense
}

func (AliceMasked) PPType() PPType { return PPAliceMasked }

// BobMasked is sent by the Bob side of a peer pair to the Alice side.
type BobMasked struct {
	MaskedData *mat.Dense
}

func (BobMasked) PPType() PPType { return PPBobMasked }

// Request asks the other side of a peer pair to resend its masked data; it
// carries no payload.
type Request struct{}

func (Request) PPType() PPType { return PPRequest }

// PPMsg is the tagged union of peer-to-peer messages.
type PPMsg interface {
	PPType() PPType
}

// PFRequestMsg is sent by the function party to a peer.
type PFRequestMsg struct {
	RequestID uint64
	Type      ReqType
	// Spec carries the out-of-core UserDef request payload. Unused by the
	// core schedule (YourGram, NextPeerGram, Label, Teardown).
	Spec string
}

// PeerGram is the payload of an AliceGram or BobGram data message: one
// fragment of a cross-block, keyed by the ordered pair it contributes to.
//
// Unmasker may be a 1x1 matrix representing a scalar (the peer acting as
// Alice contributes 1/alpha) or a full matrix (the peer acting as Bob
// contributes partial_unmasker * M^T) — see mask.Combine.
type PeerGram struct {
	PairingID PairingID
	Component *mat.Dense
	Unmasker  *mat.Dense
}

// PFDataMsg is a peer's response to a PFRequestMsg.
type PFDataMsg struct {
	RequestID uint64
	Type      DataType

	Gram     *mat.Dense // DataOwnGram
	Fragment *PeerGram  // DataAliceGram, DataBobGram
	Label    []float64  // DataLabel
	UserDef  string     // DataUserDef
}

// Self-message kinds driving the function party's own event loop. These
// never leave the FP process.
type SelfType int32

const (
	SelfStartConv SelfType = iota + 1
	SelfTimeoutCheck
	SelfEndOnlinePhase
)

// SelfMsg is the function party's internal scheduling message.
type SelfMsg struct {
	Type SelfType
	Peer string // only meaningful for SelfStartConv
}
