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

// Package tcp is a plain-TCP store-and-forward transport for
// mailbox.Mailbox: a single rendezvous process holds one queue per
// participant identifier, and every peer and the function party dial
// into it to push and pull envelopes. It is the networked counterpart
// of mailbox.Hub, used when participants run as separate processes
// instead of goroutines in one.
package tcp

import (
	"encoding/gob"
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/escapedmpc/escaped/message"
)

func init() {
	gob.Register(wireAliceMasked{})
	gob.Register(wireBobMasked{})
	gob.Register(wirePPRequest{})
	gob.Register(wirePFRequest{})
	gob.Register(wirePFData{})
}

// ErrUnknownPayload is returned by Send when asked to ship a payload
// type that has no wire form.
var ErrUnknownPayload = errors.New("tcp: unknown payload type")

type opCode uint8

const (
	opPush opCode = iota + 1
	opPull
)

// wireRequest is the single frame a client sends per connection.
type wireRequest struct {
	Op      opCode
	To      string      // opPush: recipient queue
	From    string      // opPush: sender identity recorded in the envelope
	Self    string      // opPull: the queue being polled
	Payload interface{} // opPush only
}

// wireResponse is the single frame the rendezvous replies with.
type wireResponse struct {
	OK      bool
	Empty   bool // opPull only: no envelope currently queued
	From    string
	Payload interface{}
	Err     string
}

// wireMatrix is the flat form a *mat.Dense travels in; mat.Dense itself
// has no exported fields so gob cannot encode it directly.
type wireMatrix struct {
	Rows, Cols int
	Data       []float64
}

func toWireMatrix(m *mat.Dense) wireMatrix {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return wireMatrix{Rows: r, Cols: c, Data: data}
}

func (w wireMatrix) dense() *mat.Dense {
	return mat.NewDense(w.Rows, w.Cols, w.Data)
}

type wireAliceMasked struct {
	MaskedData      wireMatrix
	PartialUnmasker wireMatrix
}

type wireBobMasked struct {
	MaskedData wireMatrix
}

type wirePPRequest struct{}

type wirePFRequest struct {
	RequestID uint64
	Type      int32
	Spec      string
}

type wirePeerGram struct {
	Alice, Bob string
	Component  wireMatrix
	Unmasker   wireMatrix
}

type wirePFData struct {
	RequestID uint64
	Type      int32
	Gram      *wireMatrix
	Fragment  *wirePeerGram
	Label     []float64
	UserDef   string
}

// toWire converts an engine-level payload to its gob-encodable form.
func toWire(payload interface{}) (interface{}, error) {
	switch msg := payload.(type) {
	case message.AliceMasked:
		return wireAliceMasked{
			MaskedData:      toWireMatrix(msg.MaskedData),
			PartialUnmasker: toWireMatrix(msg.PartialUnmasker),
		}, nil
	case message.BobMasked:
		return wireBobMasked{MaskedData: toWireMatrix(msg.MaskedData)}, nil
	case message.Request:
		return wirePPRequest{}, nil
	case message.PFRequestMsg:
		return wirePFRequest{RequestID: msg.RequestID, Type: int32(msg.Type), Spec: msg.Spec}, nil
	case message.PFDataMsg:
		out := wirePFData{
			RequestID: msg.RequestID,
			Type:      int32(msg.Type),
			Label:     msg.Label,
			UserDef:   msg.UserDef,
		}
		if msg.Gram != nil {
			g := toWireMatrix(msg.Gram)
			out.Gram = &g
		}
		if msg.Fragment != nil {
			out.Fragment = &wirePeerGram{
				Alice:     msg.Fragment.PairingID.Alice,
				Bob:       msg.Fragment.PairingID.Bob,
				Component: toWireMatrix(msg.Fragment.Component),
				Unmasker:  toWireMatrix(msg.Fragment.Unmasker),
			}
		}
		return out, nil
	default:
		return nil, ErrUnknownPayload
	}
}

// fromWire is the inverse of toWire. An unrecognized wire type is passed
// through unchanged and left for the engine to log and drop.
func fromWire(payload interface{}) interface{} {
	switch msg := payload.(type) {
	case wireAliceMasked:
		return message.AliceMasked{
			MaskedData:      msg.MaskedData.dense(),
			PartialUnmasker: msg.PartialUnmasker.dense(),
		}
	case wireBobMasked:
		return message.BobMasked{MaskedData: msg.MaskedData.dense()}
	case wirePPRequest:
		return message.Request{}
	case wirePFRequest:
		return message.PFRequestMsg{RequestID: msg.RequestID, Type: message.ReqType(msg.Type), Spec: msg.Spec}
	case wirePFData:
		out := message.PFDataMsg{
			RequestID: msg.RequestID,
			Type:      message.DataType(msg.Type),
			Label:     msg.Label,
			UserDef:   msg.UserDef,
		}
		if msg.Gram != nil {
			out.Gram = msg.Gram.dense()
		}
		if msg.Fragment != nil {
			out.Fragment = &message.PeerGram{
				PairingID: message.PairingID{Alice: msg.Fragment.Alice, Bob: msg.Fragment.Bob},
				Component: msg.Fragment.Component.dense(),
				Unmasker:  msg.Fragment.Unmasker.dense(),
			}
		}
		return out
	default:
		return payload
	}
}
