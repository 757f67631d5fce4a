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

// Package mask implements the additive/scalar masking algebra: sampling a
// peer's mask and scalar, producing the masked data and partial unmasker
// shared with other peers, and combining the two fragments of a cross-block
// into D_p * D_q^T without either peer's raw rows ever leaving its process.
package mask

import (
	"errors"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidRandRange is returned if RAND_MIN is not strictly positive
	// or RAND_MIN >= RAND_MAX, which would make alpha non-invertible or
	// the sampling interval empty.
	ErrInvalidRandRange = errors.New("mask: RAND_MIN must be > 0 and < RAND_MAX")
	// ErrEqualIdentifiers is returned if two peers are asked to compare
	// identical identifiers for role assignment.
	ErrEqualIdentifiers = errors.New("mask: peer identifiers must be distinct")
)

// Role is the Alice/Bob label induced by an ordered pair of peer
// identifiers: p is Alice over q iff p < q lexicographically.
type Role int

const (
	RoleAlice Role = iota + 1
	RoleBob
)

func (r Role) String() string {
	if r == RoleAlice {
		return "Alice"
	}
	return "Bob"
}

// AssignRole returns self's role with respect to peer. It never negotiates
// with the remote side: both ends compute the same answer from the total
// order on identifier strings alone.
func AssignRole(self, peer string) (Role, error) {
	if self == peer {
		return 0, ErrEqualIdentifiers
	}
	if self < peer {
		return RoleAlice, nil
	}
	return RoleBob, nil
}

// State holds one peer's private masking material for a run: its row
// block, the sampled mask and scalar, and the two values derived from them
// that are safe to share (MaskedData, PartialUnmasker) plus the private
// own-Gram block.
type State struct {
	Data            *mat.Dense
	Mask            *mat.Dense
	Alpha           float64
	MaskedData      *mat.Dense
	PartialUnmasker *mat.Dense
	OwnGram         *mat.Dense
}

// NewState samples a mask and scalar uniform in [randMin, randMax) using
// rng, and derives the masked data, partial unmasker and own Gram block
// for one peer's row block.
func NewState(data *mat.Dense, randMin, randMax float64, rng *rand.Rand) (*State, error) {
	if !(randMin > 0) || randMin >= randMax {
		return nil, ErrInvalidRandRange
	}
	r, c := data.Dims()

	m := mat.NewDense(r, c, nil)
	m.Apply(func(i, j int, _ float64) float64 {
		return randMin + rng.Float64()*(randMax-randMin)
	}, m)
	alpha := randMin + rng.Float64()*(randMax-randMin)

	maskedData := mat.NewDense(r, c, nil)
	maskedData.Sub(data, m)

	partialUnmasker := mat.NewDense(r, c, nil)
	partialUnmasker.Scale(alpha, m)

	ownGram := mat.NewDense(r, r, nil)
	ownGram.Mul(data, data.T())

	return &State{
		Data:            data,
		Mask:            m,
		Alpha:           alpha,
		MaskedData:      maskedData,
		PartialUnmasker: partialUnmasker,
		OwnGram:         ownGram,
	}, nil
}

// AliceUnmasker returns the scalar unmasker (1/alpha) this peer contributes
// when it plays Alice, wrapped as a 1x1 matrix so it composes uniformly
// with the matrix-shaped unmasker the Bob side contributes (see Combine).
func (s *State) AliceUnmasker() *mat.Dense {
	return mat.NewDense(1, 1, []float64{1.0 / s.Alpha})
}

// AliceFragment computes the AliceGram fragment this peer (playing Alice)
// produces upon receiving a BobMasked message from its Bob counterpart:
// component = M_self * masked_data_bob^T, unmasker = 1/alpha_self.
func (s *State) AliceFragment(bobMaskedData *mat.Dense) (component, unmasker *mat.Dense) {
	nSelf, _ := s.Mask.Dims()
	nBob, _ := bobMaskedData.Dims()
	component = mat.NewDense(nSelf, nBob, nil)
	component.Mul(s.Mask, bobMaskedData.T())
	return component, s.AliceUnmasker()
}

// BobFragment computes the BobGram fragment this peer (playing Bob)
// produces upon receiving an AliceMasked message from its Alice
// counterpart: component = masked_data_alice * D_self^T,
// unmasker = partial_unmasker_alice * M_self^T.
func (s *State) BobFragment(aliceMaskedData, alicePartialUnmasker *mat.Dense) (component, unmasker *mat.Dense) {
	nAlice, _ := aliceMaskedData.Dims()
	nSelf, _ := s.Data.Dims()
	component = mat.NewDense(nAlice, nSelf, nil)
	component.Mul(aliceMaskedData, s.Data.T())

	unmasker = mat.NewDense(nAlice, nSelf, nil)
	unmasker.Mul(alicePartialUnmasker, s.Mask.T())
	return component, unmasker
}

// Combine folds a newly arrived (component, unmasker) fragment into the
// running accumulation for one pairing id. The first fragment to arrive
// for a pairing is stored verbatim; the second is combined by elementwise
// addition of the components and elementwise (broadcast) multiplication
// of the unmaskers.
func Combine(existingComponent, existingUnmasker, newComponent, newUnmasker *mat.Dense) (component, unmasker *mat.Dense) {
	if existingComponent == nil {
		return newComponent, newUnmasker
	}
	r, c := existingComponent.Dims()
	component = mat.NewDense(r, c, nil)
	component.Add(existingComponent, newComponent)
	unmasker = broadcastMul(existingUnmasker, newUnmasker)
	return component, unmasker
}

// FinalBlock turns an accumulator entry into the reconstructed cross-block
// D_p * D_q^T. Because one of the two fragments' unmaskers is pre-folded as
// a scalar and the other carries the full M_p*M_q^T cross-term, the
// correct combining step is elementwise addition of the component and
// unmasker fields (not elementwise multiplication) — see DESIGN.md for the
// algebraic derivation of why that equals D_p*D_q^T.
func FinalBlock(component, unmasker *mat.Dense) *mat.Dense {
	r, c := component.Dims()
	out := mat.NewDense(r, c, nil)
	out.Add(component, broadcastTo(unmasker, r, c))
	return out
}

// broadcastMul multiplies two unmasker values elementwise, broadcasting a
// 1x1 operand (a scalar contributed by an Alice-role fragment) against a
// full matrix operand (contributed by a Bob-role fragment).
func broadcastMul(a, b *mat.Dense) *mat.Dense {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	switch {
	case ar == 1 && ac == 1 && !(br == 1 && bc == 1):
		out := mat.NewDense(br, bc, nil)
		out.Scale(a.At(0, 0), b)
		return out
	case br == 1 && bc == 1 && !(ar == 1 && ac == 1):
		out := mat.NewDense(ar, ac, nil)
		out.Scale(b.At(0, 0), a)
		return out
	default:
		out := mat.NewDense(ar, ac, nil)
		out.MulElem(a, b)
		return out
	}
}

// broadcastTo expands a 1x1 scalar matrix to an r x c matrix of that
// constant; a matrix already of shape (r, c) is returned unchanged.
func broadcastTo(m *mat.Dense, r, c int) *mat.Dense {
	mr, mc := m.Dims()
	if mr == r && mc == c {
		return m
	}
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, _ float64) float64 { return m.At(0, 0) }, out)
	return out
}
