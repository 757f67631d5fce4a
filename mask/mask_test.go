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
package mask

import (
	"math/rand"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"gonum.org/v1/gonum/mat"
)

func TestMask(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Mask Suite")
}

// crossBlock wires two peer states together exactly the way the peer
// engine does across the wire and returns the reconstructed D_a * D_b^T.
func crossBlock(a, b *State) *mat.Dense {
	// b plays Bob, receives AliceMasked from a.
	bobComponent, bobUnmasker := b.BobFragment(a.MaskedData, a.PartialUnmasker)
	// a plays Alice, receives BobMasked from b.
	aliceComponent, aliceUnmasker := a.AliceFragment(b.MaskedData)

	component, unmasker := Combine(nil, nil, bobComponent, bobUnmasker)
	component, unmasker = Combine(component, unmasker, aliceComponent, aliceUnmasker)
	return FinalBlock(component, unmasker)
}

var _ = Describe("mask algebra", func() {
	Context("AssignRole", func() {
		It("orders by identifier string", func() {
			role, err := AssignRole("alice", "bob")
			Expect(err).To(BeNil())
			Expect(role).To(Equal(RoleAlice))

			role, err = AssignRole("bob", "alice")
			Expect(err).To(BeNil())
			Expect(role).To(Equal(RoleBob))
		})

		It("rejects equal identifiers", func() {
			_, err := AssignRole("p1", "p1")
			Expect(err).To(Equal(ErrEqualIdentifiers))
		})
	})

	Context("NewState", func() {
		It("rejects a non-positive or empty sampling range", func() {
			data := mat.NewDense(1, 1, []float64{1})
			rng := rand.New(rand.NewSource(1))
			_, err := NewState(data, 0, 10, rng)
			Expect(err).To(Equal(ErrInvalidRandRange))

			_, err = NewState(data, 5, 5, rng)
			Expect(err).To(Equal(ErrInvalidRandRange))
		})
	})

	// Two peers, d=1, n1=n2=1.
	Context("two scalar peers", func() {
		It("reconstructs the exact cross block", func() {
			rng := rand.New(rand.NewSource(42))
			da := mat.NewDense(1, 1, []float64{3})
			db := mat.NewDense(1, 1, []float64{4})

			sa, err := NewState(da, 1, 42, rng)
			Expect(err).To(BeNil())
			sb, err := NewState(db, 1, 42, rng)
			Expect(err).To(BeNil())

			block := crossBlock(sa, sb)
			Expect(block.At(0, 0)).To(BeNumerically("~", 12.0, 1e-6))

			Expect(sa.OwnGram.At(0, 0)).To(BeNumerically("~", 9.0, 1e-6))
			Expect(sb.OwnGram.At(0, 0)).To(BeNumerically("~", 16.0, 1e-6))
		})
	})

	// Random data, compared against a direct gonum reference
	// computation of D*D^T.
	Context("random peers", func() {
		It("matches a reference D*D^T within tolerance", func() {
			rng := rand.New(rand.NewSource(7))
			na, nb, d := 10, 20, 5

			da := randomDense(rng, na, d)
			db := randomDense(rng, nb, d)

			sa, err := NewState(da, 1, 42, rng)
			Expect(err).To(BeNil())
			sb, err := NewState(db, 1, 42, rng)
			Expect(err).To(BeNil())

			block := crossBlock(sa, sb)

			want := mat.NewDense(na, nb, nil)
			want.Mul(da, db.T())

			for i := 0; i < na; i++ {
				for j := 0; j < nb; j++ {
					Expect(block.At(i, j)).To(BeNumerically("~", want.At(i, j), 1e-6))
				}
			}
		})
	})
})

func randomDense(rng *rand.Rand, r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	m.Apply(func(i, j int, _ float64) float64 { return rng.Float64()*20 - 10 }, m)
	return m
}
