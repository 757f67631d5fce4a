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
package fp

import (
	"context"
	"math/rand"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"gonum.org/v1/gonum/mat"

	"github.com/escapedmpc/escaped/mailbox"
	"github.com/escapedmpc/escaped/peer"
)

type runOptions struct {
	labels map[string][]float64
	// tamper may wrap a participant's mailbox, e.g. to drop sends.
	tamper func(id string, mb mailbox.Mailbox) mailbox.Mailbox
}

// runProtocol drives one full run with every participant as a goroutine
// on an in-memory hub and returns the finished function-party engine.
func runProtocol(datas map[string]*mat.Dense, opts runOptions) *Engine {
	hub := mailbox.NewHub()
	peerIDs := make([]string, 0, len(datas))
	for id := range datas {
		peerIDs = append(peerIDs, id)
	}
	// Deterministic order for schedule planning and assembly.
	for i := 0; i < len(peerIDs); i++ {
		for j := i + 1; j < len(peerIDs); j++ {
			if peerIDs[j] < peerIDs[i] {
				peerIDs[i], peerIDs[j] = peerIDs[j], peerIDs[i]
			}
		}
	}

	wrap := func(id string, mb mailbox.Mailbox) mailbox.Mailbox {
		if opts.tamper == nil {
			return mb
		}
		return opts.tamper(id, mb)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var wg sync.WaitGroup
	seed := int64(1)
	for _, id := range peerIDs {
		others := make([]string, 0, len(peerIDs)-1)
		for _, other := range peerIDs {
			if other != id {
				others = append(others, other)
			}
		}
		engine := peer.New(peer.Config{
			SelfID:  id,
			Peers:   others,
			RandMin: 1,
			RandMax: 42,
			Timeout: 30 * time.Millisecond,
		}, wrap(id, hub.Mailbox(id)), peer.MatrixDataSource{
			Data:   datas[id],
			Labels: opts.labels[id],
		}, nil, rand.New(rand.NewSource(seed)))
		seed++

		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			Expect(engine.Run(ctx)).To(Succeed())
		}()
	}

	fpEngine := New(Config{
		Peers:   peerIDs,
		Timeout: 60 * time.Millisecond,
		Labels:  opts.labels != nil,
	}, wrap(defaultFPID, hub.Mailbox(defaultFPID)), nil)
	Expect(fpEngine.Run(ctx)).To(Succeed())
	wg.Wait()
	return fpEngine
}

// concatRows stacks each peer's row block in peer-id order.
func concatRows(datas map[string]*mat.Dense, order []string) *mat.Dense {
	totalRows, cols := 0, 0
	for _, id := range order {
		r, c := datas[id].Dims()
		totalRows += r
		cols = c
	}
	out := mat.NewDense(totalRows, cols, nil)
	offset := 0
	for _, id := range order {
		r, _ := datas[id].Dims()
		out.Slice(offset, offset+r, 0, cols).(*mat.Dense).Copy(datas[id])
		offset += r
	}
	return out
}

func expectGramMatches(fpEngine *Engine, datas map[string]*mat.Dense, order []string) {
	gram, err := fpEngine.GetDotProduct(order)
	Expect(err).To(BeNil())

	d := concatRows(datas, order)
	n, _ := d.Dims()
	want := mat.NewDense(n, n, nil)
	want.Mul(d, d.T())

	Expect(mat.EqualApprox(gram, want, 1e-6)).To(BeTrue(),
		"got\n%v\nwant\n%v", mat.Formatted(gram), mat.Formatted(want))
}

var _ = Describe("full protocol run", func() {
	It("reconstructs the 2x2 Gram matrix of two single-row peers", func() {
		datas := map[string]*mat.Dense{
			"p1": mat.NewDense(1, 1, []float64{3}),
			"p2": mat.NewDense(1, 1, []float64{4}),
		}
		e := runProtocol(datas, runOptions{})
		gram, err := e.GetDotProduct([]string{"p1", "p2"})
		Expect(err).To(BeNil())
		Expect(gram.At(0, 0)).To(BeNumerically("~", 9, 1e-6))
		Expect(gram.At(0, 1)).To(BeNumerically("~", 12, 1e-6))
		Expect(gram.At(1, 0)).To(BeNumerically("~", 12, 1e-6))
		Expect(gram.At(1, 1)).To(BeNumerically("~", 16, 1e-6))
	})

	It("matches D*D^T for three peers with random blocks", func() {
		rng := rand.New(rand.NewSource(42))
		randomBlock := func(rows, cols int) *mat.Dense {
			out := mat.NewDense(rows, cols, nil)
			out.Apply(func(i, j int, _ float64) float64 { return rng.NormFloat64() }, out)
			return out
		}
		datas := map[string]*mat.Dense{
			"p1": randomBlock(10, 5),
			"p2": randomBlock(20, 5),
			"p3": randomBlock(30, 5),
		}
		e := runProtocol(datas, runOptions{})
		expectGramMatches(e, datas, []string{"p1", "p2", "p3"})
	})

	It("recovers from a dropped peer-to-peer exchange via timeouts", func() {
		datas := map[string]*mat.Dense{
			"p1": mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
			"p2": mat.NewDense(3, 2, []float64{5, 6, 7, 8, 9, 10}),
		}
		// Drop p1's initial AliceMasked to p2: p2 answers its first
		// NextPeerGram only after its own timeout triggers a resend
		// request, which also exercises the FP-side retry on a request
		// the peer did not advance on.
		e := runProtocol(datas, runOptions{
			tamper: func(id string, mb mailbox.Mailbox) mailbox.Mailbox {
				if id != "p1" {
					return mb
				}
				lossy := mailbox.NewLossy(mb)
				lossy.DropNext("p2", 1)
				return lossy
			},
		})
		expectGramMatches(e, datas, []string{"p1", "p2"})
	})

	It("collects every peer's labels when the schedule requests them", func() {
		datas := map[string]*mat.Dense{
			"p1": mat.NewDense(2, 1, []float64{1, 2}),
			"p2": mat.NewDense(2, 1, []float64{3, 4}),
		}
		e := runProtocol(datas, runOptions{
			labels: map[string][]float64{
				"p1": {0, 1},
				"p2": {1, 0},
			},
		})
		expectGramMatches(e, datas, []string{"p1", "p2"})
		Expect(e.LabelParts()).To(Equal(map[string][]float64{
			"p1": {0, 1},
			"p2": {1, 0},
		}))
	})
})
