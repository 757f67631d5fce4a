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
package peer

import (
	"context"
	"math/rand"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"gonum.org/v1/gonum/mat"

	"github.com/escapedmpc/escaped/mailbox"
	"github.com/escapedmpc/escaped/mask"
	"github.com/escapedmpc/escaped/message"
)

func TestPeer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Peer Suite")
}

func newTestEngine(selfID string, peers []string, hub *mailbox.Hub) *Engine {
	cfg := Config{SelfID: selfID, Peers: peers, RandMin: 1, RandMax: 42, Timeout: 50 * time.Millisecond}
	data := MatrixDataSource{Data: mat.NewDense(2, 1, []float64{1, 2}), Labels: []float64{0, 1}}
	return New(cfg, hub.Mailbox(selfID), data, nil, rand.New(rand.NewSource(1)))
}

var _ = Describe("Engine", func() {
	var (
		hub *mailbox.Hub
		ctx context.Context
	)

	BeforeEach(func() {
		hub = mailbox.NewHub()
		ctx = context.Background()
	})

	Context("shareMaskedData", func() {
		It("sends AliceMasked when this peer sorts first", func() {
			e := newTestEngine("p1", []string{"p2"}, hub)
			e.state, _ = mask.NewState(e.data.OwnData(), e.cfg.RandMin, e.cfg.RandMax, e.rng)
			Expect(e.shareMaskedData(ctx, "p2")).To(Succeed())

			env, err := hub.Mailbox("p2").Recv(ctx)
			Expect(err).To(BeNil())
			_, ok := env.Payload.(message.AliceMasked)
			Expect(ok).To(BeTrue())
		})

		It("sends BobMasked when this peer sorts second", func() {
			e := newTestEngine("p2", []string{"p1"}, hub)
			e.state, _ = mask.NewState(e.data.OwnData(), e.cfg.RandMin, e.cfg.RandMax, e.rng)
			Expect(e.shareMaskedData(ctx, "p1")).To(Succeed())

			env, err := hub.Mailbox("p1").Recv(ctx)
			Expect(err).To(BeNil())
			_, ok := env.Payload.(message.BobMasked)
			Expect(ok).To(BeTrue())
		})
	})

	Context("handleFPRequest idempotence", func() {
		It("resends the identical last response for a duplicate request id", func() {
			e := newTestEngine("p1", []string{"p2"}, hub)
			e.state, _ = mask.NewState(e.data.OwnData(), e.cfg.RandMin, e.cfg.RandMax, e.rng)
			e.lastTimeoutCheck = time.Now()

			req := message.PFRequestMsg{RequestID: 1, Type: message.ReqYourGram}
			Expect(e.handleFPRequest(ctx, req)).To(Succeed())
			first, err := hub.Mailbox(e.cfg.fpID()).Recv(ctx)
			Expect(err).To(BeNil())

			Expect(e.handleFPRequest(ctx, req)).To(Succeed())
			second, err := hub.Mailbox(e.cfg.fpID()).Recv(ctx)
			Expect(err).To(BeNil())

			Expect(second.Payload).To(Equal(first.Payload))
		})

		It("drops a stale request below the last answered id", func() {
			e := newTestEngine("p1", []string{"p2"}, hub)
			e.state, _ = mask.NewState(e.data.OwnData(), e.cfg.RandMin, e.cfg.RandMax, e.rng)
			e.lastTimeoutCheck = time.Now()

			Expect(e.handleFPRequest(ctx, message.PFRequestMsg{RequestID: 1, Type: message.ReqYourGram})).To(Succeed())
			_, err := hub.Mailbox(e.cfg.fpID()).Recv(ctx)
			Expect(err).To(BeNil())

			Expect(e.handleFPRequest(ctx, message.PFRequestMsg{RequestID: 1, Type: message.ReqYourGram})).To(Succeed())
			_, err = hub.Mailbox(e.cfg.fpID()).Recv(ctx)
			Expect(err).To(BeNil()) // resend of the duplicate

			// A request lower than what's already been answered is simply dropped.
			e.lastFPReqID = 2
			Expect(e.handleFPRequest(ctx, message.PFRequestMsg{RequestID: 1, Type: message.ReqYourGram})).To(Succeed())
			recvCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			_, err = hub.Mailbox(e.cfg.fpID()).Recv(recvCtx)
			Expect(err).To(Equal(context.DeadlineExceeded))
		})
	})

	Context("NextPeerGram with an empty queue", func() {
		It("sends nothing and does not advance last_fp_req_id", func() {
			e := newTestEngine("p1", []string{"p2"}, hub)
			e.state, _ = mask.NewState(e.data.OwnData(), e.cfg.RandMin, e.cfg.RandMax, e.rng)
			e.lastTimeoutCheck = time.Now()

			Expect(e.handleFPRequest(ctx, message.PFRequestMsg{RequestID: 1, Type: message.ReqNextPeerGram})).To(Succeed())
			Expect(e.lastFPReqID).To(Equal(uint64(0)))

			recvCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			_, err := hub.Mailbox(e.cfg.fpID()).Recv(recvCtx)
			Expect(err).To(Equal(context.DeadlineExceeded))
		})
	})

	Context("handlePeerMsg", func() {
		It("queues a BobGram fragment on AliceMasked and stops awaiting that peer", func() {
			e := newTestEngine("p2", []string{"p1"}, hub)
			e.state, _ = mask.NewState(e.data.OwnData(), e.cfg.RandMin, e.cfg.RandMax, e.rng)
			e.awaiting["p1"] = true

			aliceState, _ := mask.NewState(mat.NewDense(1, 1, []float64{3}), 1, 42, rand.New(rand.NewSource(2)))
			msg := message.AliceMasked{MaskedData: aliceState.MaskedData, PartialUnmasker: aliceState.PartialUnmasker}
			Expect(e.handlePeerMsg(ctx, "p1", msg)).To(Succeed())

			Expect(e.awaiting["p1"]).To(BeFalse())
			Expect(e.pending).To(HaveLen(1))
			Expect(e.pending[0].Type).To(Equal(message.DataBobGram))
			Expect(e.pending[0].Fragment.PairingID).To(Equal(message.PairingID{Alice: "p1", Bob: "p2"}))
		})

		It("ignores data from a peer it already heard from", func() {
			e := newTestEngine("p2", []string{"p1"}, hub)
			e.state, _ = mask.NewState(e.data.OwnData(), e.cfg.RandMin, e.cfg.RandMax, e.rng)
			e.awaiting["p1"] = false

			Expect(e.handlePeerMsg(ctx, "p1", message.AliceMasked{MaskedData: mat.NewDense(1, 1, nil), PartialUnmasker: mat.NewDense(1, 1, nil)})).To(Succeed())
			Expect(e.pending).To(BeEmpty())
		})

		It("resends masked data on an explicit Request", func() {
			e := newTestEngine("p1", []string{"p2"}, hub)
			e.state, _ = mask.NewState(e.data.OwnData(), e.cfg.RandMin, e.cfg.RandMax, e.rng)

			Expect(e.handlePeerMsg(ctx, "p2", message.Request{})).To(Succeed())
			env, err := hub.Mailbox("p2").Recv(ctx)
			Expect(err).To(BeNil())
			_, ok := env.Payload.(message.AliceMasked)
			Expect(ok).To(BeTrue())
		})
	})

	Context("timeoutCheck", func() {
		It("resends a Request to peers still awaited once the threshold elapses", func() {
			e := newTestEngine("p1", []string{"p2"}, hub)
			e.state, _ = mask.NewState(e.data.OwnData(), e.cfg.RandMin, e.cfg.RandMax, e.rng)
			e.awaiting["p2"] = true
			e.lastTimeoutCheck = time.Now().Add(-time.Hour)

			e.timeoutCheck(ctx)

			env, err := hub.Mailbox("p2").Recv(ctx)
			Expect(err).To(BeNil())
			Expect(env.Payload).To(Equal(message.Request{}))
		})
	})
})
