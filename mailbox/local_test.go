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
package mailbox

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestMailbox(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Mailbox Suite")
}

var _ = Describe("local hub", func() {
	It("delivers in send order for a fixed sender/receiver pair", func() {
		hub := NewHub()
		a := hub.Mailbox("a")
		b := hub.Mailbox("b")
		ctx := context.Background()

		Expect(a.Send(ctx, "b", "first")).To(Succeed())
		Expect(a.Send(ctx, "b", "second")).To(Succeed())

		env, err := b.Recv(ctx)
		Expect(err).To(BeNil())
		Expect(env.From).To(Equal("a"))
		Expect(env.Payload).To(Equal("first"))

		env, err = b.Recv(ctx)
		Expect(err).To(BeNil())
		Expect(env.Payload).To(Equal("second"))
	})

	It("times out Recv via context cancellation when idle", func() {
		hub := NewHub()
		a := hub.Mailbox("a")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := a.Recv(ctx)
		Expect(err).To(Equal(context.DeadlineExceeded))
	})

	It("Lossy drops exactly the requested number of sends", func() {
		hub := NewHub()
		hub.Mailbox("b")
		lossy := NewLossy(hub.Mailbox("a"))
		lossy.DropNext("b", 1)

		ctx := context.Background()
		Expect(lossy.Send(ctx, "b", "dropped")).To(Succeed())
		Expect(lossy.Send(ctx, "b", "kept")).To(Succeed())

		b := hub.Mailbox("b")
		env, err := b.Recv(ctx)
		Expect(err).To(BeNil())
		Expect(env.Payload).To(Equal("kept"))
	})
})
