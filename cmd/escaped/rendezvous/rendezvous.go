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

package rendezvous

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/escapedmpc/escaped/config"
	"github.com/escapedmpc/escaped/internal/obslog"
	"github.com/escapedmpc/escaped/transport/tcp"
)

var Cmd = &cobra.Command{
	Use:  "rendezvous",
	Long: `Run the store-and-forward mailbox server every participant of a run dials into.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.RendezvousConfig{}
		if err := config.ReadYamlFile(viper.GetString("config"), &cfg); err != nil {
			return err
		}
		logger := obslog.New("service", "rendezvous")

		srv, err := tcp.NewServer(cfg.Addr, cfg.ClientIDs)
		if err != nil {
			logger.Warn("Cannot bind rendezvous address", "addr", cfg.Addr, "err", err)
			return err
		}
		logger.Info("Rendezvous listening", "addr", srv.Addr(), "clients", len(cfg.ClientIDs))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.Serve(ctx)
	},
}
