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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/escapedmpc/escaped/config"
	"github.com/escapedmpc/escaped/internal/obslog"
	"github.com/escapedmpc/escaped/peer"
	"github.com/escapedmpc/escaped/transport/tcp"
)

var Cmd = &cobra.Command{
	Use:  "peer",
	Long: `Run one input peer: mask the local row block, exchange masked data with every other peer and answer the function party's requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.PeerConfig{}
		if err := config.ReadYamlFile(viper.GetString("config"), &cfg); err != nil {
			return err
		}
		logger := obslog.New("service", "peer", "self", cfg.SelfID)

		data, err := peer.DataSourceFromCSV(cfg.DataPath, cfg.DataStartRow, cfg.DataRows)
		if err != nil {
			logger.Warn("Cannot load row block", "path", cfg.DataPath, "err", err)
			return err
		}

		mb := tcp.NewMailbox(cfg.SelfID, cfg.RendezvousAddr)
		defer mb.Close()

		engine := peer.New(peer.Config{
			SelfID:  cfg.SelfID,
			Peers:   cfg.Peers,
			FPID:    cfg.FPID,
			RandMin: cfg.RandMin,
			RandMax: cfg.RandMax,
			Timeout: cfg.Timeout(),
		}, mb, data, nil, nil)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := engine.Run(ctx); err != nil {
			logger.Warn("Peer run failed", "err", err)
			return err
		}
		logger.Info("Peer run finished")
		return nil
	},
}
