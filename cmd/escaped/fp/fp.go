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
	"encoding/csv"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/mat"

	"github.com/escapedmpc/escaped/analytics"
	"github.com/escapedmpc/escaped/config"
	"github.com/escapedmpc/escaped/fp"
	"github.com/escapedmpc/escaped/internal/obslog"
	"github.com/escapedmpc/escaped/transport/tcp"
)

var Cmd = &cobra.Command{
	Use:  "fp",
	Long: `Run the function party: drive the request schedule against every peer, assemble the Gram matrix and write it out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FPConfig{}
		if err := config.ReadYamlFile(viper.GetString("config"), &cfg); err != nil {
			return err
		}
		logger := obslog.New("service", "fp")

		mb := tcp.NewMailbox(fpID(cfg), cfg.RendezvousAddr)
		defer mb.Close()

		engine := fp.New(fp.Config{
			Peers:        cfg.Peers,
			FPID:         cfg.FPID,
			Timeout:      cfg.Timeout(),
			Labels:       cfg.Labels,
			UserDefSpecs: cfg.UserDefSpecs,
		}, mb, nil)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := engine.Run(ctx); err != nil {
			logger.Warn("Function party run failed", "err", err)
			return err
		}

		gram, err := engine.GetDotProduct(cfg.Peers)
		if err != nil {
			logger.Warn("Cannot assemble the Gram matrix", "err", err)
			return err
		}
		n, _ := gram.Dims()
		logger.Info("Assembled the Gram matrix", "samples", n)

		if cfg.OutputPath != "" {
			if err := writeMatrixCSV(cfg.OutputPath, gram); err != nil {
				logger.Warn("Cannot write the Gram matrix", "path", cfg.OutputPath, "err", err)
				return err
			}
		}

		if cfg.KnnK > 0 {
			if err := writeScores(cfg, gram); err != nil {
				logger.Warn("Cannot write outlier scores", "path", cfg.ScoresPath, "err", err)
				return err
			}
		}
		return nil
	},
}

func fpID(cfg config.FPConfig) string {
	if cfg.FPID == "" {
		return "function_party"
	}
	return cfg.FPID
}

func writeMatrixCSV(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	r, c := m.Dims()
	record := make([]string, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			record[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// writeScores derives the k-NN outlier scores from the assembled Gram
// matrix and writes one row per sample: simple, weighted, LDOF, LOF.
func writeScores(cfg config.FPConfig, gram *mat.Dense) error {
	det, err := analytics.NewKNNOutlierDetection(gram)
	if err != nil {
		return err
	}
	simple, err := det.SimpleScore(cfg.KnnK)
	if err != nil {
		return err
	}
	weighted, err := det.WeightedScore(cfg.KnnK)
	if err != nil {
		return err
	}
	ldof, err := det.LDOFScore(cfg.KnnK)
	if err != nil {
		return err
	}
	lof, err := det.LOFScore(cfg.KnnK)
	if err != nil {
		return err
	}

	f, err := os.Create(cfg.ScoresPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"simple", "weighted", "ldof", "lof"}); err != nil {
		return err
	}
	for i := range simple {
		record := []string{
			strconv.FormatFloat(simple[i], 'g', -1, 64),
			strconv.FormatFloat(weighted[i], 'g', -1, 64),
			strconv.FormatFloat(ldof[i], 'g', -1, 64),
			strconv.FormatFloat(lof[i], 'g', -1, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
