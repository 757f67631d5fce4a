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

package main

import (
	"fmt"
	"os"

	"github.com/getamis/sirius/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	fpcmd "github.com/escapedmpc/escaped/cmd/escaped/fp"
	peercmd "github.com/escapedmpc/escaped/cmd/escaped/peer"
	"github.com/escapedmpc/escaped/cmd/escaped/rendezvous"
	"github.com/escapedmpc/escaped/internal/obslog"
)

var cmd = &cobra.Command{
	Use:   "escaped",
	Short: `Joint Gram matrix computation over row-partitioned private data`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		obslog.SetLogger(log.New())

		return nil
	},
}

func init() {
	cmd.PersistentFlags().String("config", "", "config file path")

	cmd.AddCommand(rendezvous.Cmd)
	cmd.AddCommand(peercmd.Cmd)
	cmd.AddCommand(fpcmd.Cmd)
}

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}
