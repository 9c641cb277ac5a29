// Copyright 2024 iXsystems, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "read",
		Short:             "Read logical blocks from a namespace to stdout",
		Long:              ``,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE:              readCmdFunc,
	}
	addTargetFlags(cmd, "read", 4420)

	cmd.Flags().Uint32("nsid", 1, "namespace id")
	viper.BindPFlag("read.nsid", cmd.Flags().Lookup("nsid"))

	cmd.Flags().Uint64("lba", 0, "starting logical block address")
	viper.BindPFlag("read.lba", cmd.Flags().Lookup("lba"))

	cmd.Flags().Uint32("blocks", 1, "number of blocks")
	viper.BindPFlag("read.blocks", cmd.Flags().Lookup("blocks"))

	return cmd
}

func readCmdFunc(cmd *cobra.Command, args []string) error {
	if !viper.IsSet("read.traddr") || viper.GetString("read.traddr") == "" {
		return fmt.Errorf("traddr(-a) must be set")
	}
	if viper.GetString("read.nqn") == "" {
		return fmt.Errorf("nqn(-n) must be set")
	}

	client, err := connectWithRetry(optionsFromFlags("read"))
	if err != nil {
		return err
	}
	defer client.Disconnect()

	data, err := client.ReadData(viper.GetUint32("read.nsid"), viper.GetUint64("read.lba"), viper.GetUint32("read.blocks"))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
