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
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "write",
		Short:             "Write stdin to logical blocks of a namespace",
		Long:              ``,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE:              writeCmdFunc,
	}
	addTargetFlags(cmd, "write", 4420)

	cmd.Flags().Uint32("nsid", 1, "namespace id")
	viper.BindPFlag("write.nsid", cmd.Flags().Lookup("nsid"))

	cmd.Flags().Uint64("lba", 0, "starting logical block address")
	viper.BindPFlag("write.lba", cmd.Flags().Lookup("lba"))

	return cmd
}

func writeCmdFunc(cmd *cobra.Command, args []string) error {
	if !viper.IsSet("write.traddr") || viper.GetString("write.traddr") == "" {
		return fmt.Errorf("traddr(-a) must be set")
	}
	if viper.GetString("write.nqn") == "" {
		return fmt.Errorf("nqn(-n) must be set")
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}

	client, err := connectWithRetry(optionsFromFlags("write"))
	if err != nil {
		return err
	}
	defer client.Disconnect()

	return client.WriteData(viper.GetUint32("write.nsid"), viper.GetUint64("write.lba"), data)
}
