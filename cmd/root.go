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
	"time"

	"github.com/avast/retry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/truenas/nvmeof-client/pkg/logging"
	"github.com/truenas/nvmeof-client/pkg/nvme/nvmehost"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "nvmeof-client",
		Short:             "NVMe over Fabrics TCP host client",
		Long:              ``,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.SetupLogging(logging.Config{Level: viper.GetString("log-level")})
		},
	}

	cmd.PersistentFlags().String("log-level", "info", "log level")
	viper.BindPFlag("log-level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(
		newDiscoverCmd(),
		newIdentifyCmd(),
		newReadCmd(),
		newWriteCmd(),
	)
	return cmd
}

func addTargetFlags(cmd *cobra.Command, prefix string, defaultPort int) {
	cmd.Flags().StringP("traddr", "a", "", "target address")
	viper.BindPFlag(prefix+".traddr", cmd.Flags().Lookup("traddr"))

	cmd.Flags().IntP("trsvcid", "s", defaultPort, "target port")
	viper.BindPFlag(prefix+".trsvcid", cmd.Flags().Lookup("trsvcid"))

	cmd.Flags().StringP("hostnqn", "q", "", "host nqn")
	viper.BindPFlag(prefix+".hostnqn", cmd.Flags().Lookup("hostnqn"))

	cmd.Flags().StringP("nqn", "n", "", "subsystem nqn")
	viper.BindPFlag(prefix+".nqn", cmd.Flags().Lookup("nqn"))

	cmd.Flags().Duration("timeout", 30*time.Second, "per command timeout")
	viper.BindPFlag(prefix+".timeout", cmd.Flags().Lookup("timeout"))
}

func optionsFromFlags(prefix string) nvmehost.Options {
	opts := nvmehost.DefaultOptions(viper.GetString(prefix + ".traddr"))
	opts.Port = viper.GetInt(prefix + ".trsvcid")
	opts.HostNqn = viper.GetString(prefix + ".hostnqn")
	opts.Timeout = viper.GetDuration(prefix + ".timeout")
	if nqn := viper.GetString(prefix + ".nqn"); nqn != "" {
		opts.SubsystemNqn = nqn
	}
	return opts
}

// connectWithRetry dials the target, retrying transient connect failures
// with backoff. Established sessions are never retried.
func connectWithRetry(opts nvmehost.Options) (*nvmehost.Client, error) {
	client, err := nvmehost.NewClient(opts)
	if err != nil {
		return nil, err
	}
	err = retry.Do(func() error {
		return client.Connect()
	}, retry.DelayType(retry.BackOffDelay), retry.Attempts(3), retry.Delay(time.Millisecond*100))
	if err != nil {
		return nil, err
	}
	return client, nil
}
