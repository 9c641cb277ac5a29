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
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/truenas/nvmeof-client/pkg/nvme/nvmehost"
)

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "discover",
		Short:             "Read the discovery log page of an NVMe/TCP discovery controller",
		Long:              ``,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE:              discoverCmdFunc,
	}
	addTargetFlags(cmd, "discover", nvmehost.DefaultDiscoveryPort)

	cmd.Flags().Int("max-entries", 128, "maximum log entries to fetch")
	viper.BindPFlag("discover.max-entries", cmd.Flags().Lookup("max-entries"))

	return cmd
}

func discoverCmdFunc(cmd *cobra.Command, args []string) error {
	if !viper.IsSet("discover.traddr") || viper.GetString("discover.traddr") == "" {
		return fmt.Errorf("traddr(-a) must be set")
	}

	client, err := connectWithRetry(optionsFromFlags("discover"))
	if err != nil {
		return err
	}
	defer client.Disconnect()

	entries, err := client.GetDiscoveryEntries(viper.GetInt("discover.max-entries"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORTID\tCNTLID\tTRADDR\tTRSVCID\tSUBNQN")
	for _, entry := range entries {
		fmt.Fprintf(w, "%d\t%#04x\t%s\t%s\t%s\n",
			entry.PortID, entry.ControllerID, entry.TransportAddress, entry.TransportServiceID, entry.SubsystemNqn)
	}
	return w.Flush()
}
