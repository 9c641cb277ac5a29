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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newIdentifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "identify",
		Short:             "Identify the controller and list active namespaces",
		Long:              ``,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE:              identifyCmdFunc,
	}
	addTargetFlags(cmd, "identify", 4420)
	return cmd
}

func identifyCmdFunc(cmd *cobra.Command, args []string) error {
	if !viper.IsSet("identify.traddr") || viper.GetString("identify.traddr") == "" {
		return fmt.Errorf("traddr(-a) must be set")
	}
	if viper.GetString("identify.nqn") == "" {
		return fmt.Errorf("nqn(-n) must be set")
	}

	client, err := connectWithRetry(optionsFromFlags("identify"))
	if err != nil {
		return err
	}
	defer client.Disconnect()

	info, err := client.IdentifyController()
	if err != nil {
		return err
	}
	fmt.Printf("controller : %#04x\n", info.ControllerID)
	fmt.Printf("model      : %s\n", info.ModelNumber)
	fmt.Printf("serial     : %s\n", info.SerialNumber)
	fmt.Printf("firmware   : %s\n", info.FirmwareRevision)
	fmt.Printf("version    : %s\n", info.VersionString())
	fmt.Printf("subnqn     : %s\n", info.SubsystemNqn)
	fmt.Printf("namespaces : %d\n", info.NumNamespaces)

	nsids, err := client.ListNamespaces()
	if err != nil {
		return err
	}
	for _, nsid := range nsids {
		ns, err := client.IdentifyNamespace(nsid)
		if err != nil {
			return err
		}
		fmt.Printf("  nsid %d: %d blocks of %d bytes\n", nsid, ns.Size, ns.BlockSize)
	}
	return nil
}
