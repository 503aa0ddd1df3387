// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"github.com/spf13/cobra"
)

func newRootCmd(run func(*Flags)) *cobra.Command {
	var flags Flags
	cmd := &cobra.Command{
		Use: "imagestore-agent",
		Short: "imagestore-agent extracts local docker image archives into a " +
			"content-addressed layer store and serves the resulting layer paths.",
		Run: func(cmd *cobra.Command, args []string) {
			run(&flags)
		},
	}
	cmd.PersistentFlags().IntVarP(
		&flags.AgentServerPort, "agent-server-port", "", 0, "port which agent server listens on")
	cmd.PersistentFlags().StringVarP(
		&flags.ConfigFile, "config", "", "", "configuration file path")
	cmd.PersistentFlags().StringVarP(
		&flags.SecretsFile, "secrets", "", "", "path to a secrets YAML file to load into configuration")
	cmd.PersistentFlags().StringVarP(
		&flags.Cluster, "cluster", "", "", "cluster name (e.g. prod01-zone1)")
	return cmd
}

// Execute runs the agent with flags parsed from the command line.
func Execute() {
	newRootCmd(func(flags *Flags) { Run(flags) }).Execute()
}
