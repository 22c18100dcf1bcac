/*
Copyright 2025 GrowSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/verdantlabs/growsync"
	"github.com/verdantlabs/growsync/config"
	"github.com/verdantlabs/growsync/internal/notification"
	"github.com/verdantlabs/growsync/store"
	"github.com/verdantlabs/growsync/transport"
)

// GrowSync represents the CLI application, encapsulating the root Cobra command.
type GrowSync struct {
	cmd *cobra.Command
}

// syncInstance holds the engine instance and its configuration, shared by
// every subcommand after preRun.
type syncInstance struct {
	sync *growsync.Sync
	cnf  *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the engine before running
// any command.
func preRun(app *syncInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("growsync.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newSync, err := setupSync(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.sync = newSync
		app.cnf = cnf

		return nil
	}
}

// setupSync opens the local store and wires the engine with the HTTP
// transport from the configuration.
func setupSync(cfg *config.Configuration) (*growsync.Sync, error) {
	st, err := store.NewStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening local store: %v", err)
	}

	newSync, err := growsync.New(st, transport.NewHTTPTransport(cfg))
	if err != nil {
		return nil, fmt.Errorf("error creating sync engine: %v", err)
	}
	return newSync, nil
}

// NewCLI creates the command-line interface for the growsync engine.
func NewCLI() *GrowSync {
	var configFile string
	g := &syncInstance{}

	var rootCmd = &cobra.Command{
		Use:   "growsync",
		Short: "Offline-first outbox sync engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./growsync.json", "Configuration file for the sync engine")

	rootCmd.PersistentPreRunE = preRun(g)

	rootCmd.AddCommand(workerCommands(g))
	rootCmd.AddCommand(outboxCommands(g))

	return &GrowSync{cmd: rootCmd}
}

func (w GrowSync) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
