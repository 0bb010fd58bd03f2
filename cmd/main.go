/*
Copyright 2024 PixelMint Authors.

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

	pixelmint "github.com/pixelmint/pixelmint"
	"github.com/pixelmint/pixelmint/config"
	"github.com/pixelmint/pixelmint/database"
	"github.com/pixelmint/pixelmint/internal/notification"
)

// PixelMint represents the CLI application, encapsulating the root Cobra command.
type PixelMint struct {
	cmd *cobra.Command
}

// pixelmintInstance holds the service instance and its configuration for use
// by every subcommand.
type pixelmintInstance struct {
	pixelmint *pixelmint.Pixelmint
	cnf       *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the service instance before
// running any command.
func preRun(app *pixelmintInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("pixelmint.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newPixelmint, err := setupPixelmint(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.pixelmint = newPixelmint
		app.cnf = cnf

		return nil
	}
}

// setupPixelmint connects the data source and builds the service instance.
func setupPixelmint(cfg *config.Configuration) (*pixelmint.Pixelmint, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newPixelmint, err := pixelmint.NewPixelmint(db)
	if err != nil {
		return nil, fmt.Errorf("error creating pixelmint: %v", err)
	}
	return newPixelmint, nil
}

// NewCLI creates the command-line interface for the PixelMint application,
// wiring the server, worker, migration and backup subcommands.
func NewCLI() *PixelMint {
	var configFile string
	b := &pixelmintInstance{}

	var rootCmd = &cobra.Command{
		Use:   "pixelmint",
		Short: "Credit ledger and job coordinator for media generation",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./pixelmint.json", "Configuration file for pixelmint")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(backupCommands(b))

	return &PixelMint{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during
// execution.
func (w PixelMint) executeCLI() {
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
