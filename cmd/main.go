/*
Copyright 2024 Blnk Finance Authors.

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

	"github.com/errandhq/errand"
	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/database"
	"github.com/errandhq/errand/internal/clock"
	"github.com/errandhq/errand/internal/connections"
	"github.com/errandhq/errand/internal/notification"
	"github.com/errandhq/errand/internal/processor"
	"github.com/errandhq/errand/internal/push"
	redis_db "github.com/errandhq/errand/internal/redis-db"
	"github.com/errandhq/errand/internal/storage"
)

// Errand represents the CLI application, encapsulating the root Cobra command.
type Errand struct {
	cmd *cobra.Command
}

// errandInstance holds what the commands share once the configuration is loaded.
type errandInstance struct {
	errand *errand.Errand
	cnf    *config.Configuration
	queue  *errand.Queue
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and wires the engines before any command runs.
func preRun(app *errandInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		// migrate and config only need the configuration.
		if cmd.Name() == "config" || (cmd.Parent() != nil && cmd.Parent().Name() == "migrate") {
			return nil
		}

		if err := setupErrand(app); err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		return nil
	}
}

// setupErrand connects the datasource, the payment processor and the optional
// collaborators (redis, storage, push) and builds the engines over them.
func setupErrand(app *errandInstance) error {
	cfg := app.cnf
	clk := clock.New()
	db, err := database.NewDataSource(cfg, clk)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	opts := []errand.Option{
		errand.WithConfig(cfg),
		errand.WithClock(clk),
		errand.WithRegistry(connections.NewRegistry(connections.OptionsFromConfig(cfg), clk)),
	}

	redisClient, err := redis_db.NewRedisClientFromConfig(cfg)
	if err != nil {
		logrus.WithError(err).Warn("redis unavailable; maintenance windows and job locks are disabled")
	} else {
		opts = append(opts, errand.WithRedis(redisClient.Client()))
	}

	queue, err := errand.NewQueue(cfg)
	if err != nil {
		return fmt.Errorf("error creating queue: %v", err)
	}
	app.queue = queue
	opts = append(opts, errand.WithQueue(queue))

	if cfg.Storage.Bucket != "" {
		blob, err := storage.NewS3(cfg, nil)
		if err != nil {
			return fmt.Errorf("error creating storage: %v", err)
		}
		opts = append(opts, errand.WithStorage(blob))
	}

	if cfg.Push.KeyFile != "" {
		sender, err := push.NewAPNsFromConfig(cfg)
		if err != nil {
			return fmt.Errorf("error creating push sender: %v", err)
		}
		opts = append(opts, errand.WithPushSender(sender))
	}

	newErrand, err := errand.NewErrand(db, processor.NewClientFromConfig(cfg), opts...)
	if err != nil {
		return fmt.Errorf("error creating errand: %v", err)
	}
	app.errand = newErrand
	return nil
}

// NewCLI creates the command-line interface and its subcommands.
func NewCLI() *Errand {
	var configFile string
	e := &errandInstance{}

	var rootCmd = &cobra.Command{
		Use:   "errand",
		Short: "Escrow payments and realtime messaging for task marketplaces",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./errand.json", "Configuration file for errand")
	rootCmd.PersistentPreRunE = preRun(e, &configFile)

	rootCmd.AddCommand(serverCommands(e))
	rootCmd.AddCommand(workerCommands(e))
	rootCmd.AddCommand(migrateCommands(e))
	rootCmd.AddCommand(configCommands(e))

	return &Errand{cmd: rootCmd}
}

func (w Errand) executeCLI() {
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
