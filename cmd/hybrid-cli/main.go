// Copyright 2020 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/cmd/version"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cliCommand = &cobra.Command{
	Use:   "hybrid-cli",
	Short: "CLI for the hybrid recommender",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(cmd.Flags(), debug)
	},
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Show the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.BuildInfo())
	},
}

func init() {
	log.AddFlags(cliCommand.PersistentFlags())
	cliCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	cliCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
	cliCommand.AddCommand(versionCommand)
}

// databases are the stores opened by a command.
type databases struct {
	config *config.Store
	data   data.Database
	cache  cache.Database
}

func openDatabases(cmd *cobra.Command) (*databases, error) {
	configPath, _ := cmd.Flags().GetString("config")
	store, err := config.NewStore(configPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg := store.Load()
	dataClient, err := data.Open(cfg.Database.DataStore, cfg.Database.DataTablePrefix,
		storage.WithDatabaseConfig(cfg.Database))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to connect data database %s", log.RedactDBURL(cfg.Database.DataStore))
	}
	cacheClient, err := cache.Open(cfg.Database.CacheStore, cfg.Database.CacheTablePrefix,
		storage.WithDatabaseConfig(cfg.Database))
	if err != nil {
		_ = dataClient.Close()
		return nil, errors.Annotatef(err, "failed to connect cache database %s", log.RedactDBURL(cfg.Database.CacheStore))
	}
	return &databases{config: store, data: dataClient, cache: cacheClient}, nil
}

func (d *databases) Close() {
	if err := d.data.Close(); err != nil {
		log.Logger().Error("failed to close data database", zap.Error(err))
	}
	if err := d.cache.Close(); err != nil {
		log.Logger().Error("failed to close cache database", zap.Error(err))
	}
}

func main() {
	defer log.CloseLogger()
	if err := cliCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
