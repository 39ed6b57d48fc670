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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/cmd/version"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serverCommand = &cobra.Command{
	Use:   "hybrid-server",
	Short: "The server node serving recommendations.",
	Run: func(cmd *cobra.Command, args []string) {
		// Show version
		if showVersion, _ := cmd.PersistentFlags().GetBool("version"); showVersion {
			fmt.Println(version.BuildInfo())
			return
		}
		// setup logger
		debug, _ := cmd.PersistentFlags().GetBool("debug")
		log.SetLogger(cmd.PersistentFlags(), debug)
		defer log.CloseLogger()

		// Create server
		configPath, _ := cmd.PersistentFlags().GetString("config")
		log.Logger().Info("load config", zap.String("config", configPath))
		store, err := config.NewStore(configPath)
		if err != nil {
			log.Logger().Fatal("failed to load config", zap.Error(err))
		}
		watch, _ := cmd.PersistentFlags().GetBool("watch")
		s := server.NewServer(store, watch)
		// Stop server
		done := make(chan struct{})
		go func() {
			sigint := make(chan os.Signal, 1)
			signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
			<-sigint
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.Shutdown(ctx)
			close(done)
		}()
		// Start server
		s.Serve()
		<-done
		log.Logger().Info("stop server successfully")
	},
}

func init() {
	log.AddFlags(serverCommand.PersistentFlags())
	serverCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	serverCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
	serverCommand.PersistentFlags().Bool("watch", false, "reload weights when the configuration file changes")
	serverCommand.PersistentFlags().BoolP("version", "v", false, "show version")
}

func main() {
	if err := serverCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
