// Copyright 2025 gorse Project Authors
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

	"github.com/juju/errors"
	"github.com/progprogect/customer-data/logics"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var rebuildCommand = &cobra.Command{
	Use:       "rebuild [content|cf]...",
	Short:     "Rebuild similarity indices once",
	ValidArgs: []string{cache.Content, cache.Collaborative},
	Args:      cobra.OnlyValidArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			args = []string{cache.Content, cache.Collaborative}
		}
		db, err := openDatabases(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		if err = db.data.Init(); err != nil {
			return errors.Trace(err)
		}
		if err = db.cache.Init(); err != nil {
			return errors.Trace(err)
		}

		indexer := logics.NewIndexer(db.config.Load(), db.data, db.cache)
		var bar *progressbar.ProgressBar
		indexer.SetProgress(func(_ string, done, total int) {
			bar.ChangeMax(total)
			_ = bar.Set(done)
		})
		var reports []cache.SnapshotInfo
		for _, algorithm := range args {
			bar = progressbar.Default(-1, "rebuild "+algorithm)
			var info cache.SnapshotInfo
			switch algorithm {
			case cache.Content:
				info, err = indexer.RebuildContentIndex(context.Background())
			case cache.Collaborative:
				info, err = indexer.RebuildCollaborativeIndex(context.Background())
			}
			_ = bar.Finish()
			if logics.IsDataQualityError(err) {
				fmt.Fprintf(os.Stderr, "%s rejected: %v\n", algorithm, err)
			} else if err != nil {
				return errors.Annotatef(err, "failed to rebuild %s", algorithm)
			}
			reports = append(reports, info)
		}
		return renderSnapshots(os.Stdout, reports)
	},
}

func init() {
	cliCommand.AddCommand(rebuildCommand)
}
