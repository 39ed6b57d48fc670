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
	"io"
	"os"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/progprogect/customer-data/logics"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/spf13/cobra"
)

var statsCommand = &cobra.Command{
	Use:   "stats",
	Short: "Show the quality of installed snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabases(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		var reports []cache.SnapshotInfo
		for _, algorithm := range []string{cache.Content, cache.Collaborative} {
			snapshot, err := db.cache.OpenSnapshot(context.Background(), algorithm)
			if errors.Is(err, cache.ErrNoSnapshot) {
				reports = append(reports, cache.SnapshotInfo{Algorithm: algorithm})
				continue
			} else if err != nil {
				return errors.Trace(err)
			}
			reports = append(reports, snapshot.Info())
		}
		return renderSnapshots(os.Stdout, reports)
	},
}

var recommendCommand = &cobra.Command{
	Use:   "recommend <user-id>",
	Short: "Recommend items for a user against the installed snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("n")
		db, err := openDatabases(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		recommender, err := logics.NewRecommender(db.config, db.data, db.cache)
		if err != nil {
			return errors.Trace(err)
		}
		result, err := recommender.RecommendDetail(context.Background(), args[0], n)
		if err != nil {
			return errors.Trace(err)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Item", "Source", "Category", "Score")
		for _, item := range result.Items {
			if err = table.Append(item.ItemId, item.Source, item.Category,
				strconv.FormatFloat(item.Score, 'f', 4, 64)); err != nil {
				return errors.Trace(err)
			}
		}
		return table.Render()
	},
}

func init() {
	recommendCommand.Flags().IntP("n", "n", 10, "number of recommendations")
	cliCommand.AddCommand(statsCommand)
	cliCommand.AddCommand(recommendCommand)
}

func renderSnapshots(w io.Writer, reports []cache.SnapshotInfo) error {
	table := tablewriter.NewWriter(w)
	table.Header("Algorithm", "Version", "Items", "Edges", "Coverage", "Mean score", "Mean co-users", "Created")
	for _, info := range reports {
		created := ""
		if !info.CreatedAt.IsZero() {
			created = info.CreatedAt.Format(time.RFC3339)
		}
		if err := table.Append(
			info.Algorithm,
			info.Version,
			strconv.Itoa(info.Items),
			strconv.Itoa(info.Edges),
			strconv.FormatFloat(info.Coverage, 'f', 4, 64),
			strconv.FormatFloat(info.MeanScore, 'f', 4, 64),
			strconv.FormatFloat(info.MeanCoUsers, 'f', 2, 64),
			created,
		); err != nil {
			return errors.Trace(err)
		}
	}
	return table.Render()
}
