// Copyright 2022 gorse Project Authors
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

package master

import (
	"time"

	"github.com/progprogect/customer-data/logics"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelAlgorithm = "algorithm"
	LabelReason    = "reason"
)

var (
	RebuildSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hybrid",
		Subsystem: "master",
		Name:      "rebuild_seconds",
	}, []string{LabelAlgorithm})
	SnapshotEdges = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hybrid",
		Subsystem: "master",
		Name:      "snapshot_edges",
	}, []string{LabelAlgorithm})
	SnapshotSourceItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hybrid",
		Subsystem: "master",
		Name:      "snapshot_source_items",
	}, []string{LabelAlgorithm})
	SnapshotCoverage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hybrid",
		Subsystem: "master",
		Name:      "snapshot_coverage",
	}, []string{LabelAlgorithm})
	SnapshotMeanScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hybrid",
		Subsystem: "master",
		Name:      "snapshot_mean_score",
	}, []string{LabelAlgorithm})
	SnapshotMeanCoUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hybrid",
		Subsystem: "master",
		Name:      "snapshot_mean_co_users",
	}, []string{LabelAlgorithm})
	RebuildFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "master",
		Name:      "rebuild_failures_total",
	}, []string{LabelAlgorithm, LabelReason})
)

// observeRebuild exports the outcome of a rebuild. Gauges of a rejected build
// still describe the installed snapshot.
func observeRebuild(algorithm string, info cache.SnapshotInfo, err error, elapsed time.Duration) {
	RebuildSeconds.WithLabelValues(algorithm).Set(elapsed.Seconds())
	if logics.IsDataQualityError(err) {
		RebuildFailuresTotal.WithLabelValues(algorithm, "quality").Inc()
		return
	} else if err != nil {
		RebuildFailuresTotal.WithLabelValues(algorithm, "error").Inc()
		return
	}
	SnapshotEdges.WithLabelValues(algorithm).Set(float64(info.Edges))
	SnapshotSourceItems.WithLabelValues(algorithm).Set(float64(info.SourceItems))
	SnapshotCoverage.WithLabelValues(algorithm).Set(info.Coverage)
	SnapshotMeanScore.WithLabelValues(algorithm).Set(info.MeanScore)
	SnapshotMeanCoUsers.WithLabelValues(algorithm).Set(info.MeanCoUsers)
}
