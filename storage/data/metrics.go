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

package data

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OperationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hybrid",
		Subsystem: "database",
		Name:      "operation_seconds",
	}, []string{"operation"})
	CatalogCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "database",
		Name:      "catalog_cache_hits_total",
	})
	CatalogCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "database",
		Name:      "catalog_cache_misses_total",
	})
)

func observe(operation string, start time.Time) {
	OperationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
