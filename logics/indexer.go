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

package logics

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"go.uber.org/zap"
)

const installMaxTries = 3

// Indexer rebuilds similarity snapshots. Rebuilds of one algorithm never overlap
// while rebuilds of different algorithms may run concurrently.
type Indexer struct {
	config      *config.Config
	dataClient  data.Database
	cacheClient cache.Database
	locks       map[string]*sync.Mutex
	progress    func(algorithm string, done, total int)
	now         func() time.Time
}

func NewIndexer(cfg *config.Config, dataClient data.Database, cacheClient cache.Database) *Indexer {
	return &Indexer{
		config:      cfg,
		dataClient:  dataClient,
		cacheClient: cacheClient,
		locks: map[string]*sync.Mutex{
			cache.Content:       {},
			cache.Collaborative: {},
		},
		now: time.Now,
	}
}

// SetProgress registers a callback reporting finished items of a rebuild.
func (x *Indexer) SetProgress(fn func(algorithm string, done, total int)) {
	x.progress = fn
}

func (x *Indexer) progressOf(algorithm string) func(done, total int) {
	if x.progress == nil {
		return nil
	}
	return func(done, total int) {
		x.progress(algorithm, done, total)
	}
}

// RebuildContentIndex rebuilds content similarity over active items.
func (x *Indexer) RebuildContentIndex(ctx context.Context) (cache.SnapshotInfo, error) {
	return x.rebuild(ctx, cache.Content, func(ctx context.Context) ([]cache.SimilarityEdge, int, error) {
		items, err := x.dataClient.ListActiveItems(ctx)
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		indexer := NewContentIndexer(x.config.Content, x.config.Master.NumJobs)
		indexer.SetProgress(x.progressOf(cache.Content))
		edges, err := indexer.Build(ctx, items)
		return edges, len(items), err
	})
}

// RebuildCollaborativeIndex rebuilds item-kNN similarity over the trailing window
// of interactions.
func (x *Indexer) RebuildCollaborativeIndex(ctx context.Context) (cache.SnapshotInfo, error) {
	return x.rebuild(ctx, cache.Collaborative, func(ctx context.Context) ([]cache.SimilarityEdge, int, error) {
		items, err := x.dataClient.ListActiveItems(ctx)
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		interactions, err := x.dataClient.GetInteractions(ctx, x.now().Add(-x.config.Collaborative.Window))
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		indexer := NewCollaborativeIndexer(x.config.Collaborative, x.config.Master.NumJobs)
		indexer.SetProgress(x.progressOf(cache.Collaborative))
		edges, err := indexer.Build(ctx, items, interactions)
		return edges, len(items), err
	})
}

func (x *Indexer) rebuild(ctx context.Context, algorithm string,
	build func(context.Context) ([]cache.SimilarityEdge, int, error)) (cache.SnapshotInfo, error) {
	lock := x.locks[algorithm]
	if !lock.TryLock() {
		return cache.SnapshotInfo{}, errors.Annotate(ErrRebuildRunning, algorithm)
	}
	defer lock.Unlock()

	start := time.Now()
	edges, numItems, err := build(ctx)
	if err != nil {
		return cache.SnapshotInfo{}, errors.Trace(err)
	}
	info := cache.NewSnapshotInfo(algorithm, edges, numItems)
	if err = CheckQuality(info, x.config.Quality); err != nil {
		log.Logger().Error("index rejected, keep previous snapshot",
			zap.String("algorithm", algorithm),
			zap.Int("edges", info.Edges),
			zap.Float64("coverage", info.Coverage),
			zap.Float64("mean_co_users", info.MeanCoUsers),
			zap.Error(err))
		return info, err
	}
	info, err = backoff.Retry(ctx, func() (cache.SnapshotInfo, error) {
		return x.cacheClient.InstallSnapshot(ctx, info, edges)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(installMaxTries))
	if err != nil {
		return cache.SnapshotInfo{}, errors.Trace(err)
	}
	log.Logger().Info("index installed",
		zap.String("algorithm", algorithm),
		zap.String("version", info.Version),
		zap.Int("items", info.Items),
		zap.Int("source_items", info.SourceItems),
		zap.Int("edges", info.Edges),
		zap.Float64("coverage", info.Coverage),
		zap.Float64("mean_score", info.MeanScore),
		zap.Float64("mean_co_users", info.MeanCoUsers),
		zap.Duration("elapsed", time.Since(start)))
	return info, nil
}
