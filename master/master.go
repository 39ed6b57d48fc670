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

package master

import (
	"context"
	"sync"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/logics"
	"github.com/progprogect/customer-data/server"
	"github.com/progprogect/customer-data/storage"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"go.uber.org/zap"
)

// Master is the master node. It rebuilds similarity snapshots periodically
// and on demand.
type Master struct {
	server.RestServer
	indexer     *logics.Indexer
	taskMonitor *TaskMonitor

	// events
	contentTicker       *time.Ticker
	collaborativeTicker *time.Ticker
	scheduled           chan string
	pendingLock         sync.Mutex
	pending             map[string]bool
	ctx                 context.Context
	cancel              context.CancelFunc
}

// NewMaster creates a master node.
func NewMaster(store *config.Store) *Master {
	cfg := store.Load()
	ctx, cancel := context.WithCancel(context.Background())
	return &Master{
		RestServer: server.RestServer{
			Config:      store,
			CacheClient: cache.NoDatabase{},
			DataClient:  data.NoDatabase{},
			HttpHost:    cfg.Master.HttpHost,
			HttpPort:    cfg.Master.HttpPort,
			WebService:  new(restful.WebService),
		},
		taskMonitor:         NewTaskMonitor(),
		contentTicker:       time.NewTicker(cfg.Master.ContentPeriod),
		collaborativeTicker: time.NewTicker(cfg.Master.CollaborativePeriod),
		scheduled:           make(chan string, len(taskNames)),
		pending:             make(map[string]bool),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// Serve starts the master node.
func (m *Master) Serve() {
	cfg := m.Config.Load()
	// connect data database
	var err error
	m.DataClient, err = data.Open(cfg.Database.DataStore, cfg.Database.DataTablePrefix,
		storage.WithDatabaseConfig(cfg.Database))
	if err != nil {
		log.Logger().Fatal("failed to connect data database", zap.Error(err),
			zap.String("database", log.RedactDBURL(cfg.Database.DataStore)))
	}
	if err = m.DataClient.Init(); err != nil {
		log.Logger().Fatal("failed to init database", zap.Error(err))
	}

	// connect cache database
	m.CacheClient, err = cache.Open(cfg.Database.CacheStore, cfg.Database.CacheTablePrefix,
		storage.WithDatabaseConfig(cfg.Database))
	if err != nil {
		log.Logger().Fatal("failed to connect cache database", zap.Error(err),
			zap.String("database", log.RedactDBURL(cfg.Database.CacheStore)))
	}
	if err = m.CacheClient.Init(); err != nil {
		log.Logger().Fatal("failed to init database", zap.Error(err))
	}

	m.init()
	log.Logger().Info("start master",
		zap.Duration("content_period", cfg.Master.ContentPeriod),
		zap.Duration("collaborative_period", cfg.Master.CollaborativePeriod),
		zap.Int("n_jobs", cfg.Master.NumJobs))
	// build both indices at startup
	m.Schedule(cache.Content)
	m.Schedule(cache.Collaborative)
	go m.RunTasksLoop()

	// start http server
	m.CreateWebService()
	m.StartHttpServer(restful.NewContainer())
}

// init creates the indexer on the connected databases.
func (m *Master) init() {
	m.indexer = logics.NewIndexer(m.Config.Load(), m.DataClient, m.CacheClient)
	m.indexer.SetProgress(func(algorithm string, done, total int) {
		m.taskMonitor.Update(taskNames[algorithm], done, total)
	})
}

// Shutdown stops the tasks loop and the http server, then closes databases.
func (m *Master) Shutdown(ctx context.Context) {
	m.cancel()
	m.contentTicker.Stop()
	m.collaborativeTicker.Stop()
	if m.HttpServer != nil {
		if err := m.HttpServer.Shutdown(ctx); err != nil {
			log.Logger().Error("failed to shutdown http server", zap.Error(err))
		}
	}
	if err := m.DataClient.Close(); err != nil {
		log.Logger().Error("failed to close data database", zap.Error(err))
	}
	if err := m.CacheClient.Close(); err != nil {
		log.Logger().Error("failed to close cache database", zap.Error(err))
	}
}

// Schedule requests a rebuild from the tasks loop. Requests of an algorithm
// already waiting are merged.
func (m *Master) Schedule(algorithm string) {
	m.pendingLock.Lock()
	defer m.pendingLock.Unlock()
	if m.pending[algorithm] {
		return
	}
	select {
	case m.scheduled <- algorithm:
		m.pending[algorithm] = true
	default:
	}
}

// RunTasksLoop rebuilds indices on their periods until the master shuts down.
// Rebuilds of different algorithms run concurrently.
func (m *Master) RunTasksLoop() {
	for {
		var algorithm string
		select {
		case <-m.ctx.Done():
			return
		case <-m.contentTicker.C:
			algorithm = cache.Content
		case <-m.collaborativeTicker.C:
			algorithm = cache.Collaborative
		case algorithm = <-m.scheduled:
			m.pendingLock.Lock()
			delete(m.pending, algorithm)
			m.pendingLock.Unlock()
		}
		go func() {
			if _, err := m.Rebuild(m.ctx, algorithm); errors.Is(err, logics.ErrRebuildRunning) {
				log.Logger().Warn("skip rebuild", zap.String("algorithm", algorithm), zap.Error(err))
			}
		}()
	}
}

// Rebuild rebuilds the snapshot of an algorithm and waits for it.
func (m *Master) Rebuild(ctx context.Context, algorithm string) (cache.SnapshotInfo, error) {
	name, err := m.startTask(algorithm)
	if err != nil {
		return cache.SnapshotInfo{}, err
	}
	return m.rebuild(ctx, algorithm, name)
}

// startTask marks the rebuild task of an algorithm running.
func (m *Master) startTask(algorithm string) (string, error) {
	name, ok := taskNames[algorithm]
	if !ok {
		return "", errors.NotSupportedf("algorithm %q", algorithm)
	}
	if !m.taskMonitor.TryStart(name, 0) {
		return "", errors.Annotate(logics.ErrRebuildRunning, algorithm)
	}
	return name, nil
}

func (m *Master) rebuild(ctx context.Context, algorithm, name string) (cache.SnapshotInfo, error) {
	start := time.Now()
	var (
		info cache.SnapshotInfo
		err  error
	)
	switch algorithm {
	case cache.Content:
		info, err = m.indexer.RebuildContentIndex(ctx)
	case cache.Collaborative:
		info, err = m.indexer.RebuildCollaborativeIndex(ctx)
	}
	observeRebuild(algorithm, info, err, time.Since(start))
	switch {
	case logics.IsDataQualityError(err):
		m.taskMonitor.Finish(name, &info, err)
	case err != nil:
		log.Logger().Error("failed to rebuild index", zap.String("algorithm", algorithm), zap.Error(err))
		m.taskMonitor.Finish(name, nil, err)
	default:
		m.taskMonitor.Finish(name, &info, nil)
	}
	return info, err
}
