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

package server

import (
	"context"
	"fmt"
	"testing"

	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Server.HttpPort = 9000
	s := NewServer(config.NewStoreFrom("", cfg), false)
	assert.Equal(t, 9000, s.HttpPort)
	assert.Equal(t, cfg.Server.HttpHost, s.HttpHost)
	assert.Equal(t, data.NoDatabase{}, s.DataClient)
	assert.Equal(t, cache.NoDatabase{}, s.CacheClient)
}

func TestServer_Init(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.DataStore = fmt.Sprintf("sqlite://%s/data.db", t.TempDir())
	cfg.Database.CacheStore = fmt.Sprintf("sqlite://%s/cache.db", t.TempDir())
	s := NewServer(config.NewStoreFrom("", cfg), false)
	var err error
	s.DataClient, err = data.Open(cfg.Database.DataStore, "")
	require.NoError(t, err)
	require.NoError(t, s.DataClient.Init())
	s.CacheClient, err = cache.Open(cfg.Database.CacheStore, "")
	require.NoError(t, err)
	require.NoError(t, s.CacheClient.Init())
	require.NoError(t, s.init())

	ctx := context.Background()
	require.NoError(t, s.DataClient.BatchInsertItems(ctx, []data.Item{{ItemId: "1", Popularity: 3}}))
	popular, err := s.recommender.Popular(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, popular, 1)
	// catalog lookups go through the cache
	item, err := s.catalog.GetItem(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", item.ItemId)
	s.Shutdown(ctx)
}

func TestServer_InvalidScore(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Popularity.Score = "item.Missing +"
	s := NewServer(config.NewStoreFrom("", cfg), false)
	s.DataClient = data.NewMemory()
	s.CacheClient = cache.NewMemory()
	assert.Error(t, s.init())
}
