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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/logics"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/samber/lo"
	"github.com/steinfletcher/apitest"
	"github.com/stretchr/testify/suite"
)

const apiKey = "test_api_key"

type ServerTestSuite struct {
	suite.Suite
	Server
	handler    *restful.Container
	dataStore  data.Database
	cacheStore cache.Database
	now        time.Time
}

func (suite *ServerTestSuite) SetupTest() {
	cfg := config.GetDefaultConfig()
	cfg.Server.APIKey = apiKey
	cfg.Server.DefaultN = 10
	cfg.Retrieval.CandidateLimit = 2
	suite.Config = config.NewStoreFrom("", cfg)
	var err error
	suite.DataClient, err = data.Open("memory://", "")
	suite.NoError(err)
	suite.CacheClient, err = cache.Open("memory://", "")
	suite.NoError(err)
	suite.NoError(suite.DataClient.Init())
	suite.NoError(suite.CacheClient.Init())
	suite.dataStore, suite.cacheStore = suite.DataClient, suite.CacheClient

	ctx := context.Background()
	suite.NoError(suite.DataClient.BatchInsertItems(ctx, []data.Item{
		{ItemId: "A", Category: "electronics", Price: 100},
		{ItemId: "B", Category: "electronics", Price: 100},
		{ItemId: "X", Category: "electronics", Price: 120},
		{ItemId: "Y", Category: "electronics", Price: 90},
		{ItemId: "Z", Category: "home", Price: 100},
		{ItemId: "P1", Category: "toys", Price: 20, Popularity: 100},
		{ItemId: "P2", Category: "toys", Price: 30, Popularity: 90},
	}))
	suite.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	suite.NoError(suite.DataClient.BatchInsertInteractions(ctx, []data.Interaction{
		{UserId: "alice", ItemId: "A", Timestamp: suite.now, Amount: 100},
		{UserId: "alice", ItemId: "B", Timestamp: suite.now.Add(-time.Hour), Amount: 100},
		{UserId: "dave", ItemId: "Z", Timestamp: suite.now, Amount: 100},
	}))
	suite.install(cache.Collaborative, []cache.SimilarityEdge{
		{Source: "A", Target: "X", Score: 0.9, CoUsers: 5},
		{Source: "A", Target: "Y", Score: 0.5, CoUsers: 5},
		{Source: "B", Target: "Y", Score: 0.4, CoUsers: 5},
		{Source: "B", Target: "A", Score: 0.3, CoUsers: 5},
	})
	suite.install(cache.Content, []cache.SimilarityEdge{
		{Source: "A", Target: "Z", Score: 0.8},
		{Source: "A", Target: "B", Score: 0.7},
	})
	suite.start()
}

func (suite *ServerTestSuite) install(algorithm string, edges []cache.SimilarityEdge) {
	for i := range edges {
		edges[i].Algorithm = algorithm
	}
	_, err := suite.CacheClient.InstallSnapshot(context.Background(), cache.NewSnapshotInfo(algorithm, edges, 7), edges)
	suite.NoError(err)
}

func (suite *ServerTestSuite) start() {
	suite.NoError(suite.init())
	suite.WebService = new(restful.WebService)
	suite.CreateWebService()
	suite.handler = restful.NewContainer()
	suite.handler.Add(suite.WebService)
}

func (suite *ServerTestSuite) TearDownTest() {
	suite.NoError(suite.dataStore.Close())
	suite.NoError(suite.cacheStore.Close())
}

func (suite *ServerTestSuite) marshal(v any) string {
	s, err := json.Marshal(v)
	suite.NoError(err)
	return string(s)
}

func (suite *ServerTestSuite) recommend(userId, n string) (int, logics.Recommendation) {
	req := httptest.NewRequest(http.MethodGet, "/api/recommend/"+userId+"?n="+n, nil)
	req.Header.Set("X-API-Key", apiKey)
	w := httptest.NewRecorder()
	suite.handler.ServeHTTP(w, req)
	var result logics.Recommendation
	if w.Code == http.StatusOK {
		suite.NoError(json.Unmarshal(w.Body.Bytes(), &result))
	}
	return w.Code, result
}

func itemIds(candidates []logics.Candidate) []string {
	return lo.Map(candidates, func(c logics.Candidate, _ int) string { return c.ItemId })
}

func (suite *ServerTestSuite) TestAuth() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get("/api/popular").
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/popular").
		Header("X-API-Key", "wrong").
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/popular").
		Header("X-API-Key", apiKey).
		Expect(t).
		Status(http.StatusOK).
		End()
}

func (suite *ServerTestSuite) TestRecommend() {
	code, result := suite.recommend("alice", "10")
	suite.Equal(http.StatusOK, code)
	suite.Equal("alice", result.UserId)
	suite.False(result.Fallback)
	suite.ElementsMatch([]string{"X", "Y", "Z", "P1", "P2"}, itemIds(result.Items))
	suite.Equal(map[string]int{logics.SourceCF: 2, logics.SourceContent: 1, logics.SourcePopular: 2}, result.Candidates)
	suite.Equal(suite.Config.Weights(), result.Weights)
	for i := 1; i < len(result.Items); i++ {
		suite.GreaterOrEqual(result.Items[i-1].Score, result.Items[i].Score)
	}

	code, result = suite.recommend("alice", "2")
	suite.Equal(http.StatusOK, code)
	suite.Len(result.Items, 2)

	// n is capped
	cfg := *suite.Config.Load()
	cfg.Server.MaxN = 1
	suite.Config = config.NewStoreFrom("", &cfg)
	suite.start()
	code, result = suite.recommend("alice", "10")
	suite.Equal(http.StatusOK, code)
	suite.Len(result.Items, 1)
}

func (suite *ServerTestSuite) TestRecommendBadRequest() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get("/api/recommend/alice").
		Header("X-API-Key", apiKey).
		Query("n", "ten").
		Expect(t).
		Status(http.StatusBadRequest).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/recommend/alice").
		Header("X-API-Key", apiKey).
		Query("n", "-1").
		Expect(t).
		Status(http.StatusBadRequest).
		End()
}

type brokenCatalog struct {
	data.Database
}

func (brokenCatalog) ListActiveItems(context.Context) ([]data.Item, error) {
	return nil, errors.New("connection refused")
}

func (brokenCatalog) BatchGetItems(context.Context, []string) ([]data.Item, error) {
	return nil, errors.New("connection refused")
}

func (suite *ServerTestSuite) TestAllSourcesFailed() {
	suite.DataClient = brokenCatalog{suite.DataClient}
	suite.CacheClient = cache.NoDatabase{}
	suite.start()
	code, _ := suite.recommend("alice", "10")
	suite.Equal(http.StatusServiceUnavailable, code)
}

// flakyCatalog fails to list items a number of times.
type flakyCatalog struct {
	data.Database
	failures atomic.Int32
}

func (c *flakyCatalog) ListActiveItems(ctx context.Context) ([]data.Item, error) {
	if c.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return c.Database.ListActiveItems(ctx)
}

func (suite *ServerTestSuite) TestFallback() {
	catalog := &flakyCatalog{Database: suite.DataClient}
	catalog.failures.Store(1)
	suite.DataClient = catalog
	suite.start()
	// Z has no neighbors and the popularity source is down
	code, result := suite.recommend("dave", "2")
	suite.Equal(http.StatusOK, code)
	suite.True(result.Fallback)
	suite.Equal([]string{logics.SourcePopular}, result.Failed)
	suite.Equal([]string{"P1", "P2"}, itemIds(result.Items))

	// without fallback the list stays empty
	cfg := *suite.Config.Load()
	cfg.Server.FallbackPopular = false
	suite.Config = config.NewStoreFrom("", &cfg)
	catalog.failures.Store(1)
	suite.start()
	code, result = suite.recommend("dave", "2")
	suite.Equal(http.StatusOK, code)
	suite.False(result.Fallback)
	suite.Empty(result.Items)
}

func (suite *ServerTestSuite) TestSimilar() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get("/api/item/A/similar").
		Header("X-API-Key", apiKey).
		Query("n", "1").
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal([]cache.SimilarityEdge{
			{Source: "A", Target: "Z", Score: 0.8, Algorithm: cache.Content},
		})).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/item/B/similar").
		Header("X-API-Key", apiKey).
		Query("algorithm", cache.Collaborative).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal([]cache.SimilarityEdge{
			{Source: "B", Target: "Y", Score: 0.4, Algorithm: cache.Collaborative, CoUsers: 5},
			{Source: "B", Target: "A", Score: 0.3, Algorithm: cache.Collaborative, CoUsers: 5},
		})).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/item/unknown/similar").
		Header("X-API-Key", apiKey).
		Expect(t).
		Status(http.StatusOK).
		Body(`[]`).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/item/A/similar").
		Header("X-API-Key", apiKey).
		Query("algorithm", "random").
		Expect(t).
		Status(http.StatusBadRequest).
		End()
}

func (suite *ServerTestSuite) TestHistory() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get("/api/user/alice/history").
		Header("X-API-Key", apiKey).
		Query("n", "1").
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal([]data.Interaction{
			{UserId: "alice", ItemId: "A", Timestamp: suite.now, Amount: 100},
		})).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/user/alice/history").
		Header("X-API-Key", apiKey).
		Query("n", "0").
		Expect(t).
		Status(http.StatusOK).
		Body(`[]`).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/user/nobody/history").
		Header("X-API-Key", apiKey).
		Expect(t).
		Status(http.StatusOK).
		Body(`[]`).
		End()
}

func (suite *ServerTestSuite) TestPopular() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get("/api/popular").
		Header("X-API-Key", apiKey).
		Query("n", "2").
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal([]logics.Scored{{ItemId: "P1", Score: 100}, {ItemId: "P2", Score: 90}})).
		End()
}

func (suite *ServerTestSuite) TestStats() {
	snapshots, err := suite.recommender.Stats(context.Background())
	suite.NoError(err)
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get("/api/stats").
		Header("X-API-Key", apiKey).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal(Stats{
			Snapshots: snapshots,
			Breakers: map[string]string{
				logics.SourceCF:      "closed",
				logics.SourceContent: "closed",
				logics.SourcePopular: "closed",
			},
		})).
		End()
}

func (suite *ServerTestSuite) TestWeights() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get("/api/weights").
		Header("X-API-Key", apiKey).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal(config.GetDefaultConfig().Weights)).
		End()

	// weights are read on every request
	weights := suite.Config.Weights()
	weights.Pop = 0.5
	suite.NoError(suite.Config.SetWeights(weights))
	apitest.New().
		Handler(suite.handler).
		Get("/api/weights").
		Header("X-API-Key", apiKey).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal(weights)).
		End()
	code, result := suite.recommend("alice", "10")
	suite.Equal(http.StatusOK, code)
	suite.Equal(0.5, result.Weights.Pop)
}

func TestServer(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
