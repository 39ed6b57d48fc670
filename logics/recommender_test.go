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
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/samber/lo"
	"github.com/stretchr/testify/suite"
)

type RecommenderTestSuite struct {
	suite.Suite
	config      *config.Config
	dataClient  *data.Memory
	cacheClient *cache.Memory
}

func (suite *RecommenderTestSuite) SetupTest() {
	suite.config = config.GetDefaultConfig()
	suite.config.Retrieval.CandidateLimit = 2
	suite.config.Retrieval.SourceTimeout = time.Second
	suite.dataClient = data.NewMemory()
	suite.cacheClient = cache.NewMemory()
	ctx := context.Background()
	suite.NoError(suite.dataClient.BatchInsertItems(ctx, []data.Item{
		{ItemId: "A", Category: "electronics", Price: 100},
		{ItemId: "B", Category: "electronics", Price: 100},
		{ItemId: "X", Category: "electronics", Price: 120},
		{ItemId: "Y", Category: "electronics", Price: 90},
		{ItemId: "Z", Category: "home", Price: 100},
		{ItemId: "P1", Category: "toys", Price: 20, Popularity: 100},
		{ItemId: "P2", Category: "toys", Price: 30, Popularity: 90},
	}))
	now := time.Now()
	suite.NoError(suite.dataClient.BatchInsertInteractions(ctx, []data.Interaction{
		{UserId: "alice", ItemId: "A", Timestamp: now, Amount: 100},
		{UserId: "alice", ItemId: "B", Timestamp: now.Add(-time.Hour), Amount: 100},
		{UserId: "bob", ItemId: "A", Timestamp: now, Amount: 100},
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
}

func (suite *RecommenderTestSuite) install(algorithm string, edges []cache.SimilarityEdge) {
	for i := range edges {
		edges[i].Algorithm = algorithm
	}
	_, err := suite.cacheClient.InstallSnapshot(context.Background(), cache.NewSnapshotInfo(algorithm, edges, 7), edges)
	suite.NoError(err)
}

func (suite *RecommenderTestSuite) newRecommender(dataClient data.Database, cacheClient cache.Database) *Recommender {
	recommender, err := NewRecommender(config.NewStoreFrom("", suite.config), dataClient, cacheClient)
	suite.NoError(err)
	return recommender
}

func itemIds(candidates []Candidate) []string {
	return lo.Map(candidates, func(c Candidate, _ int) string { return c.ItemId })
}

func (suite *RecommenderTestSuite) TestRetrieve() {
	recommender := suite.newRecommender(suite.dataClient, suite.cacheClient)
	candidates, err := recommender.Retriever().Retrieve(context.Background(), "alice", 10)
	suite.NoError(err)
	suite.Len(candidates.Seeds, 2)
	suite.Equal("A", candidates.Seeds[0].ItemId)
	// Y keeps the strongest signal: max(0.5 * 0.9^0, 0.4 * 0.9^1)
	suite.Equal([]Scored{{"X", 0.9}, {"Y", 0.5}}, candidates.CF)
	// B is purchased
	suite.Equal([]Scored{{"Z", 0.8}}, candidates.Content)
	suite.Equal([]Scored{{"P1", 100}, {"P2", 90}}, candidates.Popular)
	suite.Empty(candidates.Failed)
	suite.Empty(candidates.Skipped)
	suite.Contains(candidates.Versions, SourceCF)
	suite.Contains(candidates.Versions, SourceContent)
}

func (suite *RecommenderTestSuite) TestRecommend() {
	recommender := suite.newRecommender(suite.dataClient, suite.cacheClient)
	result, err := recommender.RecommendDetail(context.Background(), "alice", 10)
	suite.NoError(err)
	suite.ElementsMatch([]string{"X", "Y", "Z", "P1", "P2"}, itemIds(result.Items))
	suite.Equal(map[string]int{SourceCF: 2, SourceContent: 1, SourcePopular: 2}, result.Candidates)
	suite.Equal(suite.config.Weights, result.Weights)
	y, ok := lo.Find(result.Items, func(c Candidate) bool { return c.ItemId == "Y" })
	suite.True(ok)
	suite.Equal(0.5, y.CFRaw)

	// the same request yields the same order
	again, err := recommender.Recommend(context.Background(), "alice", 10)
	suite.NoError(err)
	suite.Equal(result.Items, again)

	// truncated to k
	items, err := recommender.Recommend(context.Background(), "alice", 3)
	suite.NoError(err)
	suite.Equal(itemIds(result.Items)[:3], itemIds(items))
}

func (suite *RecommenderTestSuite) TestExcludeHistory() {
	suite.config.Retrieval.HistorySize = 1
	suite.config.Retrieval.CandidateLimit = 100
	suite.NoError(suite.dataClient.BatchInsertInteractions(context.Background(), []data.Interaction{
		{UserId: "alice", ItemId: "Z", Timestamp: time.Now().Add(-time.Hour * 24), Amount: 100},
	}))
	recommender := suite.newRecommender(suite.dataClient, suite.cacheClient)
	items, err := recommender.Recommend(context.Background(), "alice", 100)
	suite.NoError(err)
	suite.NotEmpty(items)
	for _, item := range items {
		suite.NotContains([]string{"A", "B", "Z"}, item.ItemId)
	}
}

func (suite *RecommenderTestSuite) TestShortHistory() {
	recommender := suite.newRecommender(suite.dataClient, suite.cacheClient)
	candidates, err := recommender.Retriever().Retrieve(context.Background(), "bob", 10)
	suite.NoError(err)
	suite.Nil(candidates.CF)
	suite.Equal([]string{SourceCF}, candidates.Skipped)
	suite.NotEmpty(candidates.Content)
	suite.NotEmpty(candidates.Popular)

	items, err := recommender.Recommend(context.Background(), "bob", 10)
	suite.NoError(err)
	suite.NotEmpty(items)
	for _, item := range items {
		suite.NotContains(item.Source, SourceCF)
	}
}

func (suite *RecommenderTestSuite) TestEmptySources() {
	recommender := suite.newRecommender(data.NewMemory(), cache.NewMemory())
	items, err := recommender.Recommend(context.Background(), "alice", 10)
	suite.NoError(err)
	suite.NotNil(items)
	suite.Empty(items)
}

func (suite *RecommenderTestSuite) TestSourceUnavailable() {
	recommender := suite.newRecommender(suite.dataClient, cache.NoDatabase{})
	result, err := recommender.RecommendDetail(context.Background(), "alice", 10)
	suite.NoError(err)
	suite.Equal([]string{SourceCF, SourceContent}, result.Failed)
	suite.Equal([]string{"P1", "P2"}, itemIds(result.Items))
}

type slowCache struct {
	cache.Database
}

func (slowCache) OpenSnapshot(ctx context.Context, _ string) (cache.Snapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (suite *RecommenderTestSuite) TestSourceTimeout() {
	suite.config.Retrieval.SourceTimeout = 50 * time.Millisecond
	recommender := suite.newRecommender(suite.dataClient, slowCache{suite.cacheClient})
	candidates, err := recommender.Retriever().Retrieve(context.Background(), "alice", 10)
	suite.NoError(err)
	suite.True(errors.Is(candidates.Failed[SourceCF], context.DeadlineExceeded))
	suite.True(errors.Is(candidates.Failed[SourceContent], context.DeadlineExceeded))
	suite.NotEmpty(candidates.Popular)
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

func (suite *RecommenderTestSuite) TestAllSourcesFailed() {
	recommender := suite.newRecommender(brokenCatalog{suite.dataClient}, cache.NoDatabase{})
	_, err := recommender.Recommend(context.Background(), "alice", 10)
	suite.True(errors.Is(err, ErrAllSourcesFailed))
}

func (suite *RecommenderTestSuite) TestCircuitBreaker() {
	suite.config.Retrieval.BreakerFailures = 2
	suite.config.Retrieval.BreakerTimeout = time.Hour
	recommender := suite.newRecommender(suite.dataClient, cache.NoDatabase{})
	for i := 0; i < 2; i++ {
		_, err := recommender.Recommend(context.Background(), "alice", 10)
		suite.NoError(err)
	}
	suite.Equal("open", recommender.Retriever().BreakerState(SourceCF))
	suite.Equal("closed", recommender.Retriever().BreakerState(SourcePopular))
}

func (suite *RecommenderTestSuite) TestCanceledRequests() {
	suite.config.Retrieval.BreakerFailures = 2
	suite.config.Retrieval.BreakerTimeout = time.Hour
	recommender := suite.newRecommender(suite.dataClient, slowCache{suite.cacheClient})

	// requests canceled before retrieval
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, err := recommender.Retriever().Retrieve(canceled, "alice", 10)
		suite.Error(err)
	}
	suite.Equal("closed", recommender.Retriever().BreakerState(SourceCF))
	suite.Equal("closed", recommender.Retriever().BreakerState(SourceContent))
	suite.Equal("closed", recommender.Retriever().BreakerState(SourcePopular))

	// requests canceled while sources are queried
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		timer := time.AfterFunc(20*time.Millisecond, cancel)
		candidates, err := recommender.Retriever().Retrieve(ctx, "alice", 10)
		timer.Stop()
		cancel()
		if err == nil {
			suite.True(errors.Is(candidates.Failed[SourceCF], context.Canceled))
		}
	}
	suite.Equal("closed", recommender.Retriever().BreakerState(SourceCF))
	suite.Equal("closed", recommender.Retriever().BreakerState(SourceContent))

	// slow sources still trip the breaker
	suite.config.Retrieval.SourceTimeout = 20 * time.Millisecond
	recommender = suite.newRecommender(suite.dataClient, slowCache{suite.cacheClient})
	for i := 0; i < 2; i++ {
		_, err := recommender.Retriever().Retrieve(context.Background(), "alice", 10)
		suite.NoError(err)
	}
	suite.Equal("open", recommender.Retriever().BreakerState(SourceCF))
}

func (suite *RecommenderTestSuite) TestMissingCatalogEntry() {
	suite.install(cache.Content, []cache.SimilarityEdge{
		{Source: "A", Target: "gone", Score: 0.9},
		{Source: "A", Target: "Z", Score: 0.8},
	})
	recommender := suite.newRecommender(suite.dataClient, suite.cacheClient)
	for i := 0; i < 2; i++ {
		items, err := recommender.Recommend(context.Background(), "alice", 10)
		suite.NoError(err)
		suite.NotContains(itemIds(items), "gone")
	}
	suite.True(recommender.missingLogged.Contains("gone"))
}

func (suite *RecommenderTestSuite) TestSimilarItems() {
	recommender := suite.newRecommender(suite.dataClient, suite.cacheClient)
	edges, err := recommender.SimilarItems(context.Background(), "A", 1)
	suite.NoError(err)
	suite.Equal([]cache.SimilarityEdge{{Source: "A", Target: "Z", Score: 0.8, Algorithm: cache.Content}}, edges)
	edges, err = recommender.Similar(context.Background(), cache.Collaborative, "B", 10)
	suite.NoError(err)
	suite.Len(edges, 2)
	edges, err = recommender.Similar(context.Background(), cache.Collaborative, "unknown", 10)
	suite.NoError(err)
	suite.Empty(edges)
}

func (suite *RecommenderTestSuite) TestPopular() {
	recommender := suite.newRecommender(suite.dataClient, suite.cacheClient)
	popular, err := recommender.Popular(context.Background(), 1)
	suite.NoError(err)
	suite.Equal([]Scored{{"P1", 100}}, popular)
	popular, err = recommender.PopularFor(context.Background(), "alice", 10)
	suite.NoError(err)
	// items without popularity never fill the list
	suite.Equal([]string{"P1", "P2"}, lo.Map(popular, func(s Scored, _ int) string { return s.ItemId }))
}

func (suite *RecommenderTestSuite) TestUnpopularCatalog() {
	suite.config.Retrieval.CandidateLimit = 100
	dataClient := data.NewMemory()
	ctx := context.Background()
	suite.NoError(dataClient.BatchInsertItems(ctx, []data.Item{
		{ItemId: "A", Category: "electronics"},
		{ItemId: "B", Category: "electronics"},
		{ItemId: "X", Category: "electronics"},
		{ItemId: "W", Category: "electronics"},
	}))
	suite.NoError(dataClient.BatchInsertInteractions(ctx, []data.Interaction{
		{UserId: "alice", ItemId: "A", Timestamp: time.Now(), Amount: 100},
		{UserId: "alice", ItemId: "B", Timestamp: time.Now().Add(-time.Hour), Amount: 100},
	}))
	cacheClient := cache.NewMemory()
	edges := []cache.SimilarityEdge{{Source: "A", Target: "X", Score: 0.2, Algorithm: cache.Collaborative}}
	_, err := cacheClient.InstallSnapshot(ctx, cache.NewSnapshotInfo(cache.Collaborative, edges, 4), edges)
	suite.NoError(err)
	recommender := suite.newRecommender(dataClient, cacheClient)
	result, err := recommender.RecommendDetail(ctx, "alice", 10)
	suite.NoError(err)
	suite.Equal([]string{"X"}, itemIds(result.Items))
	suite.Equal(0, result.Candidates[SourcePopular])
}

func (suite *RecommenderTestSuite) TestPopularFallback() {
	recommender := suite.newRecommender(suite.dataClient, suite.cacheClient)
	items, err := recommender.PopularFallback(context.Background(), "alice", 2)
	suite.NoError(err)
	suite.Equal([]string{"P1", "P2"}, itemIds(items))
	suite.Equal(SourcePopular, items[0].Source)
	items, err = recommender.PopularFallback(context.Background(), "alice", 0)
	suite.NoError(err)
	suite.Empty(items)
}

func (suite *RecommenderTestSuite) TestStats() {
	recommender := suite.newRecommender(suite.dataClient, suite.cacheClient)
	stats, err := recommender.Stats(context.Background())
	suite.NoError(err)
	suite.Equal(4, stats[cache.Collaborative].Edges)
	suite.Equal(2, stats[cache.Content].Edges)
}

func TestRecommender(t *testing.T) {
	suite.Run(t, new(RecommenderTestSuite))
}
