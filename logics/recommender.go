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
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Recommendation is a ranked list together with how it was produced.
type Recommendation struct {
	UserId      string              `json:"user_id"`
	Items       []Candidate         `json:"recommendations"`
	Candidates  map[string]int      `json:"candidates"`
	Failed      []string            `json:"failed_sources,omitempty"`
	Skipped     []string            `json:"skipped_sources,omitempty"`
	Fallback    bool                `json:"fallback,omitempty"`
	Versions    map[string]string   `json:"versions"`
	Weights     config.WeightConfig `json:"weights"`
	ElapsedTime time.Duration       `json:"elapsed_time"`
}

// Recommender serves hybrid recommendations from the installed snapshots.
type Recommender struct {
	config      *config.Store
	dataClient  data.Database
	cacheClient cache.Database
	retriever   *Retriever
	popularity  *Popularity

	mu            sync.Mutex
	cycle         string
	missingLogged mapset.Set[string]
}

// NewRecommender creates a recommender. Weights are read from the store on every
// request, other settings when the recommender is created.
func NewRecommender(store *config.Store, dataClient data.Database, cacheClient cache.Database) (*Recommender, error) {
	cfg := store.Load()
	popularity, err := NewPopularity(cfg.Popularity, dataClient, cfg.Server.CatalogCacheTTL)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Recommender{
		config:        store,
		dataClient:    dataClient,
		cacheClient:   cacheClient,
		popularity:    popularity,
		retriever:     NewRetriever(cfg.Retrieval, dataClient, cacheClient, popularity),
		missingLogged: mapset.NewSet[string](),
	}, nil
}

func (r *Recommender) Retriever() *Retriever {
	return r.retriever
}

func (r *Recommender) Popularity() *Popularity {
	return r.popularity
}

// Recommend returns at most k items for a user sorted by hybrid score. An empty
// candidate pool yields an empty list.
func (r *Recommender) Recommend(ctx context.Context, userId string, k int) ([]Candidate, error) {
	result, err := r.RecommendDetail(ctx, userId, k)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return result.Items, nil
}

// RecommendDetail is Recommend with the candidate statistics of the request.
func (r *Recommender) RecommendDetail(ctx context.Context, userId string, k int) (*Recommendation, error) {
	start := time.Now()
	weights := r.config.Weights()
	result := &Recommendation{
		UserId:     userId,
		Items:      []Candidate{},
		Candidates: make(map[string]int),
		Versions:   make(map[string]string),
		Weights:    weights,
	}
	if k <= 0 {
		return result, nil
	}
	candidates, err := r.retriever.Retrieve(ctx, userId, k)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, source := range sources {
		result.Candidates[source] = len(candidates.List(source))
	}
	result.Failed = lo.Keys(candidates.Failed)
	sort.Strings(result.Failed)
	result.Skipped = candidates.Skipped
	result.Versions = candidates.Versions

	catalog, err := r.lookup(ctx, candidates)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result.Items = NewReranker(weights).Rerank(candidates, catalog, k)
	result.ElapsedTime = time.Since(start)
	return result, nil
}

// lookup loads catalog entries of candidates. Candidates missing from the active
// catalog are logged once per snapshot version.
func (r *Recommender) lookup(ctx context.Context, candidates *Candidates) (map[string]data.Item, error) {
	ids := mapset.NewThreadUnsafeSet[string]()
	for _, source := range sources {
		for _, scored := range candidates.List(source) {
			ids.Add(scored.ItemId)
		}
	}
	if ids.Cardinality() == 0 {
		return map[string]data.Item{}, nil
	}
	itemIds := ids.ToSlice()
	sort.Strings(itemIds)
	items, err := r.dataClient.BatchGetItems(ctx, itemIds)
	if err != nil {
		return nil, errors.Trace(err)
	}
	catalog := lo.SliceToMap(items, func(item data.Item) (string, data.Item) { return item.ItemId, item })
	for _, itemId := range itemIds {
		if _, ok := catalog[itemId]; !ok {
			r.logMissing(candidates.Versions, itemId)
		}
	}
	return catalog, nil
}

func (r *Recommender) logMissing(versions map[string]string, itemId string) {
	cycle := strings.Join(lo.Map(sources, func(source string, _ int) string { return versions[source] }), "/")
	r.mu.Lock()
	if cycle != r.cycle {
		r.cycle = cycle
		r.missingLogged.Clear()
	}
	r.mu.Unlock()
	if r.missingLogged.Add(itemId) {
		log.Logger().Warn("candidate not in active catalog",
			zap.String("item_id", itemId), zap.Any("versions", versions))
	}
}

// SimilarItems returns content neighbors of an item.
func (r *Recommender) SimilarItems(ctx context.Context, itemId string, k int) ([]cache.SimilarityEdge, error) {
	return r.Similar(ctx, cache.Content, itemId, k)
}

// Similar returns neighbors of an item in the current snapshot of an algorithm.
// An algorithm without snapshot has no neighbors.
func (r *Recommender) Similar(ctx context.Context, algorithm, itemId string, k int) ([]cache.SimilarityEdge, error) {
	snapshot, err := r.cacheClient.OpenSnapshot(ctx, algorithm)
	if errors.Is(err, cache.ErrNoSnapshot) {
		return []cache.SimilarityEdge{}, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	edges, err := snapshot.GetTopSimilar(ctx, itemId, k)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if edges == nil {
		edges = []cache.SimilarityEdge{}
	}
	return edges, nil
}

// Popular returns the k most popular active items.
func (r *Recommender) Popular(ctx context.Context, k int) ([]Scored, error) {
	return r.popularity.Top(ctx, k, nil, nil)
}

// PopularFor returns the k most popular items a user has not purchased.
func (r *Recommender) PopularFor(ctx context.Context, userId string, k int) ([]Scored, error) {
	history, err := r.dataClient.GetRecentInteractions(ctx, userId, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	purchased := mapset.NewThreadUnsafeSet[string]()
	for _, interaction := range history {
		purchased.Add(interaction.ItemId)
	}
	return r.popularity.Top(ctx, k, nil, purchased)
}

// PopularFallback ranks the most popular items a user has not purchased. It
// serves users whose personalized candidate pool is empty.
func (r *Recommender) PopularFallback(ctx context.Context, userId string, k int) ([]Candidate, error) {
	if k <= 0 {
		return []Candidate{}, nil
	}
	popular, err := r.PopularFor(ctx, userId, k)
	if err != nil {
		return nil, errors.Trace(err)
	}
	candidates := &Candidates{Popular: popular}
	catalog, err := r.lookup(ctx, candidates)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewReranker(r.config.Weights()).Rerank(candidates, catalog, k), nil
}

// History returns the n most recent interactions of a user.
func (r *Recommender) History(ctx context.Context, userId string, n int) ([]data.Interaction, error) {
	return r.dataClient.GetRecentInteractions(ctx, userId, n)
}

// Stats returns the info of the current snapshot of every algorithm. Algorithms
// without snapshot are omitted.
func (r *Recommender) Stats(ctx context.Context) (map[string]cache.SnapshotInfo, error) {
	stats := make(map[string]cache.SnapshotInfo)
	for _, algorithm := range []string{cache.Content, cache.Collaborative} {
		snapshot, err := r.cacheClient.OpenSnapshot(ctx, algorithm)
		if errors.Is(err, cache.ErrNoSnapshot) {
			continue
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		stats[algorithm] = snapshot.Info()
	}
	return stats, nil
}
