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
	"math"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/samber/lo"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	SourceCF      = "cf"
	SourceContent = "content"
	SourcePopular = "pop"
)

var sources = []string{SourceCF, SourceContent, SourcePopular}

// Candidates are the raw candidate lists of a request.
type Candidates struct {
	// History holds all interactions of the user, most recent first.
	History []data.Interaction
	// Seeds are the most recent interactions used to query the indices.
	Seeds   []data.Interaction
	CF      []Scored
	Content []Scored
	Popular []Scored
	// Versions of the snapshots read by this request.
	Versions map[string]string
	// Failed sources and their errors.
	Failed map[string]error
	// Skipped sources, e.g. CF for users with short history.
	Skipped []string
}

// List returns the candidate list of a source.
func (c *Candidates) List(source string) []Scored {
	switch source {
	case SourceCF:
		return c.CF
	case SourceContent:
		return c.Content
	case SourcePopular:
		return c.Popular
	}
	return nil
}

// abandonedError is a source failure caused by the cancellation of the request.
type abandonedError struct {
	err error
}

func (e abandonedError) Error() string {
	return e.err.Error()
}

func (e abandonedError) Unwrap() error {
	return e.err
}

// Retriever queries the similarity indices and the popularity ranking for candidates.
type Retriever struct {
	config      config.RetrievalConfig
	dataClient  data.Database
	cacheClient cache.Database
	popularity  *Popularity
	breakers    map[string]*gobreaker.CircuitBreaker[[]Scored]
}

func NewRetriever(cfg config.RetrievalConfig, dataClient data.Database, cacheClient cache.Database, popularity *Popularity) *Retriever {
	r := &Retriever{
		config:      cfg,
		dataClient:  dataClient,
		cacheClient: cacheClient,
		popularity:  popularity,
		breakers:    make(map[string]*gobreaker.CircuitBreaker[[]Scored]),
	}
	for _, source := range sources {
		r.breakers[source] = gobreaker.NewCircuitBreaker[[]Scored](gobreaker.Settings{
			Name:        source,
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				var abandoned abandonedError
				return err == nil || errors.As(err, &abandoned)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Logger().Warn("candidate source circuit breaker state changed",
					zap.String("source", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return r
}

// BreakerState returns the circuit breaker state of a source.
func (r *Retriever) BreakerState(source string) string {
	if breaker, ok := r.breakers[source]; ok {
		return breaker.State().String()
	}
	return ""
}

// Retrieve fetches CF, content and popularity candidates concurrently. A failed or
// timed out source contributes nothing. ErrAllSourcesFailed is returned only if
// every queried source failed. Items in the user's history never appear in candidates and
// every list holds at most n items.
func (r *Retriever) Retrieve(ctx context.Context, userId string, n int) (*Candidates, error) {
	history, err := r.dataClient.GetRecentInteractions(ctx, userId, 0)
	if err != nil {
		return nil, errors.Annotate(err, "load history")
	}
	seeds := history[:min(len(history), r.config.HistorySize)]
	purchased := mapset.NewThreadUnsafeSet[string]()
	for _, interaction := range history {
		purchased.Add(interaction.ItemId)
	}
	limit := min(n, r.config.CandidateLimit)
	result := &Candidates{
		History:  history,
		Seeds:    seeds,
		Versions: make(map[string]string),
		Failed:   make(map[string]error),
	}

	fetchers := map[string]func(context.Context) ([]Scored, string, error){
		SourceContent: func(ctx context.Context) ([]Scored, string, error) {
			return r.fromIndex(ctx, cache.Content, seeds[:min(len(seeds), r.config.ContentSeeds)], false, purchased, limit)
		},
		SourcePopular: func(ctx context.Context) ([]Scored, string, error) {
			scores, err := r.fromPopularity(ctx, seeds, purchased, limit)
			return scores, "", err
		},
	}
	if len(seeds) >= r.config.MinHistory {
		fetchers[SourceCF] = func(ctx context.Context) ([]Scored, string, error) {
			return r.fromIndex(ctx, cache.Collaborative, seeds, true, purchased, limit)
		}
	} else {
		result.Skipped = append(result.Skipped, SourceCF)
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for source, fetch := range fetchers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				defer mu.Unlock()
				result.Failed[source] = err
				return nil
			}
			sourceCtx, cancel := context.WithTimeout(ctx, r.config.SourceTimeout)
			defer cancel()
			var version string
			scores, err := r.breakers[source].Execute(func() ([]Scored, error) {
				var err error
				var scores []Scored
				scores, version, err = fetch(sourceCtx)
				if err != nil && ctx.Err() != nil {
					// the caller went away, the source is not to blame
					return nil, abandonedError{err: err}
				}
				return scores, err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Logger().Warn("candidate source unavailable",
					zap.String("source", source), zap.String("user_id", userId), zap.Error(err))
				result.Failed[source] = err
				return nil
			}
			switch source {
			case SourceCF:
				result.CF = scores
			case SourceContent:
				result.Content = scores
			case SourcePopular:
				result.Popular = scores
			}
			if version != "" {
				result.Versions[source] = version
			}
			return nil
		})
	}
	_ = g.Wait()
	// sources skipped for the user do not count as available
	if len(result.Failed) == len(fetchers) {
		return nil, errors.Trace(ErrAllSourcesFailed)
	}
	return result, nil
}

// fromIndex merges neighbors of seed items by maximum score. With recency enabled
// the edge score of the seed at rank i is multiplied by decay^i.
func (r *Retriever) fromIndex(ctx context.Context, algorithm string, seeds []data.Interaction, recency bool,
	purchased mapset.Set[string], limit int) ([]Scored, string, error) {
	snapshot, err := r.cacheClient.OpenSnapshot(ctx, algorithm)
	if errors.Is(err, cache.ErrNoSnapshot) {
		log.Logger().Debug("no snapshot installed", zap.String("algorithm", algorithm))
		return nil, "", nil
	} else if err != nil {
		return nil, "", errors.Trace(err)
	}
	scores := make(map[string]float64)
	for rank, seed := range seeds {
		edges, err := snapshot.GetTopSimilar(ctx, seed.ItemId, r.config.NeighborLimit)
		if err != nil {
			return nil, "", errors.Trace(err)
		}
		weight := 1.0
		if recency {
			weight = math.Pow(r.config.RecencyDecay, float64(rank))
		}
		for _, edge := range edges {
			score := edge.Score * weight
			if current, exist := scores[edge.Target]; !exist || score > current {
				scores[edge.Target] = score
			}
		}
	}
	return topScores(scores, func(itemId string) bool { return purchased.Contains(itemId) }, limit), snapshot.Info().Version, nil
}

// fromPopularity ranks popular items, boosting categories found in the seeds.
func (r *Retriever) fromPopularity(ctx context.Context, seeds []data.Interaction, purchased mapset.Set[string], limit int) ([]Scored, error) {
	boosted := mapset.NewThreadUnsafeSet[string]()
	if len(seeds) > 0 {
		items, err := r.dataClient.BatchGetItems(ctx, lo.Uniq(lo.Map(seeds, func(seed data.Interaction, _ int) string {
			return seed.ItemId
		})))
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, item := range items {
			boosted.Add(orUnknown(item.Category))
		}
	}
	return r.popularity.Top(ctx, limit, boosted, purchased)
}
