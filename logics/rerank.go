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
	"math"
	"sort"
	"strings"

	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/samber/lo"
)

// Candidate is a ranked recommendation with the terms of its hybrid score.
type Candidate struct {
	ItemId     string  `json:"item_id"`
	Category   string  `json:"category"`
	Price      float64 `json:"price"`
	Popularity float64 `json:"popularity"`
	// Provenance such as "cf+content".
	Source  string   `json:"source"`
	Sources []string `json:"-"`

	CFRaw   float64 `json:"cf_raw"`
	CBRaw   float64 `json:"cb_raw"`
	PopRaw  float64 `json:"pop_raw"`
	CFNorm  float64 `json:"cf_score"`
	CBNorm  float64 `json:"cb_score"`
	PopNorm float64 `json:"pop_score"`

	DiversityPenalty float64 `json:"diversity_penalty"`
	NoveltyBonus     float64 `json:"novelty_bonus"`
	PricePenalty     float64 `json:"price_penalty"`
	Score            float64 `json:"hybrid_score"`
}

// Reranker merges normalized candidate lists and ranks them by the hybrid score.
type Reranker struct {
	weights config.WeightConfig
}

func NewReranker(weights config.WeightConfig) *Reranker {
	return &Reranker{weights: weights}
}

// Rerank merges candidates of every source and returns the best k. Items missing
// from the catalog are dropped. The price penalty compares with the seed amounts.
func (r *Reranker) Rerank(candidates *Candidates, catalog map[string]data.Item, k int) []Candidate {
	// merge in source insertion order
	var pool []*Candidate
	index := make(map[string]*Candidate)
	for _, source := range sources {
		raw := candidates.List(source)
		norm := Normalize(raw)
		for i, scored := range raw {
			item, ok := catalog[scored.ItemId]
			if !ok {
				continue
			}
			c, exist := index[scored.ItemId]
			if !exist {
				c = &Candidate{
					ItemId:     item.ItemId,
					Category:   orUnknown(item.Category),
					Price:      item.Price,
					Popularity: item.Popularity,
				}
				index[scored.ItemId] = c
				pool = append(pool, c)
			}
			c.Sources = append(c.Sources, source)
			switch source {
			case SourceCF:
				c.CFRaw, c.CFNorm = scored.Score, norm[i].Score
			case SourceContent:
				c.CBRaw, c.CBNorm = scored.Score, norm[i].Score
			case SourcePopular:
				c.PopRaw, c.PopNorm = scored.Score, norm[i].Score
			}
		}
	}
	if len(pool) == 0 {
		return []Candidate{}
	}

	diversity := DiversityPenalties(lo.Map(pool, func(c *Candidate, _ int) string { return c.Category }),
		r.weights.DiversityStep, r.weights.DiversityCap)
	maxPopularity := lo.MaxBy(pool, func(a, b *Candidate) bool { return a.Popularity > b.Popularity }).Popularity
	avgAmount := averageAmount(candidates.Seeds)
	for i, c := range pool {
		c.Source = strings.Join(c.Sources, "+")
		c.DiversityPenalty = diversity[i]
		c.NoveltyBonus = NoveltyBonus(c.Popularity, maxPopularity)
		c.PricePenalty = PricePenalty(c.Price, avgAmount)
		c.Score = r.weights.CF*c.CFNorm +
			r.weights.CB*c.CBNorm +
			r.weights.Pop*c.PopNorm -
			r.weights.DiversityWeight*c.DiversityPenalty +
			r.weights.NoveltyWeight*c.NoveltyBonus -
			r.weights.PriceWeight*c.PricePenalty
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Score != pool[j].Score {
			return pool[i].Score > pool[j].Score
		}
		return pool[i].ItemId < pool[j].ItemId
	})
	if k >= 0 && len(pool) > k {
		pool = pool[:k]
	}
	return lo.Map(pool, func(c *Candidate, _ int) Candidate { return *c })
}

// DiversityPenalties walks categories in order and penalizes the n-th occurrence of
// a category with min(n*step, maxPenalty).
func DiversityPenalties(categories []string, step, maxPenalty float64) []float64 {
	counts := make(map[string]int)
	penalties := make([]float64, len(categories))
	for i, category := range categories {
		counts[category]++
		penalties[i] = math.Min(float64(counts[category])*step, maxPenalty)
	}
	return penalties
}

// NoveltyBonus favors less popular items. It is zero if no item in the pool is popular.
func NoveltyBonus(popularity, maxPopularity float64) float64 {
	if maxPopularity <= 0 {
		return 0
	}
	return 1 - popularity/maxPopularity
}

// PricePenalty is the relative gap between a price and the average purchase amount,
// clamped to [0, 1]. It is zero without purchase history.
func PricePenalty(price, avgAmount float64) float64 {
	if avgAmount <= 0 {
		return 0
	}
	return math.Max(0, math.Min(math.Abs(price-avgAmount)/avgAmount, 1))
}

func averageAmount(interactions []data.Interaction) float64 {
	if len(interactions) == 0 {
		return 0
	}
	return lo.SumBy(interactions, func(i data.Interaction) float64 { return i.Amount }) / float64(len(interactions))
}
