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
	"testing"

	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	normalized := Normalize([]Scored{{"a", 1}, {"b", 3}, {"c", 5}})
	assert.Equal(t, []Scored{{"a", 0}, {"b", 0.5}, {"c", 1}}, normalized)
	// degenerate lists map to 1
	assert.Equal(t, []Scored{{"a", 1}, {"b", 1}}, Normalize([]Scored{{"a", 2}, {"b", 2}}))
	assert.Equal(t, []Scored{{"a", 1}}, Normalize([]Scored{{"a", 0.3}}))
	assert.Empty(t, Normalize(nil))
}

func TestSortScores(t *testing.T) {
	scores := []Scored{{"c", 1}, {"b", 2}, {"a", 1}}
	SortScores(scores)
	assert.Equal(t, []Scored{{"b", 2}, {"a", 1}, {"c", 1}}, scores)
}

func TestTopScores(t *testing.T) {
	scores := topScores(map[string]float64{"a": 0.1, "b": 0.9, "c": 0.5, "d": 0.7},
		func(itemId string) bool { return itemId == "b" }, 2)
	assert.Equal(t, []Scored{{"d", 0.7}, {"c", 0.5}}, scores)
}

func TestDiversityPenalties(t *testing.T) {
	penalties := DiversityPenalties([]string{"a", "a", "b", "a", "a", "a", "a", "a"}, 0.1, 0.5)
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.1, 0.3, 0.4, 0.5, 0.5, 0.5}, penalties, 1e-9)
	// non-decreasing within a category
	var last float64
	for i, category := range []string{"a", "a", "b", "a", "a", "a", "a", "a"} {
		if category == "a" {
			assert.GreaterOrEqual(t, penalties[i], last)
			last = penalties[i]
		}
	}
}

func TestNoveltyBonus(t *testing.T) {
	assert.Equal(t, 0.0, NoveltyBonus(10, 10))
	assert.Equal(t, 0.75, NoveltyBonus(25, 100))
	assert.Equal(t, 0.0, NoveltyBonus(0, 0))
}

func TestPricePenalty(t *testing.T) {
	assert.Equal(t, 0.5, PricePenalty(150, 100))
	assert.Equal(t, 0.5, PricePenalty(50, 100))
	assert.Equal(t, 1.0, PricePenalty(1000, 100))
	assert.Equal(t, 0.0, PricePenalty(100, 0))
}

func rerankCatalog() map[string]data.Item {
	items := []data.Item{
		{ItemId: "x", Category: "electronics", Price: 100, Popularity: 10},
		{ItemId: "y", Category: "electronics", Price: 200, Popularity: 20},
		{ItemId: "z", Category: "home", Price: 100, Popularity: 0},
		{ItemId: "p1", Category: "toys", Price: 50, Popularity: 100},
		{ItemId: "p2", Category: "toys", Price: 50, Popularity: 80},
	}
	return lo.SliceToMap(items, func(item data.Item) (string, data.Item) { return item.ItemId, item })
}

func TestRerank(t *testing.T) {
	candidates := &Candidates{
		Seeds:   []data.Interaction{{ItemId: "a", Amount: 100}, {ItemId: "b", Amount: 100}},
		CF:      []Scored{{"x", 0.9}, {"y", 0.5}},
		Content: []Scored{{"z", 0.8}, {"x", 0.4}},
		Popular: []Scored{{"p1", 100}, {"p2", 80}, {"missing", 60}},
	}
	weights := config.GetDefaultConfig().Weights
	results := NewReranker(weights).Rerank(candidates, rerankCatalog(), 10)
	assert.Len(t, results, 5)
	byId := lo.SliceToMap(results, func(c Candidate) (string, Candidate) { return c.ItemId, c })
	assert.NotContains(t, byId, "missing")

	x := byId["x"]
	assert.Equal(t, "cf+content", x.Source)
	assert.Equal(t, 0.9, x.CFRaw)
	assert.Equal(t, 1.0, x.CFNorm)
	assert.Equal(t, 0.4, x.CBRaw)
	assert.Equal(t, 0.0, x.CBNorm)
	assert.Equal(t, 0.0, x.PopNorm)
	assert.InDelta(t, 0.1, x.DiversityPenalty, 1e-9)
	assert.InDelta(t, 0.9, x.NoveltyBonus, 1e-9)
	assert.Equal(t, 0.0, x.PricePenalty)
	assert.InDelta(t, weights.CF*1-weights.DiversityWeight*0.1+weights.NoveltyWeight*0.9, x.Score, 1e-9)

	y := byId["y"]
	assert.Equal(t, "cf", y.Source)
	assert.InDelta(t, 0.2, y.DiversityPenalty, 1e-9)
	assert.Equal(t, 1.0, y.PricePenalty)

	p1 := byId["p1"]
	assert.Equal(t, "pop", p1.Source)
	assert.Equal(t, 1.0, p1.PopNorm)
	assert.Equal(t, 0.0, p1.NoveltyBonus)
	assert.Equal(t, 0.5, p1.PricePenalty)

	// the popular item wins with default weights
	assert.Equal(t, "p1", results[0].ItemId)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestRerankTieBreak(t *testing.T) {
	items := lo.SliceToMap([]data.Item{
		{ItemId: "c", Category: "1"},
		{ItemId: "a", Category: "2"},
		{ItemId: "b", Category: "3"},
	}, func(item data.Item) (string, data.Item) { return item.ItemId, item })
	candidates := &Candidates{Popular: []Scored{{"c", 1}, {"a", 1}, {"b", 1}}}
	results := NewReranker(config.GetDefaultConfig().Weights).Rerank(candidates, items, 2)
	assert.Equal(t, []string{"a", "b"}, lo.Map(results, func(c Candidate, _ int) string { return c.ItemId }))
}

func TestRerankEmpty(t *testing.T) {
	results := NewReranker(config.GetDefaultConfig().Weights).Rerank(&Candidates{}, rerankCatalog(), 10)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}
