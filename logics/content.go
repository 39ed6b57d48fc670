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

	"github.com/chewxy/math32"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/samber/lo"
)

const (
	unknownValue  = "unknown"
	defaultRating = 2.5
)

// ContentIndexer builds item to item similarity edges from item attributes.
type ContentIndexer struct {
	config   config.ContentConfig
	jobs     int
	progress func(done, total int)
}

func NewContentIndexer(cfg config.ContentConfig, jobs int) *ContentIndexer {
	return &ContentIndexer{config: cfg, jobs: jobs}
}

// SetProgress registers a callback invoked as blocks of items finish.
func (c *ContentIndexer) SetProgress(fn func(done, total int)) {
	c.progress = fn
}

// Build computes top-K content neighbors of every item.
func (c *ContentIndexer) Build(ctx context.Context, items []data.Item) ([]cache.SimilarityEdge, error) {
	items = sortedItems(items)
	vectors := c.Features(items)
	neighbors, err := topKNeighbors(ctx, newDenseVectors(vectors), neighborOptions{
		topK:      c.config.TopK,
		minScore:  float32(c.config.MinScore),
		blockSize: c.config.BlockSize,
		jobs:      c.jobs,
		progress:  c.progress,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var edges []cache.SimilarityEdge
	for i, row := range neighbors {
		for _, neighbor := range row {
			edges = append(edges, cache.SimilarityEdge{
				Source:    items[i].ItemId,
				Target:    items[neighbor.Value].ItemId,
				Score:     float64(neighbor.Weight),
				Algorithm: cache.Content,
			})
		}
	}
	return edges, nil
}

// Features returns the weighted feature vector of every item: TF-IDF of tags,
// one-hot brand, category and style, then standardized numeric attributes.
func (c *ContentIndexer) Features(items []data.Item) [][]float32 {
	// tags
	docs := lo.Map(items, func(item data.Item, _ int) []string { return tokenize(item.Tags) })
	vectorizer := newTFIDFVectorizer(c.config.MaxVocabulary, c.config.MinDocFreq, c.config.MaxDocFreq)
	tags := vectorizer.FitTransform(docs)

	// categorical
	fields := []func(data.Item) string{
		func(item data.Item) string { return item.Brand },
		func(item data.Item) string { return item.Category },
		func(item data.Item) string { return item.Style },
	}
	encoders := make([]map[string]int, len(fields))
	numOneHot := 0
	for f, field := range fields {
		values := lo.Uniq(lo.Map(items, func(item data.Item, _ int) string { return orUnknown(field(item)) }))
		sort.Strings(values)
		encoders[f] = make(map[string]int, len(values))
		for i, value := range values {
			encoders[f][value] = numOneHot + i
		}
		numOneHot += len(values)
	}
	var oneHotWeight float32
	if numOneHot > 0 {
		oneHotWeight = float32(c.config.CategoricalWeight) / float32(numOneHot)
	}

	// numeric
	numeric := [][]float32{
		standardize(lo.Map(items, func(item data.Item, _ int) float32 {
			return math32.Log1p(float32(max(item.Price, 0)))
		})),
		standardize(lo.Map(items, func(item data.Item, _ int) float32 {
			return math32.Log1p(float32(max(item.Popularity, 0)))
		})),
		standardize(lo.Map(items, func(item data.Item, _ int) float32 {
			if item.Rating <= 0 {
				return defaultRating
			}
			return float32(item.Rating)
		})),
	}
	numericWeight := float32(c.config.NumericWeight) / float32(len(numeric))

	dim := len(vectorizer.Vocabulary()) + numOneHot + len(numeric)
	features := make([][]float32, len(items))
	for i, item := range items {
		vec := make([]float32, 0, dim)
		for _, w := range tags[i] {
			vec = append(vec, w*float32(c.config.TagsWeight))
		}
		oneHot := make([]float32, numOneHot)
		for f, field := range fields {
			oneHot[encoders[f][orUnknown(field(item))]] = oneHotWeight
		}
		vec = append(vec, oneHot...)
		for _, column := range numeric {
			vec = append(vec, column[i]*numericWeight)
		}
		features[i] = vec
	}
	return features
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return unknownValue
	}
	return s
}

// standardize z-scores values with the population standard deviation. A constant
// column maps to zeros.
func standardize(values []float32) []float32 {
	if len(values) == 0 {
		return values
	}
	var mean float32
	for _, v := range values {
		mean += v
	}
	mean /= float32(len(values))
	var variance float32
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	std := math32.Sqrt(variance / float32(len(values)))
	if std == 0 {
		std = 1
	}
	result := make([]float32, len(values))
	for i, v := range values {
		result[i] = (v - mean) / std
	}
	return result
}

func sortedItems(items []data.Item) []data.Item {
	items = append([]data.Item(nil), items...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ItemId < items[j].ItemId
	})
	return items
}
