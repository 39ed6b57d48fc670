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

	"github.com/bits-and-blooms/bitset"
	"github.com/chewxy/math32"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
)

// CollaborativeIndexer builds item-kNN similarity edges from co-purchases.
type CollaborativeIndexer struct {
	config   config.CollaborativeConfig
	jobs     int
	progress func(done, total int)
}

func NewCollaborativeIndexer(cfg config.CollaborativeConfig, jobs int) *CollaborativeIndexer {
	return &CollaborativeIndexer{config: cfg, jobs: jobs}
}

// SetProgress registers a callback invoked as blocks of items finish.
func (c *CollaborativeIndexer) SetProgress(fn func(done, total int)) {
	c.progress = fn
}

// Build computes top-K neighbors of items purchased by enough users. Only items in
// the active catalog take part. Interactions are expected to be inside the window.
func (c *CollaborativeIndexer) Build(ctx context.Context, items []data.Item, interactions []data.Interaction) ([]cache.SimilarityEdge, error) {
	active := mapset.NewThreadUnsafeSet[string]()
	for _, item := range items {
		active.Add(item.ItemId)
	}

	// build item x user incidence
	userIndex := make(map[string]uint)
	itemUsers := make(map[string]*bitset.BitSet)
	for _, interaction := range interactions {
		if !active.Contains(interaction.ItemId) {
			continue
		}
		u, ok := userIndex[interaction.UserId]
		if !ok {
			u = uint(len(userIndex))
			userIndex[interaction.UserId] = u
		}
		users, ok := itemUsers[interaction.ItemId]
		if !ok {
			users = bitset.New(0)
			itemUsers[interaction.ItemId] = users
		}
		users.Set(u)
	}

	// drop items with few users
	var itemIds []string
	for itemId, users := range itemUsers {
		if users.Count() >= uint(c.config.MinItemUsers) {
			itemIds = append(itemIds, itemId)
		}
	}
	sort.Strings(itemIds)
	matrix := &incidenceMatrix{
		users:      make([]*bitset.BitSet, len(itemIds)),
		counts:     make([]uint, len(itemIds)),
		minCoUsers: uint(c.config.MinCoUsers),
	}
	for i, itemId := range itemIds {
		matrix.users[i] = itemUsers[itemId]
		matrix.counts[i] = itemUsers[itemId].Count()
	}

	neighbors, err := topKNeighbors(ctx, matrix, neighborOptions{
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
				Source:    itemIds[i],
				Target:    itemIds[neighbor.Value],
				Score:     float64(neighbor.Weight),
				Algorithm: cache.Collaborative,
				CoUsers:   int(matrix.users[i].IntersectionCardinality(matrix.users[neighbor.Value])),
			})
		}
	}
	return edges, nil
}

// incidenceMatrix holds the set of users of every item.
type incidenceMatrix struct {
	users      []*bitset.BitSet
	counts     []uint
	minCoUsers uint
}

func (m *incidenceMatrix) Len() int {
	return len(m.users)
}

// Similarity returns the cosine similarity of binary user vectors. Pairs with fewer
// common users than minCoUsers are rejected.
func (m *incidenceMatrix) Similarity(i, j int) (float32, bool) {
	common := m.users[i].IntersectionCardinality(m.users[j])
	if common == 0 || common < m.minCoUsers {
		return 0, false
	}
	return clampUnit(float32(common) / math32.Sqrt(float32(m.counts[i])*float32(m.counts[j]))), true
}
