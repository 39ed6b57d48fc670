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
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/common/heap"
	"github.com/progprogect/customer-data/common/parallel"
)

// similarityMatrix computes pairwise similarities of n items.
type similarityMatrix interface {
	Len() int
	// Similarity returns the score of a pair and whether the pair may become an edge.
	Similarity(i, j int) (float32, bool)
}

type neighborOptions struct {
	topK      int
	minScore  float32
	blockSize int
	jobs      int
	progress  func(done, total int)
}

// topKNeighbors finds the nearest neighbors of every item. Similarities are evaluated
// tile by tile so that a worker holds at most blockSize x blockSize scores at once.
// Neighbors of an item are sorted by score descending and index ascending.
func topKNeighbors(ctx context.Context, m similarityMatrix, opt neighborOptions) ([][]heap.Elem[int, float32], error) {
	n := m.Len()
	if opt.blockSize <= 0 {
		opt.blockSize = max(n, 1)
	}
	neighbors := make([][]heap.Elem[int, float32], n)
	rowBlocks := parallel.Blocks(n, opt.blockSize)
	colBlocks := parallel.Blocks(n, opt.blockSize)
	tiles := make([][][]float32, max(opt.jobs, 1))
	var done atomic.Int64
	err := parallel.Parallel(ctx, len(rowBlocks), opt.jobs, func(workerId, jobId int) error {
		rows := rowBlocks[jobId]
		if tiles[workerId] == nil {
			tiles[workerId] = newTile(opt.blockSize)
		}
		tile := tiles[workerId]
		filters := make([]*heap.TopKFilter[int, float32], rows[1]-rows[0])
		for r := range filters {
			filters[r] = heap.NewTopKFilter[int, float32](opt.topK)
		}
		for _, cols := range colBlocks {
			if err := ctx.Err(); err != nil {
				return errors.Trace(err)
			}
			// fill tile
			for i := rows[0]; i < rows[1]; i++ {
				for j := cols[0]; j < cols[1]; j++ {
					score, ok := m.Similarity(i, j)
					if !ok || i == j {
						score = math32.Inf(-1)
					}
					tile[i-rows[0]][j-cols[0]] = score
				}
			}
			// collect neighbors
			for i := rows[0]; i < rows[1]; i++ {
				for j := cols[0]; j < cols[1]; j++ {
					if score := tile[i-rows[0]][j-cols[0]]; score >= opt.minScore {
						filters[i-rows[0]].Push(j, score)
					}
				}
			}
		}
		for r, filter := range filters {
			neighbors[rows[0]+r] = filter.PopAll()
		}
		if opt.progress != nil {
			opt.progress(int(done.Add(int64(rows[1]-rows[0]))), n)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return neighbors, nil
}

func newTile(size int) [][]float32 {
	tile := make([][]float32, size)
	for i := range tile {
		tile[i] = make([]float32, size)
	}
	return tile
}

// denseVectors holds L2 normalized rows, so cosine similarity is a dot product.
type denseVectors [][]float32

func newDenseVectors(vectors [][]float32) denseVectors {
	for _, v := range vectors {
		norm := math32.Sqrt(dot(v, v))
		if norm > 0 {
			for k := range v {
				v[k] /= norm
			}
		}
	}
	return vectors
}

func (d denseVectors) Len() int {
	return len(d)
}

func (d denseVectors) Similarity(i, j int) (float32, bool) {
	return clampUnit(dot(d[i], d[j])), true
}

// clampUnit bounds rounding errors of a cosine to [0, 1].
func clampUnit(score float32) float32 {
	return math32.Max(0, math32.Min(score, 1))
}

func dot(a, b []float32) (ret float32) {
	for i := range a {
		ret += a[i] * b[i]
	}
	return
}
