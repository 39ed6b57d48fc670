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

package cache

import (
	"context"
	"math"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/storage"
	"github.com/redis/go-redis/v9"
)

const (
	Content       = "content"
	Collaborative = "cf"
)

// retainedVersions is the number of snapshot versions kept per algorithm. Requests
// that resolved the previous pointer keep reading a complete snapshot.
const retainedVersions = 2

var (
	ErrNoSnapshot = errors.NotFoundf("snapshot")
	ErrNoDatabase = errors.NotAssignedf("database")
)

// SimilarityEdge is a directed similarity from a source item to a target item.
type SimilarityEdge struct {
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	Score     float64 `json:"score"`
	Algorithm string  `json:"algorithm"`
	CoUsers   int     `json:"co_users,omitempty"`
}

// SortEdges sorts edges by score descending, then target ascending.
func SortEdges(edges []SimilarityEdge) {
	slices.SortStableFunc(edges, func(a, b SimilarityEdge) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Target, b.Target)
	})
}

// SnapshotInfo describes an installed snapshot and its quality.
type SnapshotInfo struct {
	Version     string    `json:"version"`
	Algorithm   string    `json:"algorithm"`
	Items       int       `json:"items"`        // active items when the snapshot was built
	SourceItems int       `json:"source_items"` // items with at least one edge
	Edges       int       `json:"edges"`
	Coverage    float64   `json:"coverage"`
	MeanScore   float64   `json:"mean_score"`
	MinScore    float64   `json:"min_score"`
	MaxScore    float64   `json:"max_score"`
	MeanCoUsers float64   `json:"mean_co_users"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewSnapshotInfo summarizes edges built over numItems items.
func NewSnapshotInfo(algorithm string, edges []SimilarityEdge, numItems int) SnapshotInfo {
	info := SnapshotInfo{
		Algorithm: algorithm,
		Items:     numItems,
		Edges:     len(edges),
	}
	if len(edges) == 0 {
		return info
	}
	sources := mapset.NewThreadUnsafeSet[string]()
	var sumScore, sumCoUsers float64
	info.MinScore, info.MaxScore = math.Inf(1), math.Inf(-1)
	for _, edge := range edges {
		sources.Add(edge.Source)
		sumScore += edge.Score
		sumCoUsers += float64(edge.CoUsers)
		info.MinScore = math.Min(info.MinScore, edge.Score)
		info.MaxScore = math.Max(info.MaxScore, edge.Score)
	}
	info.SourceItems = sources.Cardinality()
	info.MeanScore = sumScore / float64(len(edges))
	info.MeanCoUsers = sumCoUsers / float64(len(edges))
	if numItems > 0 {
		info.Coverage = float64(info.SourceItems) / float64(numItems)
	}
	return info
}

// Snapshot is a complete and immutable set of edges of one algorithm.
type Snapshot interface {
	Info() SnapshotInfo
	// GetTopSimilar returns at most k edges from an item, sorted by SortEdges order.
	GetTopSimilar(ctx context.Context, itemId string, k int) ([]SimilarityEdge, error)
}

// Database stores similarity snapshots.
type Database interface {
	Init() error
	Ping() error
	Close() error
	Purge() error
	// InstallSnapshot writes edges as a new version, then points the algorithm at it.
	// Readers observe either the previous snapshot or the new one.
	InstallSnapshot(ctx context.Context, info SnapshotInfo, edges []SimilarityEdge) (SnapshotInfo, error)
	// OpenSnapshot resolves the current snapshot of an algorithm or returns ErrNoSnapshot.
	OpenSnapshot(ctx context.Context, algorithm string) (Snapshot, error)
}

const memoryPrefix = "memory://"

// Open a connection to a database.
func Open(path, tablePrefix string, opts ...storage.Option) (Database, error) {
	if strings.HasPrefix(path, storage.RedisPrefix) || strings.HasPrefix(path, storage.RedissPrefix) {
		opt, err := redis.ParseURL(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		database := new(Redis)
		database.client = redis.NewClient(opt)
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		return database, nil
	} else if storage.IsSQL(path) {
		conn, err := storage.OpenSQL(path, tablePrefix, opts...)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &SQLDatabase{
			TablePrefix: storage.TablePrefix(tablePrefix),
			driver:      conn.Driver,
			client:      conn.Client,
			gormDB:      conn.Gorm,
		}, nil
	} else if strings.HasPrefix(path, memoryPrefix) {
		return NewMemory(), nil
	}
	return nil, errors.Errorf("Unknown database: %s", path)
}

func newVersion(info SnapshotInfo) SnapshotInfo {
	info.Version = uuid.NewString()
	info.CreatedAt = time.Now().UTC()
	return info
}

func groupEdges(edges []SimilarityEdge) map[string][]SimilarityEdge {
	groups := make(map[string][]SimilarityEdge)
	for _, edge := range edges {
		groups[edge.Source] = append(groups[edge.Source], edge)
	}
	for _, group := range groups {
		SortEdges(group)
	}
	return groups
}

func truncate(edges []SimilarityEdge, k int) []SimilarityEdge {
	if k >= 0 && len(edges) > k {
		return edges[:k]
	}
	return edges
}
