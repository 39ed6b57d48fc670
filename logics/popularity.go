// Copyright 2024 gorse Project Authors
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
	"reflect"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/common/heap"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/data"
	"go.uber.org/zap"
)

// Popularity ranks active items by a score expression over item attributes.
type Popularity struct {
	scoreFunc  *vm.Program
	boost      float64
	dataClient data.Database
	ttl        time.Duration

	mu       sync.Mutex
	items    []data.Item
	scores   []float64
	loadedAt time.Time
}

func NewPopularity(cfg config.PopularityConfig, dataClient data.Database, ttl time.Duration) (*Popularity, error) {
	scoreFunc, err := expr.Compile(cfg.Score, expr.Env(map[string]any{
		"item": data.Item{},
	}))
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch scoreFunc.Node().Type().Kind() {
	case reflect.Float64, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
	default:
		return nil, errors.New("score function must return float64")
	}
	return &Popularity{
		scoreFunc:  scoreFunc,
		boost:      cfg.CategoryBoost,
		dataClient: dataClient,
		ttl:        ttl,
	}, nil
}

// Score evaluates the score expression of an item.
func (p *Popularity) Score(item data.Item) (float64, error) {
	result, err := expr.Run(p.scoreFunc, map[string]any{
		"item": item,
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	switch typed := result.(type) {
	case float64:
		return typed, nil
	case int:
		return float64(typed), nil
	case int8:
		return float64(typed), nil
	case int16:
		return float64(typed), nil
	case int32:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	default:
		return 0, errors.Errorf("score function must return float64, got %T", result)
	}
}

// load returns active items with their scores. The ranking is reloaded from the
// catalog once it is older than ttl.
func (p *Popularity) load(ctx context.Context) ([]data.Item, []float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.items != nil && p.ttl > 0 && time.Since(p.loadedAt) < p.ttl {
		return p.items, p.scores, nil
	}
	items, err := p.dataClient.ListActiveItems(ctx)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	scores := make([]float64, len(items))
	for i, item := range items {
		if scores[i], err = p.Score(item); err != nil {
			log.Logger().Error("evaluate score function", zap.String("item_id", item.ItemId), zap.Error(err))
		}
	}
	p.items, p.scores, p.loadedAt = items, scores, time.Now()
	return items, scores, nil
}

// Invalidate forces the next request to reload the catalog.
func (p *Popularity) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items, p.scores = nil, nil
}

// Top returns the n most popular items. Scores of items in boosted categories are
// multiplied by the category boost. Excluded items and items without a positive
// score are skipped.
func (p *Popularity) Top(ctx context.Context, n int, boosted, exclude mapset.Set[string]) ([]Scored, error) {
	items, scores, err := p.load(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	filter := heap.NewTopKFilter[string, float64](n)
	for i, item := range items {
		if exclude != nil && exclude.Contains(item.ItemId) {
			continue
		}
		score := scores[i]
		if score <= 0 {
			continue
		}
		if boosted != nil && boosted.Contains(orUnknown(item.Category)) {
			score *= p.boost
		}
		filter.Push(item.ItemId, score)
	}
	elems := filter.PopAll()
	result := make([]Scored, len(elems))
	for i, elem := range elems {
		result[i] = Scored{ItemId: elem.Value, Score: elem.Weight}
	}
	return result, nil
}
