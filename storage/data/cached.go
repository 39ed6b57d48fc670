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

package data

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/juju/errors"
)

// CachedCatalog serves item lookups from a read-only cache in front of a database.
// Interactions are never cached.
type CachedCatalog struct {
	Database
	items *ttlcache.Cache[string, Item]
	stop  sync.Once
}

func NewCachedCatalog(database Database, ttl time.Duration, capacity uint64) *CachedCatalog {
	opts := []ttlcache.Option[string, Item]{
		ttlcache.WithTTL[string, Item](ttl),
		ttlcache.WithDisableTouchOnHit[string, Item](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, Item](capacity))
	}
	c := &CachedCatalog{
		Database: database,
		items:    ttlcache.New[string, Item](opts...),
	}
	go c.items.Start()
	return c
}

func (c *CachedCatalog) GetItem(ctx context.Context, itemId string) (Item, error) {
	if cached := c.items.Get(itemId); cached != nil {
		CatalogCacheHits.Inc()
		return cached.Value(), nil
	}
	CatalogCacheMisses.Inc()
	item, err := c.Database.GetItem(ctx, itemId)
	if err != nil {
		return Item{}, err
	}
	c.items.Set(itemId, item, ttlcache.DefaultTTL)
	return item, nil
}

func (c *CachedCatalog) BatchGetItems(ctx context.Context, itemIds []string) ([]Item, error) {
	var (
		items   = make([]Item, 0, len(itemIds))
		missing []string
	)
	for _, itemId := range itemIds {
		if cached := c.items.Get(itemId); cached != nil {
			CatalogCacheHits.Inc()
			items = append(items, cached.Value())
		} else {
			CatalogCacheMisses.Inc()
			missing = append(missing, itemId)
		}
	}
	if len(missing) > 0 {
		loaded, err := c.Database.BatchGetItems(ctx, missing)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, item := range loaded {
			c.items.Set(item.ItemId, item, ttlcache.DefaultTTL)
		}
		items = append(items, loaded...)
	}
	slices.SortFunc(items, func(a, b Item) int {
		return strings.Compare(a.ItemId, b.ItemId)
	})
	return slices.CompactFunc(items, func(a, b Item) bool {
		return a.ItemId == b.ItemId
	}), nil
}

func (c *CachedCatalog) BatchInsertItems(ctx context.Context, items []Item) error {
	if err := c.Database.BatchInsertItems(ctx, items); err != nil {
		return err
	}
	for _, item := range items {
		c.items.Delete(item.ItemId)
	}
	return nil
}

func (c *CachedCatalog) Purge() error {
	c.items.DeleteAll()
	return c.Database.Purge()
}

// Invalidate drops every cached item.
func (c *CachedCatalog) Invalidate() {
	c.items.DeleteAll()
}

func (c *CachedCatalog) Close() error {
	c.stop.Do(c.items.Stop)
	return c.Database.Close()
}
