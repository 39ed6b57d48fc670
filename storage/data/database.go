// Copyright 2021 gorse Project Authors
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
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/progprogect/customer-data/storage"
)

var (
	ErrItemNotExist = errors.NotFoundf("item")
	ErrNoDatabase   = errors.NotAssignedf("database")
)

// Item stores attributes of a catalog item.
type Item struct {
	ItemId     string    `json:"item_id"`
	IsHidden   bool      `json:"is_hidden"`
	Category   string    `json:"category"`
	Brand      string    `json:"brand"`
	Style      string    `json:"style"`
	Color      string    `json:"color"`
	Size       string    `json:"size"`
	Material   string    `json:"material"`
	Price      float64   `json:"price"`
	Popularity float64   `json:"popularity"` // trailing purchase count
	Rating     float64   `json:"rating"`     // zero means not rated
	Tags       []string  `json:"tags"`
	Timestamp  time.Time `json:"timestamp"`
}

// Interaction is a purchase of an item by a user.
type Interaction struct {
	UserId    string    `json:"user_id"`
	ItemId    string    `json:"item_id"`
	Timestamp time.Time `json:"timestamp"`
	Amount    float64   `json:"amount"`
}

// SortInteractions sorts interactions from latest to oldest.
func SortInteractions(interactions []Interaction) {
	sort.SliceStable(interactions, func(i, j int) bool {
		return interactions[i].Timestamp.After(interactions[j].Timestamp)
	})
}

// Database is the item catalog and the interaction log.
type Database interface {
	Init() error
	Ping() error
	Close() error
	Purge() error
	BatchInsertItems(ctx context.Context, items []Item) error
	// GetItem returns an active item or ErrItemNotExist.
	GetItem(ctx context.Context, itemId string) (Item, error)
	// BatchGetItems returns active items among itemIds. Missing ones are skipped.
	BatchGetItems(ctx context.Context, itemIds []string) ([]Item, error)
	// ListActiveItems returns all active items ordered by id.
	ListActiveItems(ctx context.Context) ([]Item, error)
	BatchInsertInteractions(ctx context.Context, interactions []Interaction) error
	// GetRecentInteractions returns at most limit interactions of a user, most recent first.
	GetRecentInteractions(ctx context.Context, userId string, limit int) ([]Interaction, error)
	// GetInteractions returns interactions since a moment.
	GetInteractions(ctx context.Context, since time.Time) ([]Interaction, error)
}

const memoryPrefix = "memory://"

// Open a connection to a database.
func Open(path, tablePrefix string, opts ...storage.Option) (Database, error) {
	if storage.IsSQL(path) {
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
