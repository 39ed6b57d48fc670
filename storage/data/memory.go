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

	"github.com/juju/errors"
	"github.com/samber/lo"
)

type interactionKey struct {
	userId    string
	itemId    string
	timestamp int64
}

// Memory keeps the catalog and interactions in process memory.
type Memory struct {
	mu           sync.RWMutex
	items        map[string]Item
	interactions []Interaction
	seen         map[interactionKey]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]Item),
		seen:  make(map[interactionKey]struct{}),
	}
}

func (m *Memory) Init() error {
	return nil
}

func (m *Memory) Ping() error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) Purge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]Item)
	m.interactions = nil
	m.seen = make(map[interactionKey]struct{})
	return nil
}

func (m *Memory) BatchInsertItems(_ context.Context, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		item.Tags = slices.Clone(item.Tags)
		m.items[item.ItemId] = item
	}
	return nil
}

func (m *Memory) GetItem(_ context.Context, itemId string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[itemId]
	if !ok || item.IsHidden {
		return Item{}, errors.Annotate(ErrItemNotExist, itemId)
	}
	return item, nil
}

func (m *Memory) BatchGetItems(_ context.Context, itemIds []string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Item, 0, len(itemIds))
	for _, itemId := range lo.Uniq(itemIds) {
		if item, ok := m.items[itemId]; ok && !item.IsHidden {
			items = append(items, item)
		}
	}
	slices.SortFunc(items, func(a, b Item) int {
		return strings.Compare(a.ItemId, b.ItemId)
	})
	return items, nil
}

func (m *Memory) ListActiveItems(_ context.Context) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := lo.Filter(lo.Values(m.items), func(item Item, _ int) bool {
		return !item.IsHidden
	})
	slices.SortFunc(items, func(a, b Item) int {
		return strings.Compare(a.ItemId, b.ItemId)
	})
	return items, nil
}

func (m *Memory) BatchInsertInteractions(_ context.Context, interactions []Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, interaction := range interactions {
		key := interactionKey{interaction.UserId, interaction.ItemId, interaction.Timestamp.UnixNano()}
		if _, exist := m.seen[key]; exist {
			continue
		}
		m.seen[key] = struct{}{}
		m.interactions = append(m.interactions, interaction)
	}
	return nil
}

func (m *Memory) GetRecentInteractions(_ context.Context, userId string, limit int) ([]Interaction, error) {
	m.mu.RLock()
	result := lo.Filter(m.interactions, func(interaction Interaction, _ int) bool {
		return interaction.UserId == userId
	})
	m.mu.RUnlock()
	slices.SortStableFunc(result, func(a, b Interaction) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ItemId, b.ItemId)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) GetInteractions(_ context.Context, since time.Time) ([]Interaction, error) {
	m.mu.RLock()
	result := lo.Filter(m.interactions, func(interaction Interaction, _ int) bool {
		return !interaction.Timestamp.Before(since)
	})
	m.mu.RUnlock()
	slices.SortStableFunc(result, func(a, b Interaction) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return result, nil
}
