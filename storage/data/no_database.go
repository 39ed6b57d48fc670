// Copyright 2022 gorse Project Authors
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
	"time"
)

// NoDatabase means no database used.
type NoDatabase struct{}

func (NoDatabase) Init() error {
	return ErrNoDatabase
}

func (NoDatabase) Ping() error {
	return ErrNoDatabase
}

func (NoDatabase) Close() error {
	return ErrNoDatabase
}

func (NoDatabase) Purge() error {
	return ErrNoDatabase
}

func (NoDatabase) BatchInsertItems(_ context.Context, _ []Item) error {
	return ErrNoDatabase
}

func (NoDatabase) GetItem(_ context.Context, _ string) (Item, error) {
	return Item{}, ErrNoDatabase
}

func (NoDatabase) BatchGetItems(_ context.Context, _ []string) ([]Item, error) {
	return nil, ErrNoDatabase
}

func (NoDatabase) ListActiveItems(_ context.Context) ([]Item, error) {
	return nil, ErrNoDatabase
}

func (NoDatabase) BatchInsertInteractions(_ context.Context, _ []Interaction) error {
	return ErrNoDatabase
}

func (NoDatabase) GetRecentInteractions(_ context.Context, _ string, _ int) ([]Interaction, error) {
	return nil, ErrNoDatabase
}

func (NoDatabase) GetInteractions(_ context.Context, _ time.Time) ([]Interaction, error) {
	return nil, ErrNoDatabase
}
