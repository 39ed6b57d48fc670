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
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/suite"
)

type baseTestSuite struct {
	suite.Suite
	Database
}

func (suite *baseTestSuite) SetupTest() {
	err := suite.Database.Purge()
	suite.NoError(err)
}

func (suite *baseTestSuite) TestItems() {
	ctx := context.Background()
	items := []Item{
		{ItemId: "2", Category: "shoes", Brand: "acme", Price: 20, Popularity: 3, Tags: []string{"red"}, Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{ItemId: "0", Category: "shirts", Brand: "acme", Price: 10, Rating: 4.5, Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ItemId: "1", Category: "shirts", IsHidden: true},
		{ItemId: "3", Category: "hats", Style: "casual", Color: "blue", Size: "M", Material: "wool", Tags: []string{"warm", "winter"}},
	}
	err := suite.Database.BatchInsertItems(ctx, items)
	suite.NoError(err)
	// insert empty
	err = suite.Database.BatchInsertItems(ctx, nil)
	suite.NoError(err)

	// get item
	item, err := suite.Database.GetItem(ctx, "2")
	suite.NoError(err)
	suite.Equal("shoes", item.Category)
	suite.Equal("acme", item.Brand)
	suite.Equal(20.0, item.Price)
	suite.Equal(3.0, item.Popularity)
	suite.Equal([]string{"red"}, item.Tags)
	suite.True(item.Timestamp.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
	item, err = suite.Database.GetItem(ctx, "3")
	suite.NoError(err)
	suite.Equal("casual", item.Style)
	suite.Equal("wool", item.Material)
	suite.Equal([]string{"warm", "winter"}, item.Tags)
	// hidden and missing items
	_, err = suite.Database.GetItem(ctx, "1")
	suite.True(errors.Is(err, ErrItemNotExist))
	_, err = suite.Database.GetItem(ctx, "404")
	suite.True(errors.Is(err, ErrItemNotExist))

	// list active items
	active, err := suite.Database.ListActiveItems(ctx)
	suite.NoError(err)
	suite.Equal([]string{"0", "2", "3"}, lo.Map(active, func(item Item, _ int) string { return item.ItemId }))

	// batch get items
	batch, err := suite.Database.BatchGetItems(ctx, []string{"3", "1", "404", "0"})
	suite.NoError(err)
	suite.Equal([]string{"0", "3"}, lo.Map(batch, func(item Item, _ int) string { return item.ItemId }))

	// overwrite item
	err = suite.Database.BatchInsertItems(ctx, []Item{{ItemId: "2", Category: "boots", IsHidden: true}})
	suite.NoError(err)
	_, err = suite.Database.GetItem(ctx, "2")
	suite.True(errors.Is(err, ErrItemNotExist))
	active, err = suite.Database.ListActiveItems(ctx)
	suite.NoError(err)
	suite.Len(active, 2)
}

func (suite *baseTestSuite) TestInteractions() {
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var interactions []Interaction
	for i := 0; i < 10; i++ {
		interactions = append(interactions, Interaction{
			UserId:    fmt.Sprintf("user_%d", i%2),
			ItemId:    fmt.Sprintf("item_%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Amount:    float64(i + 1),
		})
	}
	err := suite.Database.BatchInsertInteractions(ctx, interactions)
	suite.NoError(err)
	// duplicated events are ignored
	err = suite.Database.BatchInsertInteractions(ctx, interactions[:2])
	suite.NoError(err)

	// recent interactions
	recent, err := suite.Database.GetRecentInteractions(ctx, "user_0", 3)
	suite.NoError(err)
	suite.Equal([]string{"item_8", "item_6", "item_4"}, lo.Map(recent, func(i Interaction, _ int) string { return i.ItemId }))
	suite.Equal(9.0, recent[0].Amount)
	suite.True(recent[0].Timestamp.Equal(base.Add(8 * time.Hour)))
	recent, err = suite.Database.GetRecentInteractions(ctx, "user_1", 0)
	suite.NoError(err)
	suite.Len(recent, 5)
	recent, err = suite.Database.GetRecentInteractions(ctx, "user_404", 5)
	suite.NoError(err)
	suite.Empty(recent)

	// interactions in window
	window, err := suite.Database.GetInteractions(ctx, base.Add(7*time.Hour))
	suite.NoError(err)
	suite.Equal([]string{"item_7", "item_8", "item_9"}, lo.Map(window, func(i Interaction, _ int) string { return i.ItemId }))
	window, err = suite.Database.GetInteractions(ctx, time.Time{})
	suite.NoError(err)
	suite.Len(window, 10)
}

func (suite *baseTestSuite) TestPurge() {
	ctx := context.Background()
	err := suite.Database.BatchInsertItems(ctx, []Item{{ItemId: "0"}})
	suite.NoError(err)
	err = suite.Database.BatchInsertInteractions(ctx, []Interaction{{UserId: "0", ItemId: "0", Timestamp: time.Now()}})
	suite.NoError(err)
	err = suite.Database.Purge()
	suite.NoError(err)
	items, err := suite.Database.ListActiveItems(ctx)
	suite.NoError(err)
	suite.Empty(items)
	interactions, err := suite.Database.GetInteractions(ctx, time.Time{})
	suite.NoError(err)
	suite.Empty(interactions)
}

func (suite *baseTestSuite) TestSortInteractions() {
	base := time.Now()
	interactions := []Interaction{
		{ItemId: "a", Timestamp: base},
		{ItemId: "b", Timestamp: base.Add(time.Hour)},
		{ItemId: "c", Timestamp: base.Add(-time.Hour)},
	}
	SortInteractions(interactions)
	suite.Equal([]string{"b", "a", "c"}, lo.Map(interactions, func(i Interaction, _ int) string { return i.ItemId }))
}
