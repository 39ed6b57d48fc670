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

package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
	"github.com/progprogect/customer-data/storage"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLDatabase stores the catalog and interactions in MySQL, Postgres or SQLite.
type SQLDatabase struct {
	storage.TablePrefix
	gormDB *gorm.DB
	client *sql.DB
	driver storage.SQLDriver
}

type SQLItem struct {
	ItemId     string    `gorm:"column:item_id;type:varchar(256);not null;primaryKey"`
	IsHidden   bool      `gorm:"column:is_hidden;not null"`
	Category   string    `gorm:"column:category;type:varchar(256);not null"`
	Brand      string    `gorm:"column:brand;type:varchar(256);not null"`
	Style      string    `gorm:"column:style;type:varchar(256);not null"`
	Color      string    `gorm:"column:color;type:varchar(256);not null"`
	Size       string    `gorm:"column:size;type:varchar(256);not null"`
	Material   string    `gorm:"column:material;type:varchar(256);not null"`
	Price      float64   `gorm:"column:price;not null"`
	Popularity float64   `gorm:"column:popularity;not null"`
	Rating     float64   `gorm:"column:rating;not null"`
	Tags       []string  `gorm:"column:tags;serializer:json;type:text;not null"`
	Timestamp  time.Time `gorm:"column:time_stamp;not null"`
}

type SQLInteraction struct {
	UserId    string    `gorm:"column:user_id;type:varchar(256);not null;primaryKey;index:user_time,priority:1"`
	ItemId    string    `gorm:"column:item_id;type:varchar(256);not null;primaryKey"`
	Timestamp time.Time `gorm:"column:time_stamp;not null;primaryKey;index:user_time,priority:2;index:time_stamp"`
	Amount    float64   `gorm:"column:amount;not null"`
}

func toSQLItem(item Item) SQLItem {
	return SQLItem{
		ItemId:     item.ItemId,
		IsHidden:   item.IsHidden,
		Category:   item.Category,
		Brand:      item.Brand,
		Style:      item.Style,
		Color:      item.Color,
		Size:       item.Size,
		Material:   item.Material,
		Price:      item.Price,
		Popularity: item.Popularity,
		Rating:     item.Rating,
		Tags:       lo.Ternary(item.Tags == nil, []string{}, item.Tags),
		Timestamp:  item.Timestamp.UTC(),
	}
}

func (item SQLItem) toItem() Item {
	return Item{
		ItemId:     item.ItemId,
		IsHidden:   item.IsHidden,
		Category:   item.Category,
		Brand:      item.Brand,
		Style:      item.Style,
		Color:      item.Color,
		Size:       item.Size,
		Material:   item.Material,
		Price:      item.Price,
		Popularity: item.Popularity,
		Rating:     item.Rating,
		Tags:       item.Tags,
		Timestamp:  item.Timestamp,
	}
}

// Init tables and indices.
func (d *SQLDatabase) Init() error {
	if err := d.gormDB.AutoMigrate(&SQLItem{}, &SQLInteraction{}); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (d *SQLDatabase) Ping() error {
	return d.client.Ping()
}

func (d *SQLDatabase) Close() error {
	return d.client.Close()
}

func (d *SQLDatabase) Purge() error {
	for _, table := range []string{d.ItemsTable(), d.InteractionsTable()} {
		if err := d.gormDB.Exec("DELETE FROM " + table).Error; err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// BatchInsertItems inserts items, replacing existing ones.
func (d *SQLDatabase) BatchInsertItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	defer observe("batch_insert_items", time.Now())
	rows := lo.Map(items, func(item Item, _ int) SQLItem { return toSQLItem(item) })
	err := d.gormDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		UpdateAll: true,
	}).Create(&rows).Error
	return errors.Trace(err)
}

func (d *SQLDatabase) GetItem(ctx context.Context, itemId string) (Item, error) {
	defer observe("get_item", time.Now())
	var rows []SQLItem
	if err := d.gormDB.WithContext(ctx).
		Where("item_id = ? AND is_hidden = ?", itemId, false).
		Limit(1).
		Find(&rows).Error; err != nil {
		return Item{}, errors.Trace(err)
	}
	if len(rows) == 0 {
		return Item{}, errors.Annotate(ErrItemNotExist, itemId)
	}
	return rows[0].toItem(), nil
}

func (d *SQLDatabase) BatchGetItems(ctx context.Context, itemIds []string) ([]Item, error) {
	if len(itemIds) == 0 {
		return nil, nil
	}
	defer observe("batch_get_items", time.Now())
	var rows []SQLItem
	if err := d.gormDB.WithContext(ctx).
		Where("item_id IN ? AND is_hidden = ?", itemIds, false).
		Order("item_id").
		Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return lo.Map(rows, func(row SQLItem, _ int) Item { return row.toItem() }), nil
}

func (d *SQLDatabase) ListActiveItems(ctx context.Context) ([]Item, error) {
	defer observe("list_active_items", time.Now())
	var rows []SQLItem
	if err := d.gormDB.WithContext(ctx).
		Where("is_hidden = ?", false).
		Order("item_id").
		Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return lo.Map(rows, func(row SQLItem, _ int) Item { return row.toItem() }), nil
}

// BatchInsertInteractions appends interactions. Duplicated events are ignored.
func (d *SQLDatabase) BatchInsertInteractions(ctx context.Context, interactions []Interaction) error {
	if len(interactions) == 0 {
		return nil
	}
	defer observe("batch_insert_interactions", time.Now())
	rows := lo.Map(interactions, func(interaction Interaction, _ int) SQLInteraction {
		return SQLInteraction{
			UserId:    interaction.UserId,
			ItemId:    interaction.ItemId,
			Timestamp: interaction.Timestamp.UTC(),
			Amount:    interaction.Amount,
		}
	})
	err := d.gormDB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	return errors.Trace(err)
}

func (d *SQLDatabase) GetRecentInteractions(ctx context.Context, userId string, limit int) ([]Interaction, error) {
	defer observe("get_recent_interactions", time.Now())
	var rows []SQLInteraction
	tx := d.gormDB.WithContext(ctx).
		Where("user_id = ?", userId).
		Order("time_stamp DESC").
		Order("item_id")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return lo.Map(rows, func(row SQLInteraction, _ int) Interaction { return row.toInteraction() }), nil
}

func (d *SQLDatabase) GetInteractions(ctx context.Context, since time.Time) ([]Interaction, error) {
	defer observe("get_interactions", time.Now())
	var rows []SQLInteraction
	if err := d.gormDB.WithContext(ctx).
		Where("time_stamp >= ?", since.UTC()).
		Order("time_stamp").
		Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return lo.Map(rows, func(row SQLInteraction, _ int) Interaction { return row.toInteraction() }), nil
}

func (row SQLInteraction) toInteraction() Interaction {
	return Interaction{
		UserId:    row.UserId,
		ItemId:    row.ItemId,
		Timestamp: row.Timestamp,
		Amount:    row.Amount,
	}
}
