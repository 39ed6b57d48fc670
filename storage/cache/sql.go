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

package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/storage"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLDatabase stores snapshots in MySQL, Postgres or SQLite. Edges of every version
// live in one table and a pointer row per algorithm names the current version.
type SQLDatabase struct {
	storage.TablePrefix
	gormDB *gorm.DB
	client *sql.DB
	driver storage.SQLDriver
}

const sqlBatchSize = 1000

type SQLSnapshot struct {
	Version     string    `gorm:"column:version;type:varchar(64);primaryKey"`
	Algorithm   string    `gorm:"column:algorithm;type:varchar(64);not null;index"`
	Items       int       `gorm:"column:items;not null"`
	SourceItems int       `gorm:"column:source_items;not null"`
	Edges       int       `gorm:"column:edges;not null"`
	Coverage    float64   `gorm:"column:coverage;not null"`
	MeanScore   float64   `gorm:"column:mean_score;not null"`
	MinScore    float64   `gorm:"column:min_score;not null"`
	MaxScore    float64   `gorm:"column:max_score;not null"`
	MeanCoUsers float64   `gorm:"column:mean_co_users;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

type SQLEdge struct {
	Version string  `gorm:"column:version;type:varchar(64);primaryKey;index:edges_source,priority:1"`
	Source  string  `gorm:"column:source;type:varchar(256);primaryKey;index:edges_source,priority:2"`
	Target  string  `gorm:"column:target;type:varchar(256);primaryKey"`
	Score   float64 `gorm:"column:score;not null"`
	CoUsers int     `gorm:"column:co_users;not null"`
}

type SQLPointer struct {
	Algorithm string `gorm:"column:algorithm;type:varchar(64);primaryKey"`
	Version   string `gorm:"column:version;type:varchar(64);not null"`
}

func (s SQLSnapshot) toInfo() SnapshotInfo {
	return SnapshotInfo{
		Version:     s.Version,
		Algorithm:   s.Algorithm,
		Items:       s.Items,
		SourceItems: s.SourceItems,
		Edges:       s.Edges,
		Coverage:    s.Coverage,
		MeanScore:   s.MeanScore,
		MinScore:    s.MinScore,
		MaxScore:    s.MaxScore,
		MeanCoUsers: s.MeanCoUsers,
		CreatedAt:   s.CreatedAt,
	}
}

func (db *SQLDatabase) Init() error {
	if err := db.gormDB.AutoMigrate(&SQLSnapshot{}, &SQLEdge{}, &SQLPointer{}); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (db *SQLDatabase) Ping() error {
	return db.client.Ping()
}

func (db *SQLDatabase) Close() error {
	return db.client.Close()
}

func (db *SQLDatabase) Purge() error {
	for _, table := range []string{db.PointersTable(), db.SnapshotsTable(), db.EdgesTable()} {
		if err := db.gormDB.Exec("DELETE FROM " + table).Error; err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (db *SQLDatabase) InstallSnapshot(ctx context.Context, info SnapshotInfo, edges []SimilarityEdge) (SnapshotInfo, error) {
	defer observe("install_snapshot", time.Now())
	info = newVersion(info)
	// write edges of the new version
	rows := lo.Map(edges, func(edge SimilarityEdge, _ int) SQLEdge {
		return SQLEdge{
			Version: info.Version,
			Source:  edge.Source,
			Target:  edge.Target,
			Score:   edge.Score,
			CoUsers: edge.CoUsers,
		}
	})
	// edges, snapshot row and pointer commit together so that a failed install
	// leaves no rows of an unreachable version behind
	tx := db.gormDB.WithContext(ctx)
	if err := tx.Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, sqlBatchSize).Error; err != nil {
				return errors.Trace(err)
			}
		}
		if err := tx.Create(&SQLSnapshot{
			Version:     info.Version,
			Algorithm:   info.Algorithm,
			Items:       info.Items,
			SourceItems: info.SourceItems,
			Edges:       info.Edges,
			Coverage:    info.Coverage,
			MeanScore:   info.MeanScore,
			MinScore:    info.MinScore,
			MaxScore:    info.MaxScore,
			MeanCoUsers: info.MeanCoUsers,
			CreatedAt:   info.CreatedAt,
		}).Error; err != nil {
			return errors.Trace(err)
		}
		// swap pointer
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "algorithm"}},
			DoUpdates: clause.AssignmentColumns([]string{"version"}),
		}).Create(&SQLPointer{Algorithm: info.Algorithm, Version: info.Version}).Error
	}); err != nil {
		return SnapshotInfo{}, errors.Trace(err)
	}
	// remove superseded versions
	var stale []SQLSnapshot
	if err := tx.Where("algorithm = ?", info.Algorithm).
		Order("created_at DESC").
		Offset(retainedVersions).
		Find(&stale).Error; err != nil {
		log.Logger().Warn("failed to list snapshot versions", zap.String("algorithm", info.Algorithm), zap.Error(err))
		return info, nil
	}
	for _, snapshot := range stale {
		if err := tx.Where("version = ?", snapshot.Version).Delete(&SQLEdge{}).Error; err != nil {
			log.Logger().Warn("failed to remove snapshot", zap.String("version", snapshot.Version), zap.Error(err))
			return info, nil
		}
		if err := tx.Where("version = ?", snapshot.Version).Delete(&SQLSnapshot{}).Error; err != nil {
			log.Logger().Warn("failed to remove snapshot", zap.String("version", snapshot.Version), zap.Error(err))
			return info, nil
		}
	}
	return info, nil
}

func (db *SQLDatabase) OpenSnapshot(ctx context.Context, algorithm string) (Snapshot, error) {
	var snapshots []SQLSnapshot
	if err := db.gormDB.WithContext(ctx).
		Table(db.SnapshotsTable()).
		Joins("JOIN "+db.PointersTable()+" ON "+db.PointersTable()+".version = "+db.SnapshotsTable()+".version").
		Where(db.PointersTable()+".algorithm = ?", algorithm).
		Select(db.SnapshotsTable() + ".*").
		Limit(1).
		Find(&snapshots).Error; err != nil {
		return nil, errors.Trace(err)
	}
	if len(snapshots) == 0 {
		return nil, errors.Annotate(ErrNoSnapshot, algorithm)
	}
	return &sqlSnapshot{SQLDatabase: db, info: snapshots[0].toInfo()}, nil
}

type sqlSnapshot struct {
	*SQLDatabase
	info SnapshotInfo
}

func (s *sqlSnapshot) Info() SnapshotInfo {
	return s.info
}

func (s *sqlSnapshot) GetTopSimilar(ctx context.Context, itemId string, k int) ([]SimilarityEdge, error) {
	defer observe("get_top_similar", time.Now())
	if k == 0 {
		return nil, nil
	}
	tx := s.gormDB.WithContext(ctx).
		Where("version = ? AND source = ?", s.info.Version, itemId).
		Order("score DESC").
		Order("target")
	if k > 0 {
		tx = tx.Limit(k)
	}
	var rows []SQLEdge
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return lo.Map(rows, func(row SQLEdge, _ int) SimilarityEdge {
		return SimilarityEdge{
			Source:    row.Source,
			Target:    row.Target,
			Score:     row.Score,
			Algorithm: s.info.Algorithm,
			CoUsers:   row.CoUsers,
		}
	}), nil
}
