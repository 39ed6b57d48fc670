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

package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisBatchSize = 1000

// Redis stores snapshots in Redis. Keys:
//
//	snapshot/{algorithm}          current SnapshotInfo as JSON
//	snapshot_versions/{algorithm} installed versions, oldest first
//	edges/{version}/{item}        sorted edges of an item as JSON
type Redis struct {
	storage.TablePrefix
	client *redis.Client
}

func (r *Redis) pointerKey(algorithm string) string {
	return r.Key("snapshot/" + algorithm)
}

func (r *Redis) versionsKey(algorithm string) string {
	return r.Key("snapshot_versions/" + algorithm)
}

func (r *Redis) edgesKey(version, itemId string) string {
	return r.Key("edges/" + version + "/" + itemId)
}

// Init nothing.
func (r *Redis) Init() error {
	return nil
}

func (r *Redis) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

// Close redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Purge deletes every key with the table prefix.
func (r *Redis) Purge() error {
	return r.deleteMatch(context.Background(), r.Key("*"))
}

func (r *Redis) deleteMatch(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, redisBatchSize).Result()
		if err != nil {
			return errors.Trace(err)
		}
		if len(keys) > 0 {
			if err = r.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Trace(err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *Redis) InstallSnapshot(ctx context.Context, info SnapshotInfo, edges []SimilarityEdge) (SnapshotInfo, error) {
	defer observe("install_snapshot", time.Now())
	info = newVersion(info)
	if err := r.writeVersion(ctx, info, edges); err != nil {
		// drop edges of the version that never became current
		if cleanErr := r.deleteMatch(context.WithoutCancel(ctx), r.edgesKey(info.Version, "*")); cleanErr != nil {
			log.Logger().Warn("failed to remove incomplete snapshot", zap.String("version", info.Version), zap.Error(cleanErr))
		}
		return SnapshotInfo{}, err
	}
	// remove superseded versions
	stale, err := r.client.LRange(ctx, r.versionsKey(info.Algorithm), 0, -retainedVersions-1).Result()
	if err != nil {
		log.Logger().Warn("failed to list snapshot versions", zap.String("algorithm", info.Algorithm), zap.Error(err))
		return info, nil
	}
	for _, version := range stale {
		if err = r.deleteMatch(ctx, r.edgesKey(version, "*")); err != nil {
			log.Logger().Warn("failed to remove snapshot", zap.String("version", version), zap.Error(err))
			return info, nil
		}
		if err = r.client.LRem(ctx, r.versionsKey(info.Algorithm), 1, version).Err(); err != nil {
			log.Logger().Warn("failed to remove snapshot version", zap.String("version", version), zap.Error(err))
			return info, nil
		}
	}
	return info, nil
}

// writeVersion stores edges of a version and then swaps the pointer to it.
func (r *Redis) writeVersion(ctx context.Context, info SnapshotInfo, edges []SimilarityEdge) error {
	pipe := r.client.Pipeline()
	for itemId, group := range groupEdges(edges) {
		data, err := json.Marshal(group)
		if err != nil {
			return errors.Trace(err)
		}
		pipe.Set(ctx, r.edgesKey(info.Version, itemId), data, 0)
		if pipe.Len() >= redisBatchSize {
			if _, err = pipe.Exec(ctx); err != nil {
				return errors.Trace(err)
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Trace(err)
	}
	// swap pointer
	data, err := json.Marshal(info)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.pointerKey(info.Algorithm), data, 0)
		pipe.RPush(ctx, r.versionsKey(info.Algorithm), info.Version)
		return nil
	})
	return errors.Trace(err)
}

func (r *Redis) OpenSnapshot(ctx context.Context, algorithm string) (Snapshot, error) {
	data, err := r.client.Get(ctx, r.pointerKey(algorithm)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Annotate(ErrNoSnapshot, algorithm)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var info SnapshotInfo
	if err = json.Unmarshal(data, &info); err != nil {
		return nil, errors.Trace(err)
	}
	return &redisSnapshot{Redis: r, info: info}, nil
}

type redisSnapshot struct {
	*Redis
	info SnapshotInfo
}

func (s *redisSnapshot) Info() SnapshotInfo {
	return s.info
}

func (s *redisSnapshot) GetTopSimilar(ctx context.Context, itemId string, k int) ([]SimilarityEdge, error) {
	defer observe("get_top_similar", time.Now())
	data, err := s.client.Get(ctx, s.edgesKey(s.info.Version, itemId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var edges []SimilarityEdge
	if err = json.Unmarshal(data, &edges); err != nil {
		return nil, errors.Trace(err)
	}
	return truncate(edges, k), nil
}
