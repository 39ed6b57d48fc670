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

import "context"

// NoDatabase means no database used for cache.
type NoDatabase struct{}

// Init method of NoDatabase returns ErrNoDatabase.
func (NoDatabase) Init() error {
	return ErrNoDatabase
}

// Ping method of NoDatabase returns ErrNoDatabase.
func (NoDatabase) Ping() error {
	return ErrNoDatabase
}

// Close method of NoDatabase returns ErrNoDatabase.
func (NoDatabase) Close() error {
	return ErrNoDatabase
}

// Purge method of NoDatabase returns ErrNoDatabase.
func (NoDatabase) Purge() error {
	return ErrNoDatabase
}

// InstallSnapshot method of NoDatabase returns ErrNoDatabase.
func (NoDatabase) InstallSnapshot(_ context.Context, _ SnapshotInfo, _ []SimilarityEdge) (SnapshotInfo, error) {
	return SnapshotInfo{}, ErrNoDatabase
}

// OpenSnapshot method of NoDatabase returns ErrNoDatabase.
func (NoDatabase) OpenSnapshot(_ context.Context, _ string) (Snapshot, error) {
	return nil, ErrNoDatabase
}
