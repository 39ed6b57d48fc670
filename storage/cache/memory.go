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

package cache

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
)

type memorySnapshot struct {
	info  SnapshotInfo
	edges map[string][]SimilarityEdge
}

func (s *memorySnapshot) Info() SnapshotInfo {
	return s.info
}

func (s *memorySnapshot) GetTopSimilar(_ context.Context, itemId string, k int) ([]SimilarityEdge, error) {
	return slices.Clone(truncate(s.edges[itemId], k)), nil
}

// Memory keeps snapshots in process memory. Each algorithm has a pointer swapped atomically.
type Memory struct {
	mu       sync.Mutex
	pointers map[string]*atomic.Pointer[memorySnapshot]
}

func NewMemory() *Memory {
	return &Memory{pointers: make(map[string]*atomic.Pointer[memorySnapshot])}
}

func (m *Memory) pointer(algorithm string) *atomic.Pointer[memorySnapshot] {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pointers[algorithm]
	if !ok {
		p = new(atomic.Pointer[memorySnapshot])
		m.pointers[algorithm] = p
	}
	return p
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
	m.pointers = make(map[string]*atomic.Pointer[memorySnapshot])
	return nil
}

func (m *Memory) InstallSnapshot(ctx context.Context, info SnapshotInfo, edges []SimilarityEdge) (SnapshotInfo, error) {
	if err := ctx.Err(); err != nil {
		return SnapshotInfo{}, errors.Trace(err)
	}
	defer observe("install_snapshot", time.Now())
	info = newVersion(info)
	snapshot := &memorySnapshot{
		info:  info,
		edges: groupEdges(slices.Clone(edges)),
	}
	m.pointer(info.Algorithm).Store(snapshot)
	return info, nil
}

func (m *Memory) OpenSnapshot(_ context.Context, algorithm string) (Snapshot, error) {
	snapshot := m.pointer(algorithm).Load()
	if snapshot == nil {
		return nil, errors.Annotate(ErrNoSnapshot, algorithm)
	}
	return snapshot, nil
}
