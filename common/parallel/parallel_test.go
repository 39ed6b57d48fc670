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

package parallel

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestParallel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a := lo.Range(10000)
		b := make([]int, len(a))
		workerIds := make([]int, len(a))
		// multiple threads
		_ = Parallel(context.Background(), len(a), 4, func(workerId, jobId int) error {
			b[jobId] = a[jobId]
			workerIds[jobId] = workerId
			time.Sleep(time.Microsecond)
			return nil
		})
		workersSet := mapset.NewSet(workerIds...)
		assert.Equal(t, a, b)
		assert.GreaterOrEqual(t, 4, workersSet.Cardinality())
		assert.Less(t, 1, workersSet.Cardinality())
		// single thread
		_ = Parallel(context.Background(), len(a), 1, func(workerId, jobId int) error {
			b[jobId] = a[jobId]
			workerIds[jobId] = workerId
			return nil
		})
		workersSet = mapset.NewSet(workerIds...)
		assert.Equal(t, a, b)
		assert.Equal(t, 1, workersSet.Cardinality())
	})
}

func TestParallelError(t *testing.T) {
	err := Parallel(context.Background(), 100, 4, func(_, jobId int) error {
		if jobId == 42 {
			return fmt.Errorf("job %d failed", jobId)
		}
		return nil
	})
	assert.EqualError(t, err, "job 42 failed")
}

func TestFor(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a := lo.Range(10000)
		b := make([]int, len(a))
		err := For(context.Background(), len(a), 4, func(jobId int) {
			b[jobId] = a[jobId]
			time.Sleep(time.Microsecond)
		})
		assert.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestForCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var count atomic.Int32
		err := For(ctx, 1000, 4, func(jobId int) {
			if jobId == 0 {
				cancel()
			}
			count.Add(1)
			time.Sleep(100 * time.Microsecond)
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, int(count.Load()), 1000)
	})
}

func TestSplit(t *testing.T) {
	a := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	b := Split(a, 3)
	assert.Equal(t, [][]int{{1, 2, 3, 4}, {5, 6, 7}, {8, 9, 10}}, b)
	c := Split(a, 30)
	assert.Equal(t, [][]int{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}, {9}, {10}}, c)
	assert.Nil(t, Split([]int{}, 3))
}

func TestBlocks(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 4}, {4, 8}, {8, 10}}, Blocks(10, 4))
	assert.Equal(t, [][2]int{{0, 3}}, Blocks(3, 100))
	assert.Nil(t, Blocks(0, 4))
}
