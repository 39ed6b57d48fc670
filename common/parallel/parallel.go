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
	"sync"

	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"go.uber.org/zap"
)

const chanSize = 1024

/* Parallel Schedulers */

// Parallel schedules and runs tasks in parallel. nJobs is the number of tasks. nWorkers is
// the number of executors. worker is the executed function which passed a worker id and a
// job id. The ctx argument allows callers to cancel outstanding work.
func Parallel(ctx context.Context, nJobs, nWorkers int, worker func(workerId, jobId int) error) error {
	if nWorkers <= 1 {
		for i := 0; i < nJobs; i++ {
			if err := ctx.Err(); err != nil {
				return errors.Trace(err)
			}
			if err := worker(0, i); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	}
	c := make(chan int, chanSize)
	// producer
	go func() {
		defer close(c)
		for i := 0; i < nJobs; i++ {
			select {
			case <-ctx.Done():
				return
			case c <- i:
			}
		}
	}()
	// consumer
	var wg sync.WaitGroup
	errs := make([]error, nJobs)
	for j := 0; j < nWorkers; j++ {
		workerId := j
		wg.Go(func() {
			defer checkPanic()
			for {
				select {
				case <-ctx.Done():
					return
				case jobId, ok := <-c:
					if !ok {
						return
					}
					if err := worker(workerId, jobId); err != nil {
						errs[jobId] = err
						return
					}
				}
			}
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(ctx.Err())
}

// For runs worker over [0, nJobs) with nWorkers goroutines.
func For(ctx context.Context, nJobs, nWorkers int, worker func(int)) error {
	return Parallel(ctx, nJobs, nWorkers, func(_, jobId int) error {
		worker(jobId)
		return nil
	})
}

// Split a slice into n slices and keep the order of elements.
func Split[T any](a []T, n int) [][]T {
	if len(a) == 0 || n <= 0 {
		return nil
	}
	if n > len(a) {
		n = len(a)
	}
	minChunkSize := len(a) / n
	maxChunkNum := len(a) % n
	chunks := make([][]T, n)
	for i, j := 0, 0; i < n; i++ {
		chunkSize := minChunkSize
		if i < maxChunkNum {
			chunkSize++
		}
		chunks[i] = a[j : j+chunkSize]
		j += chunkSize
	}
	return chunks
}

// Blocks splits [0, n) into consecutive half-open ranges of at most size elements.
func Blocks(n, size int) [][2]int {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	blocks := make([][2]int, 0, (n+size-1)/size)
	for begin := 0; begin < n; begin += size {
		blocks = append(blocks, [2]int{begin, min(begin+size, n)})
	}
	return blocks
}

func checkPanic() {
	if r := recover(); r != nil {
		log.Logger().Error("panic recovered", zap.Any("panic", r))
	}
}
