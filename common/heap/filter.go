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

package heap

import (
	"container/heap"

	"golang.org/x/exp/constraints"
)

type Elem[T any, W constraints.Ordered] struct {
	Value  T
	Weight W
}

// _heap is a min-heap on weight. Among equal weights the larger value sinks
// first, so that survivors of a tie are the smallest values.
type _heap[T constraints.Ordered, W constraints.Ordered] struct {
	elems []Elem[T, W]
}

func (e *_heap[T, W]) Len() int {
	return len(e.elems)
}

func (e *_heap[T, W]) Less(i, j int) bool {
	if e.elems[i].Weight != e.elems[j].Weight {
		return e.elems[i].Weight < e.elems[j].Weight
	}
	return e.elems[i].Value > e.elems[j].Value
}

func (e *_heap[T, W]) Swap(i, j int) {
	e.elems[i], e.elems[j] = e.elems[j], e.elems[i]
}

func (e *_heap[T, W]) Push(x interface{}) {
	e.elems = append(e.elems, x.(Elem[T, W]))
}

func (e *_heap[T, W]) Pop() interface{} {
	old := e.elems
	item := old[len(old)-1]
	e.elems = old[0 : len(old)-1]
	return item
}

// TopKFilter filters out top k items with maximum weights. Ties are broken by
// ascending value, which makes the result independent of push order.
type TopKFilter[T constraints.Ordered, W constraints.Ordered] struct {
	_heap[T, W]
	k int
}

// NewTopKFilter creates a top k filter.
func NewTopKFilter[T constraints.Ordered, W constraints.Ordered](k int) *TopKFilter[T, W] {
	return &TopKFilter[T, W]{k: k}
}

// Push pushes the element x onto the heap.
// The complexity is O(log n) where n = h.Count().
func (filter *TopKFilter[T, W]) Push(item T, weight W) {
	if filter.k <= 0 {
		return
	}
	heap.Push(&filter._heap, Elem[T, W]{Value: item, Weight: weight})
	if filter.Len() > filter.k {
		heap.Pop(&filter._heap)
	}
}

// PopAll pops all items in the filter with decreasing order.
func (filter *TopKFilter[T, W]) PopAll() []Elem[T, W] {
	elems := make([]Elem[T, W], filter.Len())
	for i := len(elems) - 1; i >= 0; i-- {
		elems[i] = heap.Pop(&filter._heap).(Elem[T, W])
	}
	return elems
}

// PopAllValues pops all values in the filter with decreasing order of weights.
func (filter *TopKFilter[T, W]) PopAllValues() []T {
	elems := filter.PopAll()
	values := make([]T, len(elems))
	for i, elem := range elems {
		values[i] = elem.Value
	}
	return values
}
