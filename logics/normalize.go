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

package logics

import (
	"sort"

	"github.com/samber/lo"
)

// Scored is an item with a score from one candidate source.
type Scored struct {
	ItemId string  `json:"item_id"`
	Score  float64 `json:"score"`
}

// SortScores sorts by score descending, then item id ascending.
func SortScores(scores []Scored) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ItemId < scores[j].ItemId
	})
}

// Normalize rescales scores into [0, 1] by min-max. If all scores are equal, every
// score maps to 1.
func Normalize(scores []Scored) []Scored {
	if len(scores) == 0 {
		return nil
	}
	minScore := lo.MinBy(scores, func(a, b Scored) bool { return a.Score < b.Score }).Score
	maxScore := lo.MaxBy(scores, func(a, b Scored) bool { return a.Score > b.Score }).Score
	return lo.Map(scores, func(s Scored, _ int) Scored {
		if maxScore == minScore {
			return Scored{ItemId: s.ItemId, Score: 1}
		}
		return Scored{ItemId: s.ItemId, Score: (s.Score - minScore) / (maxScore - minScore)}
	})
}

// topScores merges scores by maximum per item, drops excluded items and keeps the
// best n.
func topScores(scores map[string]float64, exclude func(string) bool, n int) []Scored {
	result := make([]Scored, 0, len(scores))
	for itemId, score := range scores {
		if !exclude(itemId) {
			result = append(result, Scored{ItemId: itemId, Score: score})
		}
	}
	SortScores(result)
	if n >= 0 && len(result) > n {
		result = result[:n]
	}
	return result
}
