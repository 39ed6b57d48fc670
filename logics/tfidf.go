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
	"regexp"
	"sort"
	"strings"

	"github.com/chewxy/math32"
	"github.com/samber/lo"
)

var tokenPattern = regexp.MustCompile(`\b[a-zA-Z]+\b`)

// tokenize lowercases tags and splits them into alphabetic words.
func tokenize(tags []string) []string {
	return tokenPattern.FindAllString(strings.ToLower(strings.Join(tags, " ")), -1)
}

// tfidfVectorizer builds TF-IDF vectors over a frequency filtered vocabulary.
type tfidfVectorizer struct {
	maxFeatures int
	minDocFreq  int
	maxDocFreq  float64 // fraction of documents

	vocabulary []string
	index      map[string]int
	idf        []float32
}

func newTFIDFVectorizer(maxFeatures, minDocFreq int, maxDocFreq float64) *tfidfVectorizer {
	return &tfidfVectorizer{
		maxFeatures: maxFeatures,
		minDocFreq:  minDocFreq,
		maxDocFreq:  maxDocFreq,
	}
}

// FitTransform learns the vocabulary from documents and returns their L2 normalized
// TF-IDF vectors. A document without known terms maps to a zero vector.
func (v *tfidfVectorizer) FitTransform(docs [][]string) [][]float32 {
	n := len(docs)
	docFreq := make(map[string]int)
	termFreq := make(map[string]int)
	for _, doc := range docs {
		for _, term := range lo.Uniq(doc) {
			docFreq[term]++
		}
		for _, term := range doc {
			termFreq[term]++
		}
	}

	// filter by document frequency
	maxCount := v.maxDocFreq * float64(n)
	terms := lo.Filter(lo.Keys(docFreq), func(term string, _ int) bool {
		df := docFreq[term]
		return df >= v.minDocFreq && float64(df) <= maxCount
	})
	sort.Strings(terms)
	// keep the most frequent terms
	if v.maxFeatures > 0 && len(terms) > v.maxFeatures {
		sort.SliceStable(terms, func(i, j int) bool {
			return termFreq[terms[i]] > termFreq[terms[j]]
		})
		terms = terms[:v.maxFeatures]
		sort.Strings(terms)
	}

	v.vocabulary = terms
	v.index = make(map[string]int, len(terms))
	v.idf = make([]float32, len(terms))
	for i, term := range terms {
		v.index[term] = i
		v.idf[i] = math32.Log(float32(1+n)/float32(1+docFreq[term])) + 1
	}

	vectors := make([][]float32, n)
	for i, doc := range docs {
		vec := make([]float32, len(terms))
		for _, term := range doc {
			if j, ok := v.index[term]; ok {
				vec[j]++
			}
		}
		for j := range vec {
			vec[j] *= v.idf[j]
		}
		vectors[i] = vec
	}
	return newDenseVectors(vectors)
}

func (v *tfidfVectorizer) Vocabulary() []string {
	return v.vocabulary
}
