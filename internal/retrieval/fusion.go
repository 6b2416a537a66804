package retrieval

import (
	"sort"
	"strings"
)

// fusedEntry accumulates a chunk's combined score while preserving the
// first-seen result shape.
type fusedEntry struct {
	result        SearchResult
	score         float64
	semanticScore float64
	keywordScore  float64
	inSemantic    bool
	inKeyword     bool
}

// fuseAccumulator merges ranked lists keyed by chunk id, remembering the
// order in which each chunk was first observed. Ties after sorting keep that
// first-seen order.
type fuseAccumulator struct {
	entries map[string]*fusedEntry
	order   []string
}

func newFuseAccumulator(capacity int) *fuseAccumulator {
	return &fuseAccumulator{entries: make(map[string]*fusedEntry, capacity)}
}

func (a *fuseAccumulator) get(r SearchResult) *fusedEntry {
	if e, ok := a.entries[r.ChunkID]; ok {
		return e
	}
	e := &fusedEntry{result: r}
	a.entries[r.ChunkID] = e
	a.order = append(a.order, r.ChunkID)
	return e
}

// sorted returns results in score-descending order. The sort is stable over
// first-seen order, so exact ties keep their discovery order.
func (a *fuseAccumulator) sorted(annotate func(*fusedEntry) map[string]any) []SearchResult {
	out := make([]SearchResult, 0, len(a.order))
	for _, id := range a.order {
		e := a.entries[id]
		r := e.result
		r.Score = e.score
		r.Metadata = annotate(e)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// FuseRRF combines two ranked lists with Reciprocal Rank Fusion: each list
// contributes 1/(k + rank) per chunk, ranks 1-based.
func FuseRRF(semantic, keyword []SearchResult, k int) []SearchResult {
	if k <= 0 {
		k = DefaultRRFK
	}
	acc := newFuseAccumulator(len(semantic) + len(keyword))

	for rank, r := range semantic {
		e := acc.get(r)
		e.score += 1.0 / float64(k+rank+1)
		e.inSemantic = true
		e.semanticScore = r.Score
	}
	for rank, r := range keyword {
		e := acc.get(r)
		e.score += 1.0 / float64(k+rank+1)
		e.inKeyword = true
		e.keywordScore = r.Score
	}

	return acc.sorted(func(e *fusedEntry) map[string]any {
		md := cloneMetadata(e.result.Metadata)
		md["fusion_method"] = string(FusionRRF)
		md["rrf_k"] = k
		if e.inSemantic {
			md["semantic_score"] = e.semanticScore
		}
		if e.inKeyword {
			md["keyword_score"] = e.keywordScore
		}
		return md
	})
}

// FuseWeighted min-max normalizes each list to [0,1], weights and sums the
// normalized scores per chunk. A list whose scores are all equal normalizes
// to all 1.0.
func FuseWeighted(semantic, keyword []SearchResult, semanticWeight, keywordWeight float64) []SearchResult {
	semNorm := normalizeScores(semantic)
	kwNorm := normalizeScores(keyword)

	acc := newFuseAccumulator(len(semantic) + len(keyword))
	for i, r := range semantic {
		e := acc.get(r)
		e.score += semNorm[i] * semanticWeight
		e.inSemantic = true
		e.semanticScore = r.Score
	}
	for i, r := range keyword {
		e := acc.get(r)
		e.score += kwNorm[i] * keywordWeight
		e.inKeyword = true
		e.keywordScore = r.Score
	}

	return acc.sorted(weightAnnotator(FusionWeighted, semanticWeight, keywordWeight))
}

// FuseLinear weights and sums raw scores without normalization. Useful when
// both lists already score on the same scale.
func FuseLinear(semantic, keyword []SearchResult, semanticWeight, keywordWeight float64) []SearchResult {
	acc := newFuseAccumulator(len(semantic) + len(keyword))
	for _, r := range semantic {
		e := acc.get(r)
		e.score += r.Score * semanticWeight
		e.inSemantic = true
		e.semanticScore = r.Score
	}
	for _, r := range keyword {
		e := acc.get(r)
		e.score += r.Score * keywordWeight
		e.inKeyword = true
		e.keywordScore = r.Score
	}

	return acc.sorted(weightAnnotator(FusionLinear, semanticWeight, keywordWeight))
}

func weightAnnotator(method FusionMethod, semanticWeight, keywordWeight float64) func(*fusedEntry) map[string]any {
	return func(e *fusedEntry) map[string]any {
		md := cloneMetadata(e.result.Metadata)
		md["fusion_method"] = string(method)
		md["semantic_weight"] = semanticWeight
		md["keyword_weight"] = keywordWeight
		if e.inSemantic {
			md["semantic_score"] = e.semanticScore
		}
		if e.inKeyword {
			md["keyword_score"] = e.keywordScore
		}
		return md
	}
}

// normalizeScores min-max scales a list's scores to [0,1]. When every score
// is equal the whole list maps to 1.0.
func normalizeScores(results []SearchResult) []float64 {
	if len(results) == 0 {
		return nil
	}
	minScore, maxScore := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < minScore {
			minScore = r.Score
		}
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}

	out := make([]float64, len(results))
	if maxScore == minScore {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, r := range results {
		out[i] = (r.Score - minScore) / (maxScore - minScore)
	}
	return out
}

// questionMarkers flag queries that read as questions; those lean on
// semantic retrieval.
var questionMarkers = []string{
	"什么", "为什么", "怎么", "如何", "哪里", "哪个", "谁",
	"what", "why", "how", "where", "which", "who", "when",
}

// AdaptiveWeights adjusts fusion weights from query shape: short queries and
// quoted phrases lean keyword, questions lean semantic. The adjusted weights
// are clamped to [0.1, 0.9] and renormalized to sum to 1.
func AdaptiveWeights(query string, semanticWeight, keywordWeight float64) (float64, float64) {
	lower := strings.ToLower(query)
	words := strings.Fields(query)

	if len(words) <= 2 {
		keywordWeight += 0.1
		semanticWeight -= 0.1
	}

	isQuestion := strings.HasSuffix(query, "?") || strings.HasSuffix(query, "？")
	if !isQuestion {
		for _, marker := range questionMarkers {
			if strings.Contains(lower, marker) {
				isQuestion = true
				break
			}
		}
	}
	if isQuestion {
		semanticWeight += 0.15
		keywordWeight -= 0.15
	}

	if strings.ContainsAny(query, `"'`) || strings.Contains(query, "“") || strings.Contains(query, "”") {
		keywordWeight += 0.2
		semanticWeight -= 0.2
	}

	semanticWeight = clamp(semanticWeight, 0.1, 0.9)
	keywordWeight = clamp(keywordWeight, 0.1, 0.9)

	total := semanticWeight + keywordWeight
	return semanticWeight / total, keywordWeight / total
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
