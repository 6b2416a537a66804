// Package vectorstore provides per-collection vector search using the
// coder/hnsw pure Go HNSW implementation. Each knowledge base maps to one
// collection persisted on disk.
package vectorstore

import (
	"context"
	"strings"
)

// Point is a vector with its identifier and payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	ID      string
	Score   float32 // normalized similarity, 0-1
	Payload map[string]any
}

// Filter restricts search and delete operations by payload fields. A plain
// value means equality; a map value supports the $in, $gte and $lte
// operators. All conditions are ANDed.
type Filter map[string]any

// Config configures a collection's HNSW graph.
type Config struct {
	Dimensions int
	Metric     string // "cos" or "l2"
	M          int
	EfSearch   int
}

// DefaultConfig returns the graph parameters used for new collections.
func DefaultConfig(dimensions int) Config {
	return Config{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   64,
	}
}

// Store manages named vector collections.
type Store interface {
	// EnsureCollection creates the collection if missing. Calling it again
	// with the same name is a no-op.
	EnsureCollection(ctx context.Context, name string, dimensions int) error

	// DropCollection removes a collection and its on-disk files.
	DropCollection(ctx context.Context, name string) error

	// HasCollection reports whether the collection exists.
	HasCollection(ctx context.Context, name string) bool

	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns up to k nearest points matching the filter.
	Search(ctx context.Context, collection string, vector []float32, k int, filter Filter) ([]ScoredPoint, error)

	// Delete removes points by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, collection string, ids []string) error

	// DeleteByFilter removes all points whose payload matches the filter
	// and returns how many were removed.
	DeleteByFilter(ctx context.Context, collection string, filter Filter) (int, error)

	// Count returns the number of live points in the collection.
	Count(ctx context.Context, collection string) (int, error)

	// Flush persists all dirty collections to disk.
	Flush(ctx context.Context) error

	// Close flushes and releases all collections.
	Close() error
}

// CollectionName derives the collection name for a knowledge base ID.
func CollectionName(kbID string) string {
	return "kb_" + strings.ReplaceAll(kbID, "-", "_")
}

// matchesFilter evaluates a filter against a payload. Nil filters match
// everything; a missing payload field fails the condition.
func matchesFilter(payload map[string]any, filter Filter) bool {
	for field, cond := range filter {
		value, ok := payload[field]
		if !ok {
			return false
		}
		if ops, isOps := cond.(map[string]any); isOps {
			if !matchesOps(value, ops) {
				return false
			}
			continue
		}
		if !valuesEqual(value, cond) {
			return false
		}
	}
	return true
}

func matchesOps(value any, ops map[string]any) bool {
	for op, operand := range ops {
		switch op {
		case "$in":
			if !valueIn(value, operand) {
				return false
			}
		case "$gte":
			cmp, ok := compareValues(value, operand)
			if !ok || cmp < 0 {
				return false
			}
		case "$lte":
			cmp, ok := compareValues(value, operand)
			if !ok || cmp > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func valueIn(value, operand any) bool {
	switch list := operand.(type) {
	case []any:
		for _, item := range list {
			if valuesEqual(value, item) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if valuesEqual(value, item) {
				return true
			}
		}
	}
	return false
}

// valuesEqual compares payload values, treating all numeric types as float64.
func valuesEqual(a, b any) bool {
	if fa, aok := asFloat(a); aok {
		fb, bok := asFloat(b)
		return bok && fa == fb
	}
	return a == b
}

// compareValues returns -1, 0 or 1 for ordered values. Numbers compare
// numerically, strings lexically. Mixed types are not ordered.
func compareValues(a, b any) (int, bool) {
	if fa, aok := asFloat(a); aok {
		fb, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
