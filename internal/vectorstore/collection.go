package vectorstore

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/coder/hnsw"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// oversampleFactor widens filtered searches so enough candidates survive
// payload filtering.
const oversampleFactor = 4

// collection is one HNSW graph with payload storage and string ID mapping.
type collection struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config

	idMap    map[string]uint64
	keyMap   map[uint64]string
	payloads map[string]map[string]any
	nextKey  uint64

	dirty bool
}

// collectionMeta is the gob-persisted state next to the graph file.
type collectionMeta struct {
	IDMap    map[string]uint64
	Payloads map[string]map[string]any
	NextKey  uint64
	Config   Config
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

func newCollection(cfg Config) *collection {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &collection{
		graph:    graph,
		config:   cfg,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		payloads: make(map[string]map[string]any),
	}
}

// upsert inserts or replaces points. Replaced points use lazy deletion: the
// old graph node is orphaned rather than removed.
func (c *collection) upsert(points []Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range points {
		if len(p.Vector) != c.config.Dimensions {
			return kberrors.IntegrityError(kberrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector dimension %d does not match collection dimension %d",
					len(p.Vector), c.config.Dimensions), nil).
				WithDetail("point_id", p.ID)
		}

		if existingKey, exists := c.idMap[p.ID]; exists {
			delete(c.keyMap, existingKey)
			delete(c.idMap, p.ID)
		}

		key := c.nextKey
		c.nextKey++

		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		if c.config.Metric == "cos" {
			normalizeInPlace(vec)
		}

		c.graph.Add(hnsw.MakeNode(key, vec))
		c.idMap[p.ID] = key
		c.keyMap[key] = p.ID
		c.payloads[p.ID] = clonePayload(p.Payload)
	}

	c.dirty = true
	return nil
}

// search returns up to k hits matching the filter. Filtered searches
// oversample the graph to compensate for hits removed by the filter.
func (c *collection) search(vector []float32, k int, filter Filter) ([]ScoredPoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(vector) != c.config.Dimensions {
		return nil, kberrors.IntegrityError(kberrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query dimension %d does not match collection dimension %d",
				len(vector), c.config.Dimensions), nil)
	}
	if c.graph.Len() == 0 || k <= 0 {
		return []ScoredPoint{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	if c.config.Metric == "cos" {
		normalizeInPlace(query)
	}

	fetch := k
	if len(filter) > 0 {
		fetch = k * oversampleFactor
	}
	if fetch > c.graph.Len() {
		fetch = c.graph.Len()
	}

	nodes := c.graph.Search(query, fetch)

	results := make([]ScoredPoint, 0, k)
	for _, node := range nodes {
		id, live := c.keyMap[node.Key]
		if !live {
			continue
		}
		payload := c.payloads[id]
		if !matchesFilter(payload, filter) {
			continue
		}

		distance := c.graph.Distance(query, node.Value)
		results = append(results, ScoredPoint{
			ID:      id,
			Score:   distanceToScore(distance, c.config.Metric),
			Payload: clonePayload(payload),
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// deleteIDs removes points by ID using lazy deletion.
func (c *collection) deleteIDs(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if key, exists := c.idMap[id]; exists {
			delete(c.keyMap, key)
			delete(c.idMap, id)
			delete(c.payloads, id)
			c.dirty = true
		}
	}
}

// deleteByFilter removes all points matching the filter.
func (c *collection) deleteByFilter(filter Filter) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for id, payload := range c.payloads {
		if !matchesFilter(payload, filter) {
			continue
		}
		if key, exists := c.idMap[id]; exists {
			delete(c.keyMap, key)
			delete(c.idMap, id)
		}
		delete(c.payloads, id)
		removed++
	}
	if removed > 0 {
		c.dirty = true
	}
	return removed
}

func (c *collection) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.idMap)
}

// save persists the graph and metadata atomically (temp file + rename).
func (c *collection) save(graphPath, metaPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}

	tmpGraph := graphPath + ".tmp"
	f, err := os.Create(tmpGraph)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	if err := c.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmpGraph)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpGraph)
		return fmt.Errorf("close graph file: %w", err)
	}
	if err := os.Rename(tmpGraph, graphPath); err != nil {
		os.Remove(tmpGraph)
		return fmt.Errorf("rename graph file: %w", err)
	}

	tmpMeta := metaPath + ".tmp"
	mf, err := os.Create(tmpMeta)
	if err != nil {
		return fmt.Errorf("create meta file: %w", err)
	}
	meta := collectionMeta{
		IDMap:    c.idMap,
		Payloads: c.payloads,
		NextKey:  c.nextKey,
		Config:   c.config,
	}
	if err := gob.NewEncoder(mf).Encode(meta); err != nil {
		mf.Close()
		os.Remove(tmpMeta)
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := mf.Close(); err != nil {
		os.Remove(tmpMeta)
		return fmt.Errorf("close meta file: %w", err)
	}
	if err := os.Rename(tmpMeta, metaPath); err != nil {
		os.Remove(tmpMeta)
		return fmt.Errorf("rename meta file: %w", err)
	}

	c.dirty = false
	return nil
}

// loadCollection restores a collection from its graph and metadata files.
func loadCollection(graphPath, metaPath string) (*collection, error) {
	mf, err := os.Open(metaPath)
	if err != nil {
		return nil, fmt.Errorf("open meta file: %w", err)
	}
	defer mf.Close()

	var meta collectionMeta
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}

	c := newCollection(meta.Config)
	c.idMap = meta.IDMap
	c.payloads = meta.Payloads
	c.nextKey = meta.NextKey
	if c.payloads == nil {
		c.payloads = make(map[string]map[string]any)
	}
	for id, key := range c.idMap {
		c.keyMap[key] = id
	}

	gf, err := os.Open(graphPath)
	if err != nil {
		return nil, fmt.Errorf("open graph file: %w", err)
	}
	defer gf.Close()

	// Import requires an io.ByteReader.
	if err := c.graph.Import(bufio.NewReader(gf)); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}
	return c, nil
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore converts distance to a 0-1 similarity score.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		// Cosine distance ranges 0-2.
		return 1.0 - distance/2.0
	}
}
