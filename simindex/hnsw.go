package simindex

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/mitchellh/hashstructure"
	"github.com/pkg/errors"
	"github.com/stratadb/stratadb/storage"
	"github.com/stratadb/stratadb/value"
)

// HNSW is a from-scratch, single-process approximation of a layered
// navigable small-world graph (Malkov & Yashunin). spec.md §4.7 specs
// HNSW at interface level only ("internal algorithms are external
// collaborators"), so the graph construction below is this module's own
// design, not adapted from any pack example; node identity uses
// cespare/xxhash (a teacher dependency) over the indexed key tuple.
type HNSW struct {
	Dim            int
	M              int
	EfConstruction int
	Metric         Distance

	mu         sync.RWMutex
	nodes      map[uint64]*hnswNode
	entryPoint uint64
	maxLevel   int
	hasEntry   bool
}

type hnswNode struct {
	id        uint64
	key       value.Tuple
	vec       []float64
	level     int
	neighbors [][]uint64 // neighbors[level] = adjacent node ids
}

// NewHNSW constructs an empty graph. m bounds the per-layer degree;
// efConstruction bounds the candidate list size used while inserting.
func NewHNSW(dim, m, efConstruction int, metric Distance) *HNSW {
	if m <= 0 {
		m = 16
	}
	if efConstruction <= 0 {
		efConstruction = 64
	}
	return &HNSW{
		Dim:            dim,
		M:              m,
		EfConstruction: efConstruction,
		Metric:         metric,
		nodes:          map[uint64]*hnswNode{},
		maxLevel:       -1,
	}
}

// hnswConfig is the subset of HNSW's construction parameters that
// determine graph shape and distance semantics; two indexes built from
// an equal hnswConfig produce equivalent graphs from the same inserts.
type hnswConfig struct {
	Dim            int
	M              int
	EfConstruction int
	Metric         Distance
}

// ConfigHash satisfies storage.ConfigIdentifier: a repeated CreateIndex
// call against the same index name is treated as idempotent only when
// its dim/m/ef_construction/distance hash matches the existing index's.
func (h *HNSW) ConfigHash() (uint64, error) {
	return hashstructure.Hash(hnswConfig{
		Dim:            h.Dim,
		M:              h.M,
		EfConstruction: h.EfConstruction,
		Metric:         h.Metric,
	}, nil)
}

func nodeID(key value.Tuple) uint64 {
	h := xxhash.New()
	for _, v := range key {
		h.Write([]byte{byte(v.Kind())})
		h.Write(storage.EncodeTuple(value.Tuple{v}))
	}
	return h.Sum64()
}

func (h *HNSW) PopulateFromScratch(scan func() ([]storage.IndexedRow, error)) error {
	rows, err := scan()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes = map[uint64]*hnswNode{}
	h.maxLevel = -1
	h.hasEntry = false
	for _, r := range rows {
		if err := h.insertLocked(r); err != nil {
			return err
		}
	}
	return nil
}

func (h *HNSW) ApplyDelta(added, removed []storage.IndexedRow) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range removed {
		h.removeLocked(nodeID(r.Key))
	}
	for _, r := range added {
		if err := h.insertLocked(r); err != nil {
			return err
		}
	}
	return nil
}

func (h *HNSW) vectorOf(r storage.IndexedRow) ([]float64, error) {
	if len(r.Columns) != 1 || r.Columns[0].Kind() != value.KindVector {
		return nil, errors.New("simindex: hnsw index requires a single vector column")
	}
	vec := r.Columns[0].VectorData()
	if h.Dim != 0 && len(vec) != h.Dim {
		return nil, errors.Errorf("simindex: vector has dimension %d, index declared %d", len(vec), h.Dim)
	}
	return vec, nil
}

func (h *HNSW) insertLocked(r storage.IndexedRow) error {
	vec, err := h.vectorOf(r)
	if err != nil {
		return err
	}
	id := nodeID(r.Key)
	level := randomLevel(id, h.M)
	n := &hnswNode{id: id, key: r.Key, vec: vec, level: level, neighbors: make([][]uint64, level+1)}
	h.nodes[id] = n

	if !h.hasEntry {
		h.entryPoint = id
		h.maxLevel = level
		h.hasEntry = true
		return nil
	}

	entry := h.entryPoint
	for lc := h.maxLevel; lc > level; lc-- {
		entry = h.greedyClosest(entry, vec, lc)
	}
	for lc := min(level, h.maxLevel); lc >= 0; lc-- {
		candidates := h.searchLayer(vec, entry, h.EfConstruction, lc)
		neighbors := selectNeighbors(candidates, h.M)
		n.neighbors[lc] = neighbors
		for _, nb := range neighbors {
			h.connect(nb, id, lc)
		}
		if len(candidates) > 0 {
			entry = candidates[0].id
		}
	}
	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = id
	}
	return nil
}

func (h *HNSW) connect(from, to uint64, level int) {
	n := h.nodes[from]
	if n == nil || level >= len(n.neighbors) {
		return
	}
	n.neighbors[level] = append(n.neighbors[level], to)
	if len(n.neighbors[level]) > h.M*2 {
		scored := make([]scoredID, 0, len(n.neighbors[level]))
		for _, id := range n.neighbors[level] {
			if other := h.nodes[id]; other != nil {
				scored = append(scored, scoredID{id: id, dist: h.dist(n.vec, other.vec)})
			}
		}
		n.neighbors[level] = selectNeighbors(scored, h.M)
	}
}

func (h *HNSW) removeLocked(id uint64) {
	n, ok := h.nodes[id]
	if !ok {
		return
	}
	for lvl := range n.neighbors {
		for _, nbID := range n.neighbors[lvl] {
			if nb := h.nodes[nbID]; nb != nil && lvl < len(nb.neighbors) {
				nb.neighbors[lvl] = removeID(nb.neighbors[lvl], id)
			}
		}
	}
	delete(h.nodes, id)
	if h.entryPoint == id {
		h.hasEntry = false
		h.maxLevel = -1
		for otherID, other := range h.nodes {
			h.hasEntry = true
			h.entryPoint = otherID
			if other.level > h.maxLevel {
				h.maxLevel = other.level
			}
		}
	}
}

// Query expects params["vector"] (a value.Vector) and optional
// params["k"] (an Int, default 10).
func (h *HNSW) Query(params map[string]value.Value) ([]storage.IndexHit, error) {
	probe, ok := params["vector"]
	if !ok || probe.Kind() != value.KindVector {
		return nil, errors.New("simindex: hnsw query requires a \"vector\" parameter")
	}
	k := 10
	if kv, ok := params["k"]; ok && kv.Kind() == value.KindInt {
		k = int(kv.Int())
	}
	vec := probe.VectorData()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.hasEntry {
		return nil, nil
	}

	entry := h.entryPoint
	for lc := h.maxLevel; lc > 0; lc-- {
		entry = h.greedyClosest(entry, vec, lc)
	}
	ef := h.EfConstruction
	if k > ef {
		ef = k
	}
	candidates := h.searchLayer(vec, entry, ef, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]storage.IndexHit, 0, len(candidates))
	for _, c := range candidates {
		n := h.nodes[c.id]
		if n == nil {
			continue
		}
		out = append(out, storage.IndexHit{Key: n.key, Score: c.dist})
	}
	return out, nil
}

type scoredID struct {
	id   uint64
	dist float64
}

// greedyClosest descends one layer from entry towards the nearest
// neighbor of target, the classic HNSW upper-layer routing step.
func (h *HNSW) greedyClosest(entry uint64, target []float64, level int) uint64 {
	cur := entry
	curDist := h.dist(h.nodes[cur].vec, target)
	for {
		improved := false
		n := h.nodes[cur]
		if level >= len(n.neighbors) {
			break
		}
		for _, nbID := range n.neighbors[level] {
			nb := h.nodes[nbID]
			if nb == nil {
				continue
			}
			d := h.dist(nb.vec, target)
			if d < curDist {
				curDist = d
				cur = nbID
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return cur
}

// searchLayer runs a greedy beam search of width ef over level,
// returning candidates sorted nearest-first.
func (h *HNSW) searchLayer(target []float64, entry uint64, ef, level int) []scoredID {
	visited := map[uint64]bool{entry: true}
	entryDist := h.dist(h.nodes[entry].vec, target)
	candidates := []scoredID{{id: entry, dist: entryDist}}
	result := []scoredID{{id: entry, dist: entryDist}}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		c := candidates[0]
		candidates = candidates[1:]

		sort.Slice(result, func(i, j int) bool { return result[i].dist < result[j].dist })
		if len(result) >= ef && c.dist > result[len(result)-1].dist {
			break
		}

		n := h.nodes[c.id]
		if n == nil || level >= len(n.neighbors) {
			continue
		}
		for _, nbID := range n.neighbors[level] {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			nb := h.nodes[nbID]
			if nb == nil {
				continue
			}
			d := h.dist(nb.vec, target)
			candidates = append(candidates, scoredID{id: nbID, dist: d})
			result = append(result, scoredID{id: nbID, dist: d})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].dist < result[j].dist })
	if len(result) > ef {
		result = result[:ef]
	}
	return result
}

func selectNeighbors(candidates []scoredID, m int) []uint64 {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]uint64, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

func removeID(ids []uint64, target uint64) []uint64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// randomLevel assigns an exponentially-decaying layer, seeded from the
// node's own id so index construction is deterministic given identical
// insertion order.
func randomLevel(seed uint64, m int) int {
	r := rand.New(rand.NewSource(int64(seed)))
	levelMult := 1.0 / math.Log(float64(m))
	level := int(math.Floor(-math.Log(r.Float64()+1e-12) * levelMult))
	if level > 32 {
		level = 32
	}
	return level
}

func (h *HNSW) dist(a, b []float64) float64 {
	switch h.Metric {
	case DistanceCosine:
		return cosineDistance(a, b)
	case DistanceInnerProduct:
		return -dot(a, b)
	default:
		return l2Distance(a, b)
	}
}

func l2Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		if i >= len(b) {
			break
		}
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		if i >= len(b) {
			break
		}
		sum += a[i] * b[i]
	}
	return sum
}

func cosineDistance(a, b []float64) float64 {
	na, nb := math.Sqrt(dot(a, a)), math.Sqrt(dot(b, b))
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot(a, b)/(na*nb)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

