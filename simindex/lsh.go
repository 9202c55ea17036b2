package simindex

import (
	"strconv"
	"sync"

	"github.com/pilosa/pilosa/roaring"
	"github.com/spaolacci/murmur3"
	"github.com/stratadb/stratadb/storage"
	"github.com/stratadb/stratadb/value"
)

// LSH is a MinHash/LSH near-duplicate index: documents are shingled,
// hashed into a fixed-size MinHash signature (murmur3, varying the seed
// per hash slot — a teacher-adjacent dependency via the pack's other
// examples), and banded into buckets so queries need only probe
// candidates sharing at least one band, rather than scanning every
// document. Bucket membership sets use pilosa's roaring bitmap, the
// same postings structure package FTS uses.
type LSH struct {
	NumHashes  int
	BandSize   int
	ShingleLen int

	mu      sync.RWMutex
	buckets map[string]*roaring.Bitmap // "band:bucketHash" -> doc ids
	sigs    map[uint64][]uint32
	keys    map[uint64]value.Tuple
}

// NewLSH constructs an index with numHashes MinHash permutations grouped
// into bands of bandSize each (numHashes must be a multiple of
// bandSize), shingling text into shingleLen-word n-grams.
func NewLSH(numHashes, bandSize, shingleLen int) *LSH {
	if numHashes <= 0 {
		numHashes = 64
	}
	if bandSize <= 0 || numHashes%bandSize != 0 {
		bandSize = 4
	}
	if shingleLen <= 0 {
		shingleLen = 3
	}
	return &LSH{
		NumHashes:  numHashes,
		BandSize:   bandSize,
		ShingleLen: shingleLen,
		buckets:    map[string]*roaring.Bitmap{},
		sigs:       map[uint64][]uint32{},
		keys:       map[uint64]value.Tuple{},
	}
}

func (l *LSH) shingles(text string) []string {
	toks := tokenize(text)
	if len(toks) < l.ShingleLen {
		return toks
	}
	out := make([]string, 0, len(toks)-l.ShingleLen+1)
	for i := 0; i+l.ShingleLen <= len(toks); i++ {
		out = append(out, joinShingle(toks[i:i+l.ShingleLen]))
	}
	return out
}

func joinShingle(toks []string) string {
	s := toks[0]
	for _, t := range toks[1:] {
		s += " " + t
	}
	return s
}

// signature computes the MinHash signature of shingles: for each of
// NumHashes independently-seeded murmur3 hashes, the minimum hash value
// observed across all shingles.
func (l *LSH) signature(shingles []string) []uint32 {
	sig := make([]uint32, l.NumHashes)
	for i := range sig {
		sig[i] = ^uint32(0)
	}
	for _, sh := range shingles {
		for i := 0; i < l.NumHashes; i++ {
			h := murmur3.Sum32WithSeed([]byte(sh), uint32(i))
			if h < sig[i] {
				sig[i] = h
			}
		}
	}
	return sig
}

func (l *LSH) bandKeys(sig []uint32) []string {
	numBands := l.NumHashes / l.BandSize
	keys := make([]string, numBands)
	for b := 0; b < numBands; b++ {
		h := murmur3.Sum32WithSeed(bandBytes(sig[b*l.BandSize:(b+1)*l.BandSize]), uint32(b))
		keys[b] = strconv.Itoa(b) + ":" + strconv.FormatUint(uint64(h), 36)
	}
	return keys
}

func bandBytes(band []uint32) []byte {
	buf := make([]byte, len(band)*4)
	for i, v := range band {
		buf[i*4] = byte(v)
		buf[i*4+1] = byte(v >> 8)
		buf[i*4+2] = byte(v >> 16)
		buf[i*4+3] = byte(v >> 24)
	}
	return buf
}

func (l *LSH) docID(key value.Tuple) uint64 { return value.FingerprintTuple(key) }

func (l *LSH) textOf(r storage.IndexedRow) string {
	var s string
	for _, c := range r.Columns {
		if c.Kind() == value.KindString {
			s += c.String() + " "
		}
	}
	return s
}

func (l *LSH) PopulateFromScratch(scan func() ([]storage.IndexedRow, error)) error {
	rows, err := scan()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = map[string]*roaring.Bitmap{}
	l.sigs = map[uint64][]uint32{}
	l.keys = map[uint64]value.Tuple{}
	for _, r := range rows {
		l.insertLocked(r)
	}
	return nil
}

func (l *LSH) ApplyDelta(added, removed []storage.IndexedRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range removed {
		l.removeLocked(l.docID(r.Key))
	}
	for _, r := range added {
		l.insertLocked(r)
	}
	return nil
}

func (l *LSH) insertLocked(r storage.IndexedRow) {
	id := l.docID(r.Key)
	sig := l.signature(l.shingles(l.textOf(r)))
	l.sigs[id] = sig
	l.keys[id] = r.Key
	for _, bk := range l.bandKeys(sig) {
		bm, ok := l.buckets[bk]
		if !ok {
			bm = roaring.NewBitmap()
			l.buckets[bk] = bm
		}
		bm.Add(id)
	}
}

func (l *LSH) removeLocked(id uint64) {
	sig, ok := l.sigs[id]
	if !ok {
		return
	}
	for _, bk := range l.bandKeys(sig) {
		if bm, ok := l.buckets[bk]; ok {
			bm.Remove(id)
		}
	}
	delete(l.sigs, id)
	delete(l.keys, id)
}

// Query expects params["text"] and optional params["k"] (default 10).
// Score is the estimated Jaccard similarity (fraction of matching
// MinHash slots) against every candidate sharing at least one LSH band.
func (l *LSH) Query(params map[string]value.Value) ([]storage.IndexHit, error) {
	text, ok := params["text"]
	if !ok || text.Kind() != value.KindString {
		return nil, nil
	}
	k := 10
	if kv, ok := params["k"]; ok && kv.Kind() == value.KindInt {
		k = int(kv.Int())
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	probeSig := l.signature(l.shingles(text.String()))
	candidates := map[uint64]bool{}
	for _, bk := range l.bandKeys(probeSig) {
		if bm, ok := l.buckets[bk]; ok {
			for _, id := range bm.Slice() {
				candidates[id] = true
			}
		}
	}

	out := make([]storage.IndexHit, 0, len(candidates))
	for id := range candidates {
		sig := l.sigs[id]
		out = append(out, storage.IndexHit{Key: l.keys[id], Score: estimateJaccard(probeSig, sig)})
	}
	sortHitsDescending(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func estimateJaccard(a, b []uint32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	matches := 0
	for i := range a {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}
