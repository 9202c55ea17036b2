package simindex

import (
	"math"
	"strings"
	"sync"

	"github.com/pilosa/pilosa/roaring"
	"github.com/stratadb/stratadb/storage"
	"github.com/stratadb/stratadb/value"
)

// FTS is a full-text inverted index: token -> posting list of document
// ids, using pilosa's roaring bitmap (a direct teacher dependency, via
// its standalone `roaring` subpackage) to store postings compactly.
// Scoring is a standard BM25 over per-document term frequencies.
type FTS struct {
	mu    sync.RWMutex
	terms map[string]*roaring.Bitmap
	docs  map[uint64]*ftsDoc
}

type ftsDoc struct {
	key   value.Tuple
	freq  map[string]int
	total int
}

// NewFTS constructs an empty text index.
func NewFTS() *FTS {
	return &FTS{terms: map[string]*roaring.Bitmap{}, docs: map[uint64]*ftsDoc{}}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func (f *FTS) docID(key value.Tuple) uint64 { return value.FingerprintTuple(key) }

func (f *FTS) PopulateFromScratch(scan func() ([]storage.IndexedRow, error)) error {
	rows, err := scan()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = map[string]*roaring.Bitmap{}
	f.docs = map[uint64]*ftsDoc{}
	for _, r := range rows {
		f.insertLocked(r)
	}
	return nil
}

func (f *FTS) ApplyDelta(added, removed []storage.IndexedRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range removed {
		f.removeLocked(f.docID(r.Key))
	}
	for _, r := range added {
		f.insertLocked(r)
	}
	return nil
}

func (f *FTS) textOf(r storage.IndexedRow) string {
	var sb strings.Builder
	for _, c := range r.Columns {
		if c.Kind() == value.KindString {
			sb.WriteString(c.String())
			sb.WriteString(" ")
		}
	}
	return sb.String()
}

func (f *FTS) insertLocked(r storage.IndexedRow) {
	id := f.docID(r.Key)
	freq := map[string]int{}
	total := 0
	for _, tok := range tokenize(f.textOf(r)) {
		freq[tok]++
		total++
		bm, ok := f.terms[tok]
		if !ok {
			bm = roaring.NewBitmap()
			f.terms[tok] = bm
		}
		bm.Add(id)
	}
	f.docs[id] = &ftsDoc{key: r.Key, freq: freq, total: total}
}

func (f *FTS) removeLocked(id uint64) {
	doc, ok := f.docs[id]
	if !ok {
		return
	}
	for tok := range doc.freq {
		if bm, ok := f.terms[tok]; ok {
			bm.Remove(id)
		}
	}
	delete(f.docs, id)
}

// Query expects params["text"] (a search string) and optional
// params["k"] (result cap, default 10). Ranking is BM25 with the
// conventional k1=1.2, b=0.75 constants.
func (f *FTS) Query(params map[string]value.Value) ([]storage.IndexHit, error) {
	text, ok := params["text"]
	if !ok || text.Kind() != value.KindString {
		return nil, nil
	}
	k := 10
	if kv, ok := params["k"]; ok && kv.Kind() == value.KindInt {
		k = int(kv.Int())
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	terms := tokenize(text.String())
	if len(terms) == 0 || len(f.docs) == 0 {
		return nil, nil
	}
	avgLen := f.averageLength()

	scores := map[uint64]float64{}
	for _, term := range terms {
		bm, ok := f.terms[term]
		if !ok {
			continue
		}
		df := bm.Count()
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(len(f.docs))-float64(df)+0.5)/(float64(df)+0.5))
		for _, id := range bm.Slice() {
			doc := f.docs[id]
			if doc == nil {
				continue
			}
			tf := float64(doc.freq[term])
			const k1, b = 1.2, 0.75
			denom := tf + k1*(1-b+b*float64(doc.total)/avgLen)
			scores[id] += idf * (tf * (k1 + 1)) / denom
		}
	}

	out := make([]storage.IndexHit, 0, len(scores))
	for id, score := range scores {
		if doc := f.docs[id]; doc != nil {
			out = append(out, storage.IndexHit{Key: doc.key, Score: score})
		}
	}
	sortHitsDescending(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *FTS) averageLength() float64 {
	if len(f.docs) == 0 {
		return 1
	}
	total := 0
	for _, d := range f.docs {
		total += d.total
	}
	return math.Max(1, float64(total)/float64(len(f.docs)))
}
