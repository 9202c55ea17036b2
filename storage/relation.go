package storage

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/eval"
	"github.com/stratadb/stratadb/value"
)

// Op identifies the kind of mutation applied to a relation, per
// spec.md §6's callback message shape.
type Op uint8

const (
	OpPut Op = iota
	OpRm
	OpReplace
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "Put"
	case OpRm:
		return "Rm"
	case OpReplace:
		return "Replace"
	}
	return "?"
}

// Relation is one declared, stored relation: its schema plus the
// secondary indexes and triggers attached to it.
type Relation struct {
	Name    string
	Schema  value.Schema
	Indexes []*IndexBinding
}

// IndexBinding attaches a SimIndex (plain, HNSW, FTS, or LSH) to a
// relation over a declared set of column positions.
type IndexBinding struct {
	Name    string
	Columns []int
	Index   SimIndex
}

// SimIndex is the pluggable similarity/secondary-index capability
// contract of spec.md §4.7: populate from a full base scan, apply an
// incremental delta, and answer a query. Every index kind (plain
// exact-match, HNSW, FTS, LSH) implements this identically shaped
// interface; only `simindex.Query`'s params differ by kind.
type SimIndex interface {
	PopulateFromScratch(scan func() ([]IndexedRow, error)) error
	ApplyDelta(added, removed []IndexedRow) error
	Query(params map[string]value.Value) ([]IndexHit, error)
}

// ConfigIdentifier is implemented by SimIndex kinds whose construction
// parameters (dimension, graph degree, distance metric, and the like)
// affect query results, so two instances are only interchangeable when
// those parameters match. HNSW is the only SimIndex that currently
// implements it; CreateIndex uses it to let a repeated CreateIndex call
// for an already-existing name succeed as a no-op when the config is
// identical, instead of always rejecting the duplicate name.
type ConfigIdentifier interface {
	ConfigHash() (uint64, error)
}

// IndexedRow is one base-relation row as seen by an index: its full
// key plus the projected column values the index is built over.
type IndexedRow struct {
	Key      value.Tuple
	Row      value.Tuple
	Columns  []value.Value
}

// IndexHit is one similarity-query result: the matched key plus score
// (distance, BM25-style weight, or Jaccard estimate depending on index
// kind), per spec.md §4.7's `(tuple_key, score)`.
type IndexHit struct {
	Key   value.Tuple
	Score float64
}

// Trigger runs inline, inside the mutating transaction, against the
// _new/_old logical relations spec.md §4.6 describes. A non-nil error
// aborts the outer transaction.
type Trigger struct {
	Name string
	Run  func(tx Tx, newRows, oldRows []value.Tuple) error
}

// CDCEvent is the post-commit message spec.md §6 promises callbacks:
// (op, new_rows, old_rows), delivered asynchronously and in commit
// order per relation. NewRows is always the caller's full request (for
// Rm, every targeted key, matched or not — spec.md §8 scenario 6's "2
// targeted"); OldRows is always what was actually present beforehand.
type CDCEvent struct {
	Relation string
	Op       Op
	NewRows  []value.Tuple
	OldRows  []value.Tuple
}

var commitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stratadb",
	Subsystem: "storage",
	Name:      "commits_total",
	Help:      "Committed write transactions, by relation.",
}, []string{"relation"})

func init() { prometheus.MustRegister(commitCounter) }

// Store owns the backend, the relation catalog, and CDC delivery.
// Mutations are single-writer (spec.md §5): Put, Rm and Replace each
// go through mutate, which wraps one KV.Update transaction.
type Store struct {
	Backend KV

	mu        sync.RWMutex
	relations map[string]*Relation
	triggers  map[string][]Trigger
	indexes   map[string]*IndexBinding // index name -> binding, across all relations

	// commitMu serializes the commit-and-enqueue step of mutate across
	// concurrent callers that bypass txn.Manager's writer lock, so the
	// order events land in dispatch always matches actual commit order.
	commitMu sync.Mutex
	dispatch chan CDCEvent

	subMu sync.Mutex
	subs  map[string][]chan CDCEvent

	log *logrus.Entry
}

// NewStore wraps backend with an empty relation catalog and starts the
// single background goroutine that fans CDC events out to subscribers
// in the order they were committed (spec.md §5).
func NewStore(backend KV) *Store {
	s := &Store{
		Backend:   backend,
		relations: map[string]*Relation{},
		triggers:  map[string][]Trigger{},
		indexes:   map[string]*IndexBinding{},
		dispatch:  make(chan CDCEvent, 1024),
		subs:      map[string][]chan CDCEvent{},
		log:       logrus.WithField("component", "storage"),
	}
	go s.dispatchLoop()
	return s
}

// dispatchLoop delivers queued CDC events to subscribers one at a time,
// in the order mutate enqueued them, so a relation's subscriber stream
// observes strict commit order even though delivery itself is
// asynchronous relative to the committing caller.
func (s *Store) dispatchLoop() {
	for ev := range s.dispatch {
		s.subMu.Lock()
		chans := append([]chan CDCEvent(nil), s.subs[ev.Relation]...)
		s.subMu.Unlock()
		for _, ch := range chans {
			ch <- ev
		}
	}
}

// RelationNames lists every declared relation, for the `::relations`
// system command.
func (s *Store) RelationNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.relations))
	for n := range s.relations {
		names = append(names, n)
	}
	return names
}

// CreateIndex attaches ib to rel and populates it from rel's current
// contents, per spec.md §4.7's populate_from_scratch. Index names are
// global (e.g. "friends:rev"), per spec.md §8 scenario 5.
func (s *Store) CreateIndex(relationName string, ib *IndexBinding) error {
	s.mu.Lock()
	rel, ok := s.relations[relationName]
	if !ok {
		s.mu.Unlock()
		return errs.Schema.New("unknown relation: " + relationName)
	}
	if existing, exists := s.indexes[ib.Name]; exists {
		s.mu.Unlock()
		if sameIndexConfig(existing.Index, ib.Index) {
			return nil
		}
		return errs.Schema.New("index already exists: " + ib.Name)
	}
	rel.Indexes = append(rel.Indexes, ib)
	s.indexes[ib.Name] = ib
	s.mu.Unlock()

	return ib.Index.PopulateFromScratch(func() ([]IndexedRow, error) {
		rows, err := s.Scan(relationName)
		if err != nil {
			return nil, err
		}
		nKeys := rel.Schema.NumKeys()
		out := make([]IndexedRow, 0, len(rows))
		for _, r := range rows {
			out = append(out, IndexedRow{Key: r.Key(nKeys), Row: r, Columns: projectColumns(r, ib.Columns)})
		}
		return out, nil
	})
}

// sameIndexConfig reports whether a and b are both ConfigIdentifier
// SimIndexes with matching config hashes. A hashing error, or either
// side not implementing ConfigIdentifier, is treated as "not the same"
// so CreateIndex falls back to its normal duplicate-name rejection.
func sameIndexConfig(a, b SimIndex) bool {
	ca, ok := a.(ConfigIdentifier)
	if !ok {
		return false
	}
	cb, ok := b.(ConfigIdentifier)
	if !ok {
		return false
	}
	ha, err := ca.ConfigHash()
	if err != nil {
		return false
	}
	hb, err := cb.ConfigHash()
	if err != nil {
		return false
	}
	return ha == hb
}

// DropIndex detaches and forgets the named index.
func (s *Store) DropIndex(relationName, indexName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relations[relationName]
	if !ok {
		return errs.Schema.New("unknown relation: " + relationName)
	}
	if _, exists := s.indexes[indexName]; !exists {
		return errs.Schema.New("unknown index: " + indexName)
	}
	delete(s.indexes, indexName)
	kept := rel.Indexes[:0]
	for _, ib := range rel.Indexes {
		if ib.Name != indexName {
			kept = append(kept, ib)
		}
	}
	rel.Indexes = kept
	return nil
}

// SimilarityQuery implements eval.Store: dispatch a query by index
// name, returning virtual (tuple, score) rows per spec.md §4.7. The
// returned tuple is the indexed row's primary key, with the score in
// the separate Score field; join.go's AtomTokenizedView handling
// appends the score as an extra trailing column.
func (s *Store) SimilarityQuery(index string, params map[string]value.Value) ([]eval.ScoredTuple, error) {
	s.mu.RLock()
	ib, ok := s.indexes[index]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.Schema.New("unknown index: " + index)
	}
	hits, err := ib.Index.Query(params)
	if err != nil {
		return nil, err
	}
	out := make([]eval.ScoredTuple, 0, len(hits))
	for _, h := range hits {
		out = append(out, eval.ScoredTuple{Tuple: h.Key, Score: h.Score})
	}
	return out, nil
}

// CreateRelation declares rel. Creating the same relation name twice
// fails the second attempt (spec.md §4.8) without harming the rest of
// whatever transaction the caller is composing this into.
func (s *Store) CreateRelation(rel *Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.relations[rel.Name]; exists {
		return errs.Schema.New("relation already exists: " + rel.Name)
	}
	s.relations[rel.Name] = rel
	return nil
}

func (s *Store) Relation(name string) (*Relation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.relations[name]
	return r, ok
}

// SetTriggers replaces the trigger list attached to relation, per the
// `::set_triggers` system command of spec.md §6.
func (s *Store) SetTriggers(relation string, triggers []Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[relation] = triggers
}

// Subscribe registers a CDC listener for relation; events are
// delivered in commit order, asynchronously, per spec.md §5's ordering
// guarantees ("Callback streams for a given relation deliver CDC
// tuples in commit order; no ordering is promised across relations").
func (s *Store) Subscribe(relation string) <-chan CDCEvent {
	ch := make(chan CDCEvent, 64)
	s.subMu.Lock()
	s.subs[relation] = append(s.subs[relation], ch)
	s.subMu.Unlock()
	return ch
}

// relationKey builds the persisted key for row's primary-key prefix
// within relation: the relation name, a 0 byte, then EncodeTuple(key).
func relationKey(relation string, key value.Tuple) []byte {
	k := append([]byte(relation), 0)
	return append(k, EncodeTuple(key)...)
}

func relationPrefix(relation string) []byte {
	return append([]byte(relation), 0)
}

// Scan implements eval.Store: a full scan of a base relation, decoding
// every stored row.
func (s *Store) Scan(relation string) ([]value.Tuple, error) {
	rel, ok := s.Relation(relation)
	if !ok {
		return nil, errs.Schema.New("unknown relation: " + relation)
	}
	nKeys := rel.Schema.NumKeys()
	valueArity := rel.Schema.Arity() - nKeys

	var out []value.Tuple
	err := s.Backend.View(func(tx Tx) error {
		pairs, err := tx.ScanPrefix(BucketData, relationPrefix(relation))
		if err != nil {
			return err
		}
		for _, p := range pairs {
			keyTuple, err := DecodeTuple(p.Key[len(relationPrefix(relation)):], nKeys)
			if err != nil {
				return err
			}
			valTuple, err := DecodeTuple(p.Value, valueArity)
			if err != nil {
				return err
			}
			out = append(out, append(keyTuple, valTuple...))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "storage: scanning relation "+relation)
	}
	return out, nil
}

// Put writes rows (full tuples, matching rel.Schema's arity) to
// relation within one transaction: computes before/after sets, updates
// every attached index, runs inline triggers against _new/_old, and
// delivers a post-commit CDC event. Per spec.md §4.6.
func (s *Store) Put(relation string, rows []value.Tuple) error {
	return s.mutate(relation, OpPut, rows)
}

// Rm deletes rows identified by their key prefix (the tuples need only
// carry the key columns; value columns, if present, are ignored).
func (s *Store) Rm(relation string, keys []value.Tuple) error {
	return s.mutate(relation, OpRm, keys)
}

// Replace overwrites relation's entire content with rows.
func (s *Store) Replace(relation string, rows []value.Tuple) error {
	return s.mutate(relation, OpReplace, rows)
}

func (s *Store) mutate(relation string, op Op, rows []value.Tuple) error {
	rel, ok := s.Relation(relation)
	if !ok {
		return errs.Schema.New("unknown relation: " + relation)
	}
	nKeys := rel.Schema.NumKeys()

	// commitMu holds the whole commit-and-enqueue step atomic relative to
	// other mutate callers, so dispatch always receives events in actual
	// commit order even when Store is driven directly (without going
	// through txn.Manager's writer lock).
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var newRows, oldRows []value.Tuple
	cdcNewRows := rows // the caller's full request, reported on the CDC event even where mutate() itself only tracks a narrower newRows for index/trigger purposes (see the OpRm branch)
	err := s.Backend.Update(func(tx Tx) error {
		switch op {
		case OpPut:
			for _, row := range rows {
				if err := rel.Schema.CheckTuple(row); err != nil {
					return errs.Schema.New(err.Error())
				}
				key := row.Key(nKeys)
				if before, ok := s.getRow(tx, rel, key); ok {
					oldRows = append(oldRows, before)
				}
				if err := s.putRow(tx, rel, row); err != nil {
					return err
				}
				newRows = append(newRows, row)
			}
		case OpRm:
			for _, k := range rows {
				key := k.Key(nKeys)
				before, existed := s.getRow(tx, rel, key)
				if !existed {
					continue
				}
				if err := tx.Delete(BucketData, relationKey(relation, key)); err != nil {
					return err
				}
				oldRows = append(oldRows, before)
			}
		case OpReplace:
			existing, err := s.scanTx(tx, rel)
			if err != nil {
				return err
			}
			oldRows = existing
			for _, row := range existing {
				if err := tx.Delete(BucketData, relationKey(relation, row.Key(nKeys))); err != nil {
					return err
				}
			}
			for _, row := range rows {
				if err := rel.Schema.CheckTuple(row); err != nil {
					return errs.Schema.New(err.Error())
				}
				if err := s.putRow(tx, rel, row); err != nil {
					return err
				}
			}
			newRows = rows
		}

		// Triggers must run, and be allowed to abort the write, before
		// any index is touched: ApplyDelta mutates each SimIndex's own
		// in-memory state outside the backend transaction, so it has no
		// rollback of its own if a later step fails.
		if err := s.runTriggers(tx, relation, newRows, oldRows); err != nil {
			return err
		}
		if err := s.syncIndexes(rel, newRows, oldRows); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"relation": relation, "op": op.String()}).WithError(err).Warn("transaction aborted")
		return err
	}

	commitCounter.WithLabelValues(relation).Inc()
	s.log.WithFields(logrus.Fields{"relation": relation, "op": op.String(), "rows": len(newRows) + len(oldRows)}).Debug("committed")
	s.dispatch <- CDCEvent{Relation: relation, Op: op, NewRows: cdcNewRows, OldRows: oldRows}
	return nil
}

func (s *Store) getRow(tx Tx, rel *Relation, key value.Tuple) (value.Tuple, bool) {
	v, ok := tx.Get(BucketData, relationKey(rel.Name, key))
	if !ok {
		return nil, false
	}
	valArity := rel.Schema.Arity() - rel.Schema.NumKeys()
	rest, err := DecodeTuple(v, valArity)
	if err != nil {
		return nil, false
	}
	return append(key.Clone(), rest...), true
}

func (s *Store) putRow(tx Tx, rel *Relation, row value.Tuple) error {
	nKeys := rel.Schema.NumKeys()
	key := row.Key(nKeys)
	val := row[nKeys:]
	return tx.Put(BucketData, relationKey(rel.Name, key), EncodeTuple(val))
}

func (s *Store) scanTx(tx Tx, rel *Relation) ([]value.Tuple, error) {
	nKeys := rel.Schema.NumKeys()
	valArity := rel.Schema.Arity() - nKeys
	pairs, err := tx.ScanPrefix(BucketData, relationPrefix(rel.Name))
	if err != nil {
		return nil, err
	}
	prefixLen := len(relationPrefix(rel.Name))
	out := make([]value.Tuple, 0, len(pairs))
	for _, p := range pairs {
		keyTuple, err := DecodeTuple(p.Key[prefixLen:], nKeys)
		if err != nil {
			return nil, err
		}
		valTuple, err := DecodeTuple(p.Value, valArity)
		if err != nil {
			return nil, err
		}
		out = append(out, append(keyTuple, valTuple...))
	}
	return out, nil
}

// syncIndexes applies the before/after diff of one mutation to every
// index attached to rel, synchronously within the same transaction
// (spec.md §4.6: "apply the difference to index storage in the same
// transaction").
func (s *Store) syncIndexes(rel *Relation, newRows, oldRows []value.Tuple) error {
	if len(rel.Indexes) == 0 {
		return nil
	}
	nKeys := rel.Schema.NumKeys()
	for _, ib := range rel.Indexes {
		added := make([]IndexedRow, 0, len(newRows))
		for _, r := range newRows {
			added = append(added, IndexedRow{Key: r.Key(nKeys), Row: r, Columns: projectColumns(r, ib.Columns)})
		}
		removed := make([]IndexedRow, 0, len(oldRows))
		for _, r := range oldRows {
			removed = append(removed, IndexedRow{Key: r.Key(nKeys), Row: r, Columns: projectColumns(r, ib.Columns)})
		}
		if err := ib.Index.ApplyDelta(added, removed); err != nil {
			return errors.Wrapf(err, "storage: syncing index %q on relation %q", ib.Name, rel.Name)
		}
	}
	return nil
}

func projectColumns(row value.Tuple, cols []int) []value.Value {
	out := make([]value.Value, len(cols))
	for i, c := range cols {
		out[i] = row[c]
	}
	return out
}

// runTriggers executes every trigger attached to relation inline,
// against the `_new`/`_old` row sets, per spec.md §4.6. A trigger
// failure aborts the outer transaction.
func (s *Store) runTriggers(tx Tx, relation string, newRows, oldRows []value.Tuple) error {
	s.mu.RLock()
	triggers := append([]Trigger(nil), s.triggers[relation]...)
	s.mu.RUnlock()
	for _, t := range triggers {
		if err := t.Run(tx, newRows, oldRows); err != nil {
			s.log.WithFields(logrus.Fields{"relation": relation, "trigger": t.Name}).WithError(err).Error("trigger failed, aborting transaction")
			return errors.Wrapf(err, "storage: trigger %q on relation %q", t.Name, relation)
		}
	}
	return nil
}
