package stratadb

import (
	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/eval"
	"github.com/stratadb/stratadb/ir"
	"github.com/stratadb/stratadb/storage"
	"github.com/stratadb/stratadb/txn"
	"github.com/stratadb/stratadb/value"
)

// ClauseKind is one relation-op clause of spec.md §6 ("Relation op
// clauses"): a `?` query block may be followed by one of these.
type ClauseKind uint8

const (
	ClausePut ClauseKind = iota
	ClauseRm
	ClauseUpdate
	ClauseReplace
	ClauseCreate
	ClauseEnsure
	ClauseEnsureNot
	ClauseLimit
	ClauseOffset
	ClauseOrder
)

func (k ClauseKind) name() string {
	switch k {
	case ClausePut:
		return ":put"
	case ClauseRm:
		return ":rm"
	case ClauseUpdate:
		return ":update"
	case ClauseReplace:
		return ":replace"
	case ClauseCreate:
		return ":create"
	case ClauseEnsure:
		return ":ensure"
	case ClauseEnsureNot:
		return ":ensure_not"
	case ClauseLimit:
		return ":limit"
	case ClauseOffset:
		return ":offset"
	case ClauseOrder:
		return ":order"
	}
	return "?"
}

// Clause is one parsed relation-op clause. Rows is nil for clauses that
// operate on the query's own result set (:put/:rm/:update/:replace/
// :ensure/:ensure_not with no literal rows attached); when non-nil, it
// supplies literal tuples instead (spec.md §8 scenario 5's `put
// (1,2,5),(6,5,7)`).
type Clause struct {
	Kind   ClauseKind
	Rows   []value.Tuple
	Schema value.Schema // ClauseCreate
	Limit  int
	Offset int
	Order  []eval.OrderKey
}

// Script is one already-compiled unit of work: an entry query plus the
// clauses attached to it. Script intentionally carries no source text
// or span information — per spec.md §1's Non-goals, the surface
// grammar/tokenizer/`$name` substitution front end producing a Script
// is out of scope for this module.
type Script struct {
	Program  *ir.Program
	Entry    string // the entry rule-group name to evaluate, e.g. ir.EntrySymbol
	Relation string // target relation for mutation clauses; usually == Entry's underlying base relation name
	Clauses  []Clause
}

// ClauseNames extracts the mutating-clause-detection vocabulary
// txn.ModeForClauses expects.
func (s *Script) ClauseNames() []string {
	names := make([]string, 0, len(s.Clauses))
	for _, c := range s.Clauses {
		names = append(names, c.Kind.name())
	}
	return names
}

// Result is the tabular output of one query: column headers (when
// known) plus the row vector, per spec.md §6 ("Result is a set of
// named relations... each with column headers and a row vector").
type Result struct {
	Columns []string
	Rows    []value.Tuple
}

func (e *Engine) runScriptInTx(tx *txn.Tx, script *Script) (*Result, error) {
	rows, err := runProgram(tx.Context(), tx.Poison(), e.Store, e.Catalog, script.Program, script.Entry)
	if err != nil {
		return nil, err
	}

	opts := eval.Options{Limit: -1, Offset: 0}
	for _, c := range script.Clauses {
		switch c.Kind {
		case ClauseCreate:
			if err := e.Store.CreateRelation(&storage.Relation{Name: script.Relation, Schema: c.Schema}); err != nil {
				return nil, err
			}
		case ClausePut:
			if err := e.Store.Put(script.Relation, mutationRows(c, rows)); err != nil {
				return nil, err
			}
		case ClauseRm:
			if err := e.Store.Rm(script.Relation, mutationRows(c, rows)); err != nil {
				return nil, err
			}
		case ClauseUpdate:
			if err := applyUpdate(e.Store, script.Relation, mutationRows(c, rows)); err != nil {
				return nil, err
			}
		case ClauseReplace:
			if err := e.Store.Replace(script.Relation, mutationRows(c, rows)); err != nil {
				return nil, err
			}
		case ClauseEnsure:
			if err := ensurePresent(e.Store, script.Relation, mutationRows(c, rows)); err != nil {
				return nil, err
			}
		case ClauseEnsureNot:
			if err := ensureAbsent(e.Store, script.Relation, mutationRows(c, rows)); err != nil {
				return nil, err
			}
		case ClauseLimit:
			opts.Limit = c.Limit
		case ClauseOffset:
			opts.Offset = c.Offset
		case ClauseOrder:
			opts.OrderBy = c.Order
		}
	}

	final, err := eval.ApplyResultOptions(rows, opts)
	if err != nil {
		return nil, err
	}
	return &Result{Rows: final}, nil
}

// mutationRows picks a clause's literal rows if given, else the
// query's own evaluated result.
func mutationRows(c Clause, queryRows []value.Tuple) []value.Tuple {
	if c.Rows != nil {
		return c.Rows
	}
	return queryRows
}

// applyUpdate overwrites only the value columns of existing rows,
// matching spec.md §6's "partial value columns for :update": each
// tuple in rows supplies the full key plus new value columns, and any
// row without an existing match is left untouched (an :update never
// creates rows; use :put for that).
func applyUpdate(store *storage.Store, relation string, rows []value.Tuple) error {
	rel, ok := store.Relation(relation)
	if !ok {
		return errs.Schema.New("unknown relation: " + relation)
	}
	existing, err := store.Scan(relation)
	if err != nil {
		return err
	}
	nKeys := rel.Schema.NumKeys()
	byKey := make(map[uint64]value.Tuple, len(existing))
	for _, row := range existing {
		byKey[value.FingerprintTuple(row.Key(nKeys))] = row
	}
	var puts []value.Tuple
	for _, row := range rows {
		key := row.Key(nKeys)
		if _, ok := byKey[value.FingerprintTuple(key)]; ok {
			puts = append(puts, row)
		}
	}
	if len(puts) == 0 {
		return nil
	}
	return store.Put(relation, puts)
}

func ensurePresent(store *storage.Store, relation string, rows []value.Tuple) error {
	existing, err := store.Scan(relation)
	if err != nil {
		return err
	}
	for _, want := range rows {
		if !containsTuple(existing, want) {
			return errs.Semantics.New(":ensure failed: row not present in " + relation)
		}
	}
	return nil
}

func ensureAbsent(store *storage.Store, relation string, rows []value.Tuple) error {
	existing, err := store.Scan(relation)
	if err != nil {
		return err
	}
	for _, unwanted := range rows {
		if containsTuple(existing, unwanted) {
			return errs.Semantics.New(":ensure_not failed: row present in " + relation)
		}
	}
	return nil
}

func containsTuple(haystack []value.Tuple, needle value.Tuple) bool {
	for _, t := range haystack {
		if value.EqualTuples(t, needle) {
			return true
		}
	}
	return false
}
