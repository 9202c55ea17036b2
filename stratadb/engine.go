// Package stratadb is the top-level embeddable engine: it wires
// together package storage (persistence, indexes, triggers, CDC),
// package txn (transaction lifecycle), and packages ir/stratify/magic/
// eval (the query compiler and evaluator) behind the external
// interface spec.md §6 describes. Per spec.md §1's Non-goals, it does
// not parse script text: callers hand it an already-built ir.Program
// (the surface grammar/tokenizer/parameter-substitution front end is
// explicitly out of scope) plus a structured description of the
// clauses and system commands attached to it.
package stratadb

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/eval"
	"github.com/stratadb/stratadb/storage"
	"github.com/stratadb/stratadb/txn"
)

// Engine is one open database instance.
type Engine struct {
	Options Options
	Store   *storage.Store
	Txns    *txn.Manager
	Catalog map[string]eval.FixedRule

	log *logrus.Entry
}

// Open constructs an Engine per opts: a storage backend (in-memory or
// bolt-backed), its transaction manager, and an empty fixed-rule
// catalog (spec.md §1 scopes the catalog's contents out; callers
// populate Engine.Catalog themselves).
func Open(opts Options) (*Engine, error) {
	var backend storage.KV
	switch opts.Backend {
	case "", "memory":
		backend = storage.NewMemKV()
	case "bolt":
		bk, err := storage.OpenBolt(opts.BoltPath)
		if err != nil {
			return nil, err
		}
		backend = bk
	default:
		return nil, errs.Schema.New("unknown storage backend: " + opts.Backend)
	}

	store := storage.NewStore(backend)
	return &Engine{
		Options: opts,
		Store:   store,
		Txns:    txn.NewManager(store),
		Catalog: map[string]eval.FixedRule{},
		log:     logrus.WithField("component", "stratadb"),
	}, nil
}

// Close releases the underlying storage backend.
func (e *Engine) Close() error { return e.Store.Backend.Close() }

// RunQuery is the single-statement-query path of spec.md §6: evaluate
// prog's entry relation, apply any relation-op clauses (mutations and
// result shaping), and return a tabular Result — all inside one
// transaction whose mode is auto-detected from clauseNames.
func (e *Engine) RunQuery(ctx context.Context, script *Script) (*Result, error) {
	var result *Result
	err := e.Txns.RunScript(ctx, script.ClauseNames(), func(tx *txn.Tx) error {
		r, err := e.runScriptInTx(tx, script)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Begin opens a multi-statement transaction (spec.md §4.8): the caller
// runs any number of RunScriptInTx calls against the returned Tx, then
// calls Commit or Abort themselves.
func (e *Engine) Begin(ctx context.Context, mode txn.Mode) *txn.Tx {
	return e.Txns.Begin(ctx, mode)
}

// RunScriptInTx runs script against an already-open multi-statement
// transaction.
func (e *Engine) RunScriptInTx(tx *txn.Tx, script *Script) (*Result, error) {
	return e.runScriptInTx(tx, script)
}
