package stratadb

import (
	"context"
	"sort"

	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/ir"
	"github.com/stratadb/stratadb/simindex"
	"github.com/stratadb/stratadb/storage"
	"github.com/stratadb/stratadb/stratify"
	"github.com/stratadb/stratadb/txn"
	"github.com/stratadb/stratadb/value"
)

// SystemCommandKind names one of spec.md §6's double-colon-prefixed
// system commands.
type SystemCommandKind uint8

const (
	SystemRelations SystemCommandKind = iota
	SystemColumns
	SystemIndices
	SystemIndex
	SystemHNSW
	SystemFTS
	SystemLSH
	SystemExplain
	SystemSetTriggers
)

// IndexAction is create or drop, for the index-kind system commands.
type IndexAction uint8

const (
	ActionCreate IndexAction = iota
	ActionDrop
)

// SystemCommand is one parsed `::...` command.
type SystemCommand struct {
	Kind     SystemCommandKind
	Action   IndexAction
	Relation string
	Index    string   // index name, e.g. "friends:rev"
	Columns  []int    // column positions the index is built over

	HNSWDim      int
	HNSWParams   HNSWDefaults
	LSHParams    LSHDefaults

	Triggers []storage.Trigger // SystemSetTriggers

	Program *ir.Program // SystemExplain
	Entry   string
}

func (c SystemCommand) clauseName() string {
	switch c.Kind {
	case SystemIndex:
		return "::index"
	case SystemHNSW:
		return "::hnsw"
	case SystemFTS:
		return "::fts"
	case SystemLSH:
		return "::lsh"
	}
	return ""
}

// RunSystemCommand executes cmd inside its own appropriately-moded
// transaction (spec.md §4.8's single-statement detection: the index-
// kind create/drop commands mutate, the rest are read-only) and
// returns a tabular Result; failures carry a diagnostic but — per
// spec.md §6 — never surface a source span here, since script text
// never reaches this layer (see Script's doc comment).
func (e *Engine) RunSystemCommand(ctx context.Context, cmd SystemCommand) (*Result, error) {
	// spec.md §4.8 enumerates the clauses that force ReadWrite mode
	// under single-statement auto-detection; `::set_triggers` is
	// deliberately absent from that list, so it runs ReadOnly even
	// though it mutates the trigger registry (a separate concern from
	// the single-writer KV exclusion this mode governs).
	var clauses []string
	if name := cmd.clauseName(); name != "" {
		clauses = append(clauses, name)
	}

	var result *Result
	err := e.Txns.RunScript(ctx, clauses, func(tx *txn.Tx) error {
		r, err := e.dispatchSystemCommand(cmd)
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

func (e *Engine) dispatchSystemCommand(cmd SystemCommand) (*Result, error) {
	switch cmd.Kind {
	case SystemRelations:
		names := e.Store.RelationNames()
		sort.Strings(names)
		rows := make([]value.Tuple, len(names))
		for i, n := range names {
			rows[i] = value.Tuple{value.String(n)}
		}
		return &Result{Columns: []string{"relation"}, Rows: rows}, nil

	case SystemColumns:
		rel, ok := e.Store.Relation(cmd.Relation)
		if !ok {
			return nil, errs.Schema.New("unknown relation: " + cmd.Relation)
		}
		rows := make([]value.Tuple, len(rel.Schema.Columns))
		for i, c := range rel.Schema.Columns {
			rows[i] = value.Tuple{value.String(c.Name), value.Bool(c.Key)}
		}
		return &Result{Columns: []string{"column", "is_key"}, Rows: rows}, nil

	case SystemIndices:
		rel, ok := e.Store.Relation(cmd.Relation)
		if !ok {
			return nil, errs.Schema.New("unknown relation: " + cmd.Relation)
		}
		rows := make([]value.Tuple, len(rel.Indexes))
		for i, ib := range rel.Indexes {
			rows[i] = value.Tuple{value.String(ib.Name)}
		}
		return &Result{Columns: []string{"index"}, Rows: rows}, nil

	case SystemIndex:
		if cmd.Action == ActionDrop {
			return &Result{}, e.Store.DropIndex(cmd.Relation, cmd.Index)
		}
		ib := &storage.IndexBinding{Name: cmd.Index, Columns: cmd.Columns, Index: storage.NewPlainIndex()}
		return &Result{}, e.Store.CreateIndex(cmd.Relation, ib)

	case SystemHNSW:
		if cmd.Action == ActionDrop {
			return &Result{}, e.Store.DropIndex(cmd.Relation, cmd.Index)
		}
		params := cmd.HNSWParams
		if params == (HNSWDefaults{}) {
			params = e.Options.HNSW
		}
		hnsw := simindex.NewHNSW(cmd.HNSWDim, params.M, params.EfConstruction, params.distance())
		ib := &storage.IndexBinding{Name: cmd.Index, Columns: cmd.Columns, Index: hnsw}
		return &Result{}, e.Store.CreateIndex(cmd.Relation, ib)

	case SystemFTS:
		if cmd.Action == ActionDrop {
			return &Result{}, e.Store.DropIndex(cmd.Relation, cmd.Index)
		}
		ib := &storage.IndexBinding{Name: cmd.Index, Columns: cmd.Columns, Index: simindex.NewFTS()}
		return &Result{}, e.Store.CreateIndex(cmd.Relation, ib)

	case SystemLSH:
		if cmd.Action == ActionDrop {
			return &Result{}, e.Store.DropIndex(cmd.Relation, cmd.Index)
		}
		params := cmd.LSHParams
		if params == (LSHDefaults{}) {
			params = e.Options.LSH
		}
		lsh := simindex.NewLSH(params.NumHashes, params.BandSize, params.ShingleLen)
		ib := &storage.IndexBinding{Name: cmd.Index, Columns: cmd.Columns, Index: lsh}
		return &Result{}, e.Store.CreateIndex(cmd.Relation, ib)

	case SystemExplain:
		return explainProgram(cmd.Program, cmd.Entry)

	case SystemSetTriggers:
		e.Store.SetTriggers(cmd.Relation, cmd.Triggers)
		return &Result{}, nil
	}
	return nil, errs.Semantics.New("unknown system command")
}

// explainProgram runs only the stratifier over prog and reports each
// stratum's member groups, for the `::explain` system command.
func explainProgram(prog *ir.Program, entry string) (*Result, error) {
	if prog == nil {
		return nil, errs.Semantics.New("::explain requires a program")
	}
	strata, err := stratify.Stratify(prog)
	if err != nil {
		return nil, err
	}
	var rows []value.Tuple
	for i, s := range strata {
		for _, name := range s.Names {
			marker := ""
			if name == entry {
				marker = "entry"
			}
			rows = append(rows, value.Tuple{value.Int(int64(i)), value.String(name), value.String(marker)})
		}
	}
	return &Result{Columns: []string{"stratum", "relation", "note"}, Rows: rows}, nil
}
