// Package txn implements the transaction manager of spec.md §4.8: two
// public modes (single-statement, auto-detecting read-only vs
// read-write; and multi-statement, explicitly begun/committed/aborted
// by the caller), single-writer exclusion, cooperative cancellation,
// and span/log instrumentation around every transaction's lifetime.
package txn

import (
	"context"
	"sync"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/storage"
)

// Mode is whether a transaction may mutate relations.
type Mode uint8

const (
	ReadOnly Mode = iota
	ReadWrite
)

// mutatingClauses is the fixed set spec.md §4.8 names: a script
// containing any of these forces ReadWrite mode under single-statement
// auto-detection.
var mutatingClauses = map[string]bool{
	":put": true, ":rm": true, ":update": true, ":replace": true,
	":create": true, ":drop": true,
	"::index": true, "::hnsw": true, "::fts": true, "::lsh": true,
}

// IsMutatingClause reports whether clause (a script keyword, e.g.
// ":put" or "::index") forces ReadWrite mode.
func IsMutatingClause(clause string) bool { return mutatingClauses[clause] }

// ModeForClauses auto-detects single-statement mode: ReadWrite if any
// clause present is mutating, else ReadOnly.
func ModeForClauses(clauses []string) Mode {
	for _, c := range clauses {
		if IsMutatingClause(c) {
			return ReadWrite
		}
	}
	return ReadOnly
}

var (
	txnDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stratadb",
		Subsystem: "txn",
		Name:      "duration_seconds",
		Help:      "Transaction lifetime from Begin to Commit/Abort.",
	}, []string{"mode", "outcome"})
)

func init() { prometheus.MustRegister(txnDuration) }

// Manager owns single-writer exclusion over one Store: at most one
// ReadWrite transaction runs at a time; ReadOnly transactions never
// block on each other or on a ReadWrite transaction, per spec.md §5.
type Manager struct {
	Store *storage.Store

	writerMu sync.Mutex
	log      *logrus.Entry
}

// NewManager wraps store with a single-writer transaction manager.
func NewManager(store *storage.Store) *Manager {
	return &Manager{Store: store, log: logrus.WithField("component", "txn")}
}

// Tx is one open transaction, either single- or multi-statement.
type Tx struct {
	mgr    *Manager
	mode   Mode
	ctx    context.Context
	cancel context.CancelFunc
	poison chan struct{}
	span   opentracing.Span
	start  time.Time

	mu       sync.Mutex
	finished bool
}

// Begin opens a transaction in mode, honoring ctx's deadline (spec.md
// §5: "A query may be given a deadline"). ReadWrite transactions
// acquire the single-writer lock before returning; callers must Commit
// or Abort to release it.
func (m *Manager) Begin(ctx context.Context, mode Mode) *Tx {
	span, spanCtx := opentracing.StartSpanFromContext(ctx, "txn.Begin")
	span.SetTag("mode", modeLabel(mode))

	cctx, cancel := context.WithCancel(spanCtx)
	tx := &Tx{
		mgr:    m,
		mode:   mode,
		ctx:    cctx,
		cancel: cancel,
		poison: make(chan struct{}),
		span:   span,
		start:  time.Now(),
	}
	if mode == ReadWrite {
		m.writerMu.Lock()
	}
	return tx
}

// Context returns the transaction's deadline-bound context.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Poison returns the cooperative cancellation channel: closed when the
// transaction is cancelled or finished, so evaluator loops selecting on
// it between iterations observe cancellation promptly.
func (tx *Tx) Poison() <-chan struct{} { return tx.poison }

// Mode reports whether tx may mutate relations.
func (tx *Tx) Mode() Mode { return tx.mode }

// Cancel requests cooperative cancellation without finishing the
// transaction; a subsequent Commit or Abort still runs, but in-flight
// evaluator work observes Poison and aborts with errs.Cancelled.
func (tx *Tx) Cancel() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	select {
	case <-tx.poison:
	default:
		close(tx.poison)
	}
}

// Commit finishes the transaction successfully, releasing the
// single-writer lock if held.
func (tx *Tx) Commit() error {
	return tx.finish("commit", nil)
}

// Abort finishes the transaction without committing any writes already
// applied to the backend are NOT rolled back by this layer — mutations
// go through storage.Store.mutate, which is itself one KV.Update
// transaction per call, so only the *last* uncommitted call (if any)
// is at risk; Abort's job here is releasing the writer lock and
// reporting the reason.
func (tx *Tx) Abort(reason error) error {
	return tx.finish("abort", reason)
}

func (tx *Tx) finish(outcome string, reason error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return errs.Transaction.New("transaction already finished")
	}
	tx.finished = true
	// tx.mu is already held here, so close poison directly rather than
	// through Cancel, which would lock tx.mu a second time.
	select {
	case <-tx.poison:
	default:
		close(tx.poison)
	}
	tx.cancel()

	elapsed := time.Since(tx.start)
	txnDuration.WithLabelValues(modeLabel(tx.mode), outcome).Observe(elapsed.Seconds())

	entry := tx.mgr.log.WithFields(logrus.Fields{"mode": modeLabel(tx.mode), "outcome": outcome, "elapsed_ms": elapsed.Milliseconds()})
	if reason != nil {
		entry = entry.WithError(reason)
	}
	entry.Debug("transaction finished")

	tx.span.SetTag("outcome", outcome)
	tx.span.Finish()

	if tx.mode == ReadWrite {
		tx.mgr.writerMu.Unlock()
	}
	if outcome == "abort" && reason != nil {
		return errs.Transaction.New(reason.Error())
	}
	return nil
}

func modeLabel(m Mode) string {
	if m == ReadWrite {
		return "read_write"
	}
	return "read_only"
}

// RunScript runs fn as a single-statement transaction in the mode
// auto-detected from clauses, per spec.md §4.8's single-statement mode.
func (m *Manager) RunScript(ctx context.Context, clauses []string, fn func(tx *Tx) error) error {
	mode := ModeForClauses(clauses)
	tx := m.Begin(ctx, mode)
	if err := fn(tx); err != nil {
		return tx.Abort(err)
	}
	return tx.Commit()
}
