package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stratadb/stratadb/storage"
)

func newManager() *Manager {
	return NewManager(storage.NewStore(storage.NewMemKV()))
}

func TestModeForClausesDetectsMutatingClause(t *testing.T) {
	require.Equal(t, ReadWrite, ModeForClauses([]string{":put"}))
	require.Equal(t, ReadWrite, ModeForClauses([]string{"::hnsw"}))
	require.Equal(t, ReadOnly, ModeForClauses([]string{"::set_triggers"}))
	require.Equal(t, ReadOnly, ModeForClauses(nil))
}

func TestCommitReleasesWriterLock(t *testing.T) {
	mgr := newManager()
	tx := mgr.Begin(context.Background(), ReadWrite)
	require.NoError(t, tx.Commit())

	// A second ReadWrite Begin must not block now that the first
	// transaction released the writer lock.
	done := make(chan struct{})
	go func() {
		tx2 := mgr.Begin(context.Background(), ReadWrite)
		tx2.Commit()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second ReadWrite Begin blocked after first Commit released the writer lock")
	}
}

func TestReadWriteExcludesConcurrentReadWrite(t *testing.T) {
	mgr := newManager()
	tx1 := mgr.Begin(context.Background(), ReadWrite)

	acquired := make(chan struct{})
	go func() {
		tx2 := mgr.Begin(context.Background(), ReadWrite)
		close(acquired)
		tx2.Commit()
	}()

	select {
	case <-acquired:
		t.Fatal("second ReadWrite transaction acquired the writer lock while the first was still open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tx1.Commit())
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second ReadWrite transaction never acquired the writer lock after the first committed")
	}
}

func TestCancelClosesPoisonWithoutFinishing(t *testing.T) {
	mgr := newManager()
	tx := mgr.Begin(context.Background(), ReadOnly)
	tx.Cancel()

	select {
	case <-tx.Poison():
	default:
		t.Fatal("expected Poison channel to be closed after Cancel")
	}

	require.NoError(t, tx.Commit())
}

func TestAbortReturnsWrappedError(t *testing.T) {
	mgr := newManager()
	tx := mgr.Begin(context.Background(), ReadOnly)
	err := tx.Abort(errBoom{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestRunScriptCommitsOnSuccess(t *testing.T) {
	mgr := newManager()
	err := mgr.RunScript(context.Background(), []string{":put"}, func(tx *Tx) error {
		require.Equal(t, ReadWrite, tx.Mode())
		return nil
	})
	require.NoError(t, err)
}

func TestRunScriptAbortsOnError(t *testing.T) {
	mgr := newManager()
	boom := errBoom{}
	err := mgr.RunScript(context.Background(), []string{":put"}, func(tx *Tx) error {
		return boom
	})
	require.Error(t, err)
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
